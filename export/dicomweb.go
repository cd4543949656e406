package export

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/pixl-imaging/pixl-core/cmn"
	"github.com/pixl-imaging/pixl-core/secrets"
)

const multipartRelatedContentType = `multipart/related; type="application/dicom"; boundary=pixl-core-boundary`

// DICOMwebUploader implements spec §4.H's DICOMweb destination: a
// STOW-RS POST to an endpoint configured per project, with bearer
// auth credentials resolved from the secret store at send time.
type DICOMwebUploader struct {
	resolver secrets.Resolver
	client   *fasthttp.Client
}

func NewDICOMwebUploader(resolver secrets.Resolver) *DICOMwebUploader {
	return &DICOMwebUploader{resolver: resolver, client: &fasthttp.Client{}}
}

func (u *DICOMwebUploader) Upload(ctx context.Context, study StudyPackage, spec Spec) (Receipt, error) {
	token, err := u.bearerToken(ctx, study.ProjectSlug)
	if err != nil {
		return Receipt{}, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(spec.DICOMwebEndpoint + "/studies")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.SetContentType(multipartRelatedContentType)
	req.SetBody(wrapMultipart(study.ZipBytes))

	if err := u.do(ctx, req, resp); err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindUploadFailure, errors.Wrap(err, "export: stow-rs request"))
	}
	if resp.StatusCode() != fasthttp.StatusOK && resp.StatusCode() != fasthttp.StatusAccepted {
		return Receipt{}, cmn.WithKind(cmn.KindUploadFailure,
			errors.Errorf("export: stow-rs status %d", resp.StatusCode()))
	}
	return Receipt{Destination: "dicomweb", RemotePath: spec.DICOMwebEndpoint + "/studies", UploadedAt: time.Now()}, nil
}

// bearerToken resolves a project's DICOMweb credential and, when it is
// a signing key rather than a pre-issued token, mints a short-lived
// JWT for this single batch (spec §4.H: "endpoint configured
// dynamically and torn down after the batch").
func (u *DICOMwebUploader) bearerToken(ctx context.Context, projectSlug string) (string, error) {
	secret, err := u.resolver.Get(ctx, projectSlug, "dicomweb--token")
	if err == nil {
		return string(secret), nil
	}
	if cmn.KindOf(err) != cmn.KindSecretUnavailable {
		return "", cmn.WithKind(cmn.KindSecretUnavailable, err)
	}

	key, keyErr := u.resolver.Get(ctx, projectSlug, "dicomweb--signing-key")
	if keyErr != nil {
		return "", cmn.WithKind(cmn.KindSecretUnavailable, keyErr)
	}
	claims := jwt.RegisteredClaims{
		Subject:   projectSlug,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, signErr := tok.SignedString(key)
	if signErr != nil {
		return "", cmn.WithKind(cmn.KindSecretUnavailable, errors.Wrap(signErr, "export: sign dicomweb token"))
	}
	return signed, nil
}

func (u *DICOMwebUploader) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	if deadline, ok := ctx.Deadline(); ok {
		return u.client.DoDeadline(req, resp, deadline)
	}
	return u.client.Do(req, resp)
}

// wrapMultipart wraps zipBytes in a minimal single-part
// multipart/related body matching the boundary declared in
// multipartRelatedContentType.
func wrapMultipart(zipBytes []byte) []byte {
	var out []byte
	out = append(out, "--pixl-core-boundary\r\nContent-Type: application/dicom\r\n\r\n"...)
	out = append(out, zipBytes...)
	out = append(out, "\r\n--pixl-core-boundary--\r\n"...)
	return out
}

var _ Uploader = (*DICOMwebUploader)(nil)
