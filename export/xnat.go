package export

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/pixl-imaging/pixl-core/cmn"
	"github.com/pixl-imaging/pixl-core/secrets"
)

// XNATUploader implements spec §4.H's XNAT destination: posts a
// DICOM-zip to the project-ID equal to the project slug, respecting
// overwrite and destination options.
type XNATUploader struct {
	resolver secrets.Resolver
	client   *fasthttp.Client
}

func NewXNATUploader(resolver secrets.Resolver) *XNATUploader {
	return &XNATUploader{resolver: resolver, client: &fasthttp.Client{}}
}

func (u *XNATUploader) Upload(ctx context.Context, study StudyPackage, spec Spec) (Receipt, error) {
	token, err := u.resolver.Get(ctx, study.ProjectSlug, "xnat--token")
	if err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindSecretUnavailable, err)
	}

	overwrite := spec.XNATOverwrite
	if overwrite == "" {
		overwrite = "none"
	}
	destination := spec.XNATDestination
	if destination == "" {
		destination = "prearchive"
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := fmt.Sprintf("%s/data/services/import?PROJECT_ID=%s&overwrite=%s&dest=%s",
		spec.XNATBaseURL, study.ProjectSlug, overwrite, destination)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(uri)
	req.Header.Set("Authorization", "Bearer "+string(token))
	req.Header.SetContentType("application/zip")
	req.SetBody(study.ZipBytes)

	if err := u.do(ctx, req, resp); err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindUploadFailure, errors.Wrap(err, "export: xnat request"))
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return Receipt{}, cmn.WithKind(cmn.KindUploadFailure, errors.Errorf("export: xnat status %d", resp.StatusCode()))
	}
	return Receipt{Destination: "xnat", RemotePath: uri, UploadedAt: time.Now()}, nil
}

func (u *XNATUploader) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	if deadline, ok := ctx.Deadline(); ok {
		return u.client.DoDeadline(req, resp, deadline)
	}
	return u.client.Do(req, resp)
}

var _ Uploader = (*XNATUploader)(nil)
