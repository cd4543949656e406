package secrets

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// HTTPResolver fetches secrets from a key-vault-style HTTP endpoint
// (e.g. an Azure Key Vault proxy), addressed by the project's
// azure_kv_alias. It is read-only: salts and credentials are expected
// to be provisioned out of band, so Put always fails.
type HTTPResolver struct {
	client  *fasthttp.Client
	baseURL string
	token   string
}

func NewHTTPResolver(baseURL, bearerToken string) *HTTPResolver {
	return &HTTPResolver{client: &fasthttp.Client{}, baseURL: baseURL, token: bearerToken}
}

func (h *HTTPResolver) Get(ctx context.Context, alias, name string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/secrets/%s", h.baseURL, Name(alias, name)))
	req.Header.SetMethod(fasthttp.MethodGet)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	if err := h.doWithDeadline(ctx, req, resp); err != nil {
		return nil, cmn.WithKind(cmn.KindSecretUnavailable, errors.Wrap(err, "secrets: http get"))
	}
	switch resp.StatusCode() {
	case fasthttp.StatusOK:
		body := append([]byte(nil), resp.Body()...)
		return body, nil
	case fasthttp.StatusNotFound:
		return nil, cmn.WithKind(cmn.KindSecretUnavailable, errors.Errorf("secrets: %s not found", Name(alias, name)))
	default:
		return nil, cmn.WithKind(cmn.KindSecretUnavailable,
			errors.Errorf("secrets: http get %s: status %d", Name(alias, name), resp.StatusCode()))
	}
}

func (h *HTTPResolver) Put(context.Context, string, string, []byte) error {
	return cmn.WithKind(cmn.KindSecretUnavailable, errors.New("secrets: HTTPResolver is read-only"))
}

func (h *HTTPResolver) doWithDeadline(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	if deadline, ok := ctx.Deadline(); ok {
		return h.client.DoDeadline(req, resp, deadline)
	}
	return h.client.Do(req, resp)
}

var _ Resolver = (*HTTPResolver)(nil)
