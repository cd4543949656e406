package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// HealthCheck reports whether the process is ready to serve traffic.
// The `start` command wires it to the project registry, so /healthz
// reflects more than "process is running"; the ledger is not checked.
type HealthCheck func(ctx context.Context) error

// Server is the ambient `/healthz` + `/metrics` endpoint every
// long-running daemon in the teacher repo exposes (`ais/daemon.go`).
type Server struct {
	addr    string
	metrics *Registry
	health  HealthCheck
}

func NewServer(addr string, reg *Registry, health HealthCheck) *Server {
	return &Server{addr: addr, metrics: reg, health: health}
}

func (s *Server) handler() fasthttp.RequestHandler {
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metricsHandler(ctx)
		case "/healthz":
			if err := s.health(ctx); err != nil {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				ctx.SetBodyString(err.Error())
				return
			}
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString("ok")
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &fasthttp.Server{Handler: s.handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(s.addr) }()

	select {
	case <-ctx.Done():
		cmn.L().Infow("metrics server shutting down")
		return srv.Shutdown()
	case err := <-errCh:
		return err
	}
}
