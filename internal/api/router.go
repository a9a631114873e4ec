// Package api provides HTTP routing for the abuse guard.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"abuse-guard/internal/alerting"
	"abuse-guard/internal/config"
	"abuse-guard/internal/correlation"
	"abuse-guard/internal/ingest"
	"abuse-guard/internal/middleware"
	"abuse-guard/internal/security/audit"
)

// Service is everything the HTTP surface needs from the guard.
type Service interface {
	middleware.Guard
	alerting.Service
	Unblock(ctx context.Context, identifier, actor string) (bool, error)
	ClearSession(ctx context.Context, principal, actor string) (bool, error)
	AuditLog(ctx context.Context, opts audit.QueryOptions) ([]*audit.Record, error)
	Registry() *correlation.Registry
	Ping(ctx context.Context) error
}

// Options configures NewRouter.
type Options struct {
	Config  *config.Config
	Service Service
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter builds the HTTP handler.
//
// Collaborator routes sit under /v1 behind the API key. The admin group adds
// the ingress gate, so a blocked operator address is refused like any other.
func NewRouter(opts Options) http.Handler {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{service: opts.Service, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.SecurityHeaders(middleware.DefaultHeadersConfig()))

	r.Get("/health", h.health)
	if opts.Gatherer != nil && cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.Auth))

		r.Post("/events", ingest.NewHandler(opts.Service).HandleEvent)
		r.Get("/blocks/{identifier}", h.isBlocked)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.Gate(opts.Service, cfg.Gate, cfg.Server.TrustProxy, logger))

			alerting.NewHandler(opts.Service).RegisterRoutes(r)
			correlation.NewPatternHandler(opts.Service.Registry()).RegisterRoutes(r)
			r.Delete("/blocks/{identifier}", h.unblock)
			r.Delete("/sessions/{principal}", h.clearSession)
			r.Get("/audit", h.auditLog)
		})
	})

	return r
}
