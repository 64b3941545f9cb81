// Package api serves the management HTTP API: endpoint registration and
// management for scope owners, and read access to the delivery log.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/guildhook/internal/auth"
	"github.com/austindbirch/guildhook/internal/delivery"
	"github.com/austindbirch/guildhook/internal/deliverylog"
	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/logging"
	"github.com/austindbirch/guildhook/internal/registry"
)

// Registry is the subset of registry.Service the API drives.
type Registry interface {
	Register(ctx context.Context, scope, rawURL string, subs []event.Type, description string) (*registry.Endpoint, string, error)
	List(ctx context.Context, scope string) ([]*registry.Endpoint, error)
	Get(ctx context.Context, id string) (*registry.Endpoint, error)
	Update(ctx context.Context, id string, f registry.UpdateFields) (*registry.Endpoint, error)
	Disable(ctx context.Context, id string) (*registry.Endpoint, error)
	Enable(ctx context.Context, id string) (*registry.Endpoint, error)
	Delete(ctx context.Context, id string) error
}

// DeliveryLog is the read side of the delivery log.
type DeliveryLog interface {
	ListJobs(ctx context.Context, q deliverylog.JobQuery) ([]deliverylog.JobSummary, error)
	ListAttempts(ctx context.Context, q deliverylog.AttemptQuery) (deliverylog.AttemptPage, error)
}

// Tester sends a synchronous test delivery.
type Tester interface {
	Test(ctx context.Context, ep *registry.Endpoint) (delivery.Outcome, error)
}

type Options struct {
	Registry      Registry
	DeliveryLog   DeliveryLog
	Tester        Tester
	Authenticator auth.Authenticator
	Health        http.Handler
	Metrics       http.Handler
	Logger        *logging.Logger
}

type Server struct {
	registry Registry
	log      DeliveryLog
	tester   Tester
	authn    auth.Authenticator
	health   http.Handler
	metrics  http.Handler
	logger   *logging.Logger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.New("guildhook-api")
	}
	return &Server{
		registry: opts.Registry,
		log:      opts.DeliveryLog,
		tester:   opts.Tester,
		authn:    opts.Authenticator,
		health:   opts.Health,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Routes builds the router. Everything under /v1 requires a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	if s.health != nil {
		r.Method(http.MethodGet, "/healthz", s.health)
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.authn, writeError, s.logger))

		r.Route("/scopes/{scope}/webhooks", func(r chi.Router) {
			r.Post("/", s.createWebhook)
			r.Get("/", s.listWebhooks)
		})
		r.Route("/webhooks/{id}", func(r chi.Router) {
			r.Get("/", s.getWebhook)
			r.Patch("/", s.updateWebhook)
			r.Delete("/", s.deleteWebhook)
			r.Post("/enable", s.enableWebhook)
			r.Post("/disable", s.disableWebhook)
			r.Post("/test", s.testWebhook)
			r.Get("/attempts", s.webhookAttempts)
			r.Get("/dead-letters", s.webhookDeadLetters)
		})
		r.Get("/events/{eventID}/deliveries", s.eventDeliveries)
		r.Get("/attempts", s.listAttempts)
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.WithContext(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}
