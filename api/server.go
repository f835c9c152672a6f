/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logging:    zerolog access log
  4. Metrics:    Request count and latency per route (when enabled)
  5. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /healthz                  Liveness and database ping
  /metrics                  Prometheus exposition (path configurable)
  /api/webhooks/*           Gateway pushes, authenticated by signature
  /api/*                    Everything else, bearer JWT required
  /api/dev/seed             Demo data (only with dev routes enabled)

SECURITY NOTE:
  Webhooks carry no bearer token. Their payload signature is the
  authentication, and they act as the system principal.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logging, metrics, authentication
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/metrics"
)

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	Tokens         *auth.TokenService

	// Metrics is optional. When set, requests are instrumented and the
	// registry is exposed on MetricsPath.
	Metrics     *metrics.Collector
	MetricsPath string

	// DevRoutes registers the demo seed endpoint.
	DevRoutes bool

	// Health pings the database from /healthz.
	Health func(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(NewLoggingMiddleware(h.Logger, opts.MetricsPath))
	if opts.Metrics != nil {
		r.Use(NewMetricsMiddleware(opts.Metrics, opts.MetricsPath))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", Health(opts.Health))
	if opts.Metrics != nil {
		r.Handle(opts.MetricsPath, opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		// Gateway webhooks authenticate by signature
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/stripe", h.StripeWebhook)
			r.Post("/razorpay", h.RazorpayWebhook)
		})

		r.Group(func(r chi.Router) {
			r.Use(NewAuthMiddleware(opts.Tokens))

			// Dues routes
			r.Route("/dues", func(r chi.Router) {
				r.Get("/", h.ListDues)
				r.Get("/summary", h.GetSummary)
			})

			// Flat routes
			r.Route("/flats", func(r chi.Router) {
				r.Get("/", h.ListFlats)
				r.Post("/", h.CreateFlat)
				r.Get("/{id}", h.GetFlat)
				r.Put("/{id}", h.UpdateFlat)
				r.Delete("/{id}", h.DeleteFlat)
				r.Get("/{id}/statement", h.GetStatement)
			})

			// Billing period routes
			r.Route("/periods", func(r chi.Router) {
				r.Get("/", h.ListPeriods)
				r.Post("/", h.ConfigurePeriod)
				r.Get("/{year}/{month}", h.GetPeriod)
				r.Get("/{year}/{month}/history", h.GetPeriodHistory)
			})

			// Payment routes
			r.Route("/payments", func(r chi.Router) {
				r.Get("/", h.ListPayments)
				r.Post("/", h.RecordPayment)
				r.Post("/checkout", h.InitiateCheckout)
				r.Get("/checkout/{sessionId}", h.PollCheckout)
				r.Post("/orders", h.CreateOrder)
				r.Post("/orders/verify", h.VerifyOrder)
			})

			if opts.DevRoutes {
				r.Post("/dev/seed", h.Seed)
			}
		})
	})

	return r
}
