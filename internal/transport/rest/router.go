package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fixbridge/execution-service/internal/metrics"
)

type RouterDeps struct {
	Handler *Handler

	// Limiter is optional; without it the rate-limit middleware is skipped.
	Limiter         RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.RateLimit <= 0 {
		d.RateLimit = 100
	}
	if d.RateLimitWindow <= 0 {
		d.RateLimitWindow = time.Minute
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)

	// Cross-cutting
	if d.Limiter != nil {
		r.Use(RateLimitMiddleware(d.Limiter, d.RateLimit, d.RateLimitWindow))
	}
	r.Use(SecurityHeaders)

	// Operational endpoints stay outside the API prefix.
	r.Get("/healthz", d.Handler.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/executions", d.Handler.ListExecutions)
		r.Post("/executions", d.Handler.CreateExecution)
		r.Post("/executions/batch", d.Handler.CreateBatch)
		r.Get("/executions/stats", d.Handler.Stats)

		r.Get("/execution/{id}", d.Handler.GetExecution)
		r.Put("/execution/{id}", d.Handler.UpdateExecution)

		r.Post("/admin/publisher/circuit-breaker/reset", d.Handler.ResetCircuitBreaker)
	})

	return r
}
