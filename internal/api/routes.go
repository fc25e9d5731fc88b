package api

import (
	"net/http"
	"quantumjobs/internal/health"
	"quantumjobs/internal/job"
	"quantumjobs/internal/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured. Job and
// backend routes are served both at the root and under /v1.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.HealthChecker)

	r := chi.NewRouter()

	// Middleware chain (order matters: outermost first)
	r.Use(RecoveryMiddleware())
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	// Job endpoints - auth required
	jobRoutes := func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))
		r.Post("/jobs", handler.SubmitJob)
		r.Get("/jobs", handler.ListJobs)
		r.Get("/jobs/{jobId}", handler.GetJob)
		r.Post("/jobs/{jobId}/cancel", handler.CancelJob)
		r.Get("/backends", handler.ListBackends)
	}
	r.Group(jobRoutes)
	r.Route("/v1", jobRoutes)

	return r
}
