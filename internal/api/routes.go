package api

import (
	"net/http"

	"jobbroker/internal/auth"
	"jobbroker/internal/health"
	"jobbroker/internal/interactive"
	"jobbroker/internal/observability"
	"jobbroker/internal/orchestrator"
	"jobbroker/internal/registry"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Registry      *registry.Registry
	Orchestrator  *orchestrator.Orchestrator
	Runner        *interactive.Runner
	HealthChecker *health.Checker
	Verifier      auth.Verifier
	Metrics       *observability.Metrics
	JobRoot       string
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Registry, cfg.Orchestrator, cfg.Runner, cfg.HealthChecker, cfg.JobRoot)

	mux := http.NewServeMux()

	// Probes - no auth required.
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// API - every request carries a verified principal.
	principal := PrincipalMiddleware(cfg.Verifier)
	api := http.NewServeMux()
	api.HandleFunc("GET /api/applications", handler.ListApplications)
	api.HandleFunc("POST /api/applications/{name}/jobs", handler.SubmitJob)
	api.HandleFunc("GET /api/jobs", handler.ListJobs)
	api.HandleFunc("GET /api/jobs/{jobId}", handler.GetJob)
	api.HandleFunc("POST /api/jobs/{jobId}/cancel", handler.CancelJob)
	api.HandleFunc("GET /api/jobs/{jobId}/files/{path...}", handler.GetJobFile)
	api.HandleFunc("GET /api/jobs/{jobId}/directories", handler.GetJobDirectories)
	api.HandleFunc("POST /api/jobs/{jobId}/interactive/{app}", handler.RunInteractive)
	mux.Handle("/api/", principal(api))

	// Middleware chain, outermost first.
	var h http.Handler = mux
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	return h
}
