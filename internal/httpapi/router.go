package httpapi

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/climate-resilient/query-pipeline/internal/middleware"
)

// Dependencies holds everything the router wires into route handlers,
// mirroring the teacher's router.Dependencies shape: one struct, injected
// once, read by each handler constructor.
type Dependencies struct {
	Orchestrator Orchestrator
	Version      string
	FrontendURL  string
	Metrics      *middleware.Metrics
	MetricsReg   *prometheus.Registry
	RateLimiter  *TokenBucketLimiter
	ReadyChecks  map[string]Pinger
}

// New builds the chi router: global middleware, then the public routes.
// There is no auth surface in this service's scope — every route below is
// reachable by any client behind the configured CORS origin.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	r.Get("/health", Health(deps.Version))
	r.Get("/health/ready", Ready(deps.ReadyChecks))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(RateLimit(deps.RateLimiter))
		}
		r.Post("/api/v1/chat/query", Chat(deps.Orchestrator))
		r.Get("/api/v1/languages/supported", Languages())
		r.Post("/api/v1/feedback/submit", Feedback())
	})

	return r
}
