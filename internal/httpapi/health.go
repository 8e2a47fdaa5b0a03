package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is anything the readiness check can verify connectivity against
// (the Qdrant client, the Redis response cache).
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Health handles GET /health: a bare liveness check with no dependency
// probes, the way the teacher's handler.Health reports "ok" unconditionally
// when no DB is wired.
func Health(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version,
		})
	}
}

// Ready handles GET /health/ready: probes every dependency and reports
// "degraded" (503) if any check fails, but never blocks traffic to /health
// itself — liveness and readiness are deliberately separate checks.
func Ready(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		checks := make(map[string]string, len(deps))
		status := "ok"
		httpStatus := http.StatusOK
		for name, p := range deps {
			if p == nil {
				continue
			}
			if err := p.HealthCheck(ctx); err != nil {
				checks[name] = "down"
				status = "degraded"
				httpStatus = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"status":       status,
			"dependencies": checks,
		})
	}
}
