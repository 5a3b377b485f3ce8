// Package httpapi exposes the agent's two unauthenticated diagnostic
// endpoints, /healthz and /metrics, on the chi router the rest of this
// codebase's HTTP surfaces are built on.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ep1cman/unifi-protect-backup/internal/metrics"
)

// HealthReporter is queried by /healthz so the handler stays decoupled
// from the Supervisor's concrete type.
type HealthReporter interface {
	// Healthy reports whether the agent is healthy; the Supervisor
	// reports false once a fatal error has been escalated.
	Healthy() bool
}

// Config wires the diagnostic server's dependencies.
type Config struct {
	Metrics *metrics.Collector
	Health  HealthReporter
}

// NewRouter builds the chi router serving /healthz and /metrics.
func NewRouter(cfg Config) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(10 * time.Second))

	r.Get("/healthz", healthHandler(cfg.Health))
	r.Handle("/metrics", cfg.Metrics.Handler())

	return r
}

func healthHandler(h HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthy := h == nil || h.Healthy()
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]bool{"healthy": healthy})
	}
}
