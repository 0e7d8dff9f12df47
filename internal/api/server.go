// ABOUTME: Operations HTTP router for the worker process: /healthz and /metrics.
// ABOUTME: No job submission or query endpoints; those belong to other services.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scarson/jobrunner/internal/jobs"
)

// NewRouter builds the chi router serving /healthz (backed by st.Ping) and
// /metrics (backed by gatherer).
//
// st may be nil only in tests that don't need a store (healthz will return degraded).
func NewRouter(st jobs.Store, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(st))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the store is reachable,
// or 503 {"status":"degraded","store":"unavailable"} when it is not.
func healthzHandler(st jobs.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if st == nil {
			resp.Status = "degraded"
			resp.Store = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := st.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: store ping failed", "error", err)
			resp.Status = "degraded"
			resp.Store = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
