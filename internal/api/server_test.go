package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scarson/jobrunner/internal/api"
	"github.com/scarson/jobrunner/internal/jobs"
	"github.com/scarson/jobrunner/internal/store/memstore"
	"github.com/scarson/jobrunner/internal/worker"
)

// downStore fails every ping.
type downStore struct{ jobs.Store }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name       string
		store      jobs.Store
		wantCode   int
		wantStatus string
	}{
		{"store up", memstore.New(), http.StatusOK, "ok"},
		{"store down", downStore{}, http.StatusServiceUnavailable, "degraded"},
		{"no store", nil, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(t, api.NewRouter(tc.store, prometheus.NewRegistry()), "/healthz")
			if rec.Code != tc.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tc.wantCode)
			}

			var body struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body %q: %v", rec.Body.String(), err)
			}
			if body.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tc.wantStatus)
			}
		})
	}
}

func TestMetrics_ExposesWorkerCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := worker.NewMetrics(reg)
	m.Claimed.WithLabelValues("emails").Inc()

	rec := get(t, api.NewRouter(memstore.New(), reg), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `jobrunner_jobs_claimed_total{queue="emails"} 1`) {
		t.Errorf("metrics body missing claimed counter:\n%s", rec.Body.String())
	}
}
