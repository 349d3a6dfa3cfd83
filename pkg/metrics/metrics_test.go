package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMetrics_Creation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ResolutionLookups.Inc()
	m.SessionsCreated.WithLabelValues("local").Inc()
	m.Requests.WithLabelValues("ping", "OK").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ResolutionLookups))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsCreated.WithLabelValues("local")))

	// Registering twice on the same registry is a programming error.
	assert.Panics(t, func() { New(registry) })
}

func newMux(t *testing.T, checks map[string]ReadinessCheck) (*http.ServeMux, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	New(registry).ResolutionHits.Inc()

	mux := http.NewServeMux()
	NewHealthEndpoint(registry, checks, zaptest.NewLogger(t)).RegisterHandlers(mux)
	return mux, registry
}

func TestHealthEndpoint_Liveness(t *testing.T) {
	mux, _ := newMux(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHealthEndpoint_Readiness(t *testing.T) {
	healthy := true
	mux, _ := newMux(t, map[string]ReadinessCheck{
		"cache": func(ctx context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		},
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])

	healthy = false
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, map[string]any{"cache": "connection refused"}, body["failures"])
}

func TestHealthEndpoint_Metrics(t *testing.T) {
	mux, _ := newMux(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "socialbox_resolution_cache_hits_total 1"))
}
