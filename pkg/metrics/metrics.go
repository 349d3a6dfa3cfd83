// Package metrics holds the Prometheus collectors and the HTTP endpoint that
// exposes them next to liveness and readiness probes.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics groups every collector the server exports.
type Metrics struct {
	// Server resolution
	ResolutionLookups  prometheus.Counter
	ResolutionHits     prometheus.Counter
	ResolutionMisses   prometheus.Counter
	ResolutionFailures prometheus.Counter
	ResolutionLatency  prometheus.Histogram

	// Outbound federation calls
	FederationCalls    *prometheus.CounterVec
	FederationFailures *prometheus.CounterVec
	FederationRetries  prometheus.Counter
	FederationLatency  prometheus.Histogram

	// Trust decisions
	KeyResolutions         *prometheus.CounterVec
	SignatureVerifications *prometheus.CounterVec

	// Sessions
	SessionsCreated *prometheus.CounterVec
	GatesCleared    *prometheus.CounterVec

	// Inbound RPC
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
}

// New creates and registers the collectors. A nil registry uses the
// default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		ResolutionLookups: f.NewCounter(prometheus.CounterOpts{
			Name: "socialbox_resolution_lookups_total",
			Help: "Total number of server resolutions requested",
		}),
		ResolutionHits: f.NewCounter(prometheus.CounterOpts{
			Name: "socialbox_resolution_cache_hits_total",
			Help: "Resolutions answered from a fresh cache entry",
		}),
		ResolutionMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "socialbox_resolution_cache_misses_total",
			Help: "Resolutions that needed a discovery lookup",
		}),
		ResolutionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "socialbox_resolution_failures_total",
			Help: "Discovery lookups that failed or returned a bad record",
		}),
		ResolutionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "socialbox_resolution_lookup_latency_seconds",
			Help:    "Latency of discovery lookups",
			Buckets: prometheus.DefBuckets,
		}),

		FederationCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "socialbox_federation_calls_total",
			Help: "Outbound calls to remote servers",
		}, []string{"method"}),
		FederationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "socialbox_federation_failures_total",
			Help: "Outbound calls that failed after retries",
		}, []string{"method"}),
		FederationRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "socialbox_federation_retry_attempts_total",
			Help: "Total number of outbound retry attempts",
		}),
		FederationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "socialbox_federation_latency_seconds",
			Help:    "Latency of outbound calls including retries",
			Buckets: prometheus.DefBuckets,
		}),

		KeyResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "socialbox_signing_key_resolutions_total",
			Help: "Signing key resolutions by locality and outcome",
		}, []string{"locality", "outcome"}),
		SignatureVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "socialbox_signature_verifications_total",
			Help: "Peer signature verifications by status",
		}, []string{"status"}),

		SessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "socialbox_sessions_created_total",
			Help: "Sessions created by kind",
		}, []string{"kind"}),
		GatesCleared: f.NewCounterVec(prometheus.CounterOpts{
			Name: "socialbox_session_gates_cleared_total",
			Help: "Registration and authentication gates completed",
		}, []string{"gate"}),

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "socialbox_rpc_requests_total",
			Help: "Inbound RPC requests by method and status code",
		}, []string{"method", "code"}),
		RequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "socialbox_rpc_request_latency_seconds",
			Help:    "Inbound RPC handling latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// HealthEndpoint serves /metrics and the probe endpoints.
type HealthEndpoint struct {
	gatherer prometheus.Gatherer
	checks   map[string]ReadinessCheck
	logger   *zap.Logger
	started  time.Time
}

// NewHealthEndpoint creates the HTTP handlers. A nil gatherer uses the
// default gatherer.
func NewHealthEndpoint(gatherer prometheus.Gatherer, checks map[string]ReadinessCheck, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthEndpoint{
		gatherer: gatherer,
		checks:   checks,
		logger:   logger,
		started:  time.Now(),
	}
}

// RegisterHandlers registers HTTP handlers
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for name, check := range he.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	response := map[string]any{
		"status": "ready",
		"uptime": time.Since(he.started).Round(time.Second).String(),
	}
	statusCode := http.StatusOK
	if len(failures) > 0 {
		response["status"] = "not ready"
		response["failures"] = failures
		statusCode = http.StatusServiceUnavailable
		he.logger.Warn("Readiness check failed", zap.Any("failures", failures))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// StartServer serves the endpoint on addr until Shutdown is called on the
// returned server.
func StartServer(addr string, endpoint *HealthEndpoint, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	endpoint.RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
