// Package metrics provides Prometheus metrics for Babelor stages.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for processed envelopes.
const (
	OutcomeForwarded = "forwarded"
	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics holds all Prometheus metrics for the stages of one process. Every
// series carries a role label so several stages can share one registry.
type Metrics struct {
	// Envelope metrics
	EnvelopesReceived  *prometheus.CounterVec
	EnvelopesProcessed *prometheus.CounterVec
	HookLatency        *prometheus.HistogramVec
	EnvelopeUnits      *prometheus.HistogramVec
	EnvelopeBytes      *prometheus.HistogramVec

	// Worker pool metrics
	WorkerPoolActive  *prometheus.GaugeVec
	WorkerPoolPending *prometheus.GaugeVec
}

// New registers stage metrics with reg under the given namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Total number of envelopes received by a stage",
		}, []string{"role"}),
		EnvelopesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_processed_total",
			Help:      "Envelopes handled by a stage, by outcome",
		}, []string{"role", "outcome"}),
		HookLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hook_latency_seconds",
			Help:      "Processing hook latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"role"}),
		EnvelopeUnits: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "envelope_units",
			Help:      "Number of data units per inbound envelope",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}, []string{"role"}),
		EnvelopeBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "envelope_bytes",
			Help:      "Serialized size of inbound envelopes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"role"}),

		WorkerPoolActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_active",
			Help:      "Number of hooks currently running",
		}, []string{"role"}),
		WorkerPoolPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_pending",
			Help:      "Number of envelopes waiting for a worker",
		}, []string{"role"}),
	}
}

// RecordReceived records an inbound envelope of the given wire size.
func (m *Metrics) RecordReceived(role string, size int) {
	m.EnvelopesReceived.WithLabelValues(role).Inc()
	m.EnvelopeBytes.WithLabelValues(role).Observe(float64(size))
}

// RecordProcessed records the outcome of one envelope.
func (m *Metrics) RecordProcessed(role, outcome string, units int, hook time.Duration) {
	m.EnvelopesProcessed.WithLabelValues(role, outcome).Inc()
	if outcome == OutcomeRejected {
		return
	}
	m.EnvelopeUnits.WithLabelValues(role).Observe(float64(units))
	m.HookLatency.WithLabelValues(role).Observe(hook.Seconds())
}

// UpdateWorkerPool updates worker pool gauges.
func (m *Metrics) UpdateWorkerPool(role string, active, pending int) {
	m.WorkerPoolActive.WithLabelValues(role).Set(float64(active))
	m.WorkerPoolPending.WithLabelValues(role).Set(float64(pending))
}

// Server runs an HTTP server exposing /metrics and /health.
type Server struct {
	server *http.Server
}

// NewServer creates a metrics server on addr serving the metrics of g.
func NewServer(addr string, g prometheus.Gatherer) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           Handler(g),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the mux behind the metrics server.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Start starts the metrics server (blocking).
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// StartAsync starts the metrics server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		_ = s.server.ListenAndServe()
	}()
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	return s.server.Close()
}
