// Package metrics provides Prometheus instrumentation for phoneverify.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled     bool
	serviceName string

	// HTTP metrics
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	openEventStreams  prometheus.Gauge

	// Verification metrics
	phaseEnteredTotal     *prometheus.CounterVec
	attemptsFinishedTotal *prometheus.CounterVec
	attemptDuration       *prometheus.HistogramVec
	slotTransitionsTotal  *prometheus.CounterVec
	completionFailures    *prometheus.CounterVec

	// Relayer metrics
	relayerCallsTotal *prometheus.CounterVec
	relayerDuration   *prometheus.HistogramVec
)

// Init initializes the metrics system.
func Init(enabledFlag bool, svcName string) {
	enabled = enabledFlag
	serviceName = svcName

	if !enabled {
		return
	}

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	openEventStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_open_event_streams",
			Help: "Status event streams currently held open by subscribers",
		},
	)

	phaseEnteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_phase_entered_total",
			Help: "Number of times a verification attempt entered each phase",
		},
		[]string{"phase"},
	)

	attemptsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_attempts_finished_total",
			Help: "Finished verification attempts by outcome",
		},
		[]string{"phase", "relayed"},
	)

	// Attempts run for minutes, not milliseconds.
	attemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verification_attempt_duration_seconds",
			Help:    "Wall time of finished verification attempts",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"phase"},
	)

	slotTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_slot_transitions_total",
			Help: "Attestation slot state changes",
		},
		[]string{"state"},
	)

	completionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_completion_failures_total",
			Help: "Failed attestation completion submissions by error kind",
		},
		[]string{"kind"},
	)

	relayerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_calls_total",
			Help: "Relayer calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	relayerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayer_call_duration_seconds",
			Help:    "Relayer call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

// Enabled returns whether metrics are enabled.
func Enabled() bool {
	return enabled
}

// ServiceName returns the configured service name for metric labels.
func ServiceName() string {
	return serviceName
}
