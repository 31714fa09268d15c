package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// These package-level Prometheus series are registered with the default
// registry when the package is loaded and are served on /metrics. The
// Record* helpers below update the request, denial and adapter series;
// the pipeline handler and the heartbeat loop do not update any of them.
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vac_requests_total",
			Help: "Total number of pipeline requests, by outcome kind.",
		},
		[]string{"kind"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vac_request_duration_seconds",
			Help:    "End-to-end pipeline request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	DenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vac_denials_total",
			Help: "Total number of requests denied, by failure kind.",
		},
		[]string{"kind"},
	)

	AdapterInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vac_adapter_invocations_total",
			Help: "Total number of sandboxed adapter invocations, by result.",
		},
		[]string{"result"},
	)

	AdapterDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vac_adapter_duration_seconds",
			Help:    "Adapter extraction duration in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		},
	)

	HeartbeatFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vac_heartbeat_failures_total",
			Help: "Total number of consecutive heartbeat failures recorded.",
		},
	)

	LockdownState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vac_lockdown_active",
			Help: "1 when the sidecar is in degraded lockdown mode, else 0.",
		},
	)

	RevokedIdentifiers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vac_revoked_identifiers",
			Help: "Current size of the in-memory revocation set.",
		},
	)

	SessionKeyAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vac_session_key_age_seconds",
			Help: "Seconds since the current session key was minted.",
		},
	)
)

// RecordDenial records a denied request by its failure kind.
func RecordDenial(kind string) {
	RequestsTotal.WithLabelValues(kind).Inc()
	DenialsTotal.WithLabelValues(kind).Inc()
}

// RecordAllowed records a successfully forwarded request.
func RecordAllowed(duration time.Duration) {
	RequestsTotal.WithLabelValues("allowed").Inc()
	RequestDuration.WithLabelValues("allowed").Observe(duration.Seconds())
}

// RecordAdapterInvocation records an adapter extraction outcome.
func RecordAdapterInvocation(ok bool, duration time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	AdapterInvocations.WithLabelValues(result).Inc()
	AdapterDuration.Observe(duration.Seconds())
}
