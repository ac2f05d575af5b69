package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for router self-monitoring.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Ingress metrics
	EventsReceivedTotal prometheus.Counter
	EventsRejectedTotal *prometheus.CounterVec

	// Fanout metrics
	ForwardsTotal       *prometheus.CounterVec
	ForwardDuration     prometheus.Histogram
	InFlightForwards    prometheus.Gauge
	DrainRemainingTotal prometheus.Counter

	// Queue metrics
	QueueDepth               prometheus.Gauge
	QueueAppendsTotal        prometheus.Counter
	QueueAppendFailuresTotal prometheus.Counter

	// Retry metrics
	RetryTicksTotal     prometheus.Counter
	RetryAttemptsTotal  *prometheus.CounterVec
	RecoveredFilesTotal prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		EventsReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexer_events_received_total",
			Help: "Total number of events accepted on the ingress endpoint.",
		}),
		EventsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plexer_events_rejected_total",
			Help: "Total number of events rejected on ingress.",
		}, []string{"reason"}),

		ForwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plexer_forwards_total",
			Help: "Total number of consumer delivery attempts.",
		}, []string{"consumer", "outcome"}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "plexer_forward_duration_seconds",
			Help:    "Duration of consumer POST attempts in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		InFlightForwards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plexer_inflight_forwards",
			Help: "Current number of in-flight consumer POSTs.",
		}),
		DrainRemainingTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexer_drain_remaining_total",
			Help: "In-flight forwards abandoned because the shutdown drain timed out.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plexer_queue_depth",
			Help: "Current number of entries in the failure queue.",
		}),
		QueueAppendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexer_queue_appends_total",
			Help: "Total number of entries appended to the failure queue.",
		}),
		QueueAppendFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexer_queue_append_failures_total",
			Help: "Total number of failed queue appends (entry dropped).",
		}),

		RetryTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexer_retry_ticks_total",
			Help: "Total number of retry worker ticks executed.",
		}),
		RetryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plexer_retry_attempts_total",
			Help: "Total number of retry delivery attempts.",
		}, []string{"outcome"}),
		RecoveredFilesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexer_recovered_files_total",
			Help: "Orphaned processing files reattached at startup.",
		}),
	}

	// Register all metrics with the custom registry.
	reg.MustRegister(
		m.EventsReceivedTotal,
		m.EventsRejectedTotal,
		m.ForwardsTotal,
		m.ForwardDuration,
		m.InFlightForwards,
		m.DrainRemainingTotal,
		m.QueueDepth,
		m.QueueAppendsTotal,
		m.QueueAppendFailuresTotal,
		m.RetryTicksTotal,
		m.RetryAttemptsTotal,
		m.RecoveredFilesTotal,
	)

	return m
}
