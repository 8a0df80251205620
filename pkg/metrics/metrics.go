// Package metrics registers the daemon's Prometheus instruments.
// One Metrics value is created at startup and injected explicitly; there is
// no package-level default registry use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the core components record into.
type Metrics struct {
	// Durable buffer
	BufferEnqueueHot   prometheus.Counter
	BufferEnqueueCold  prometheus.Counter
	BufferBackpressure prometheus.Counter
	BufferQueueDepth   prometheus.Gauge
	BufferQueueWait    prometheus.Histogram
	ScannerRecovered   prometheus.Counter

	// Spawner
	QueuedTriggers  prometheus.Gauge
	ActiveSessions  prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Route inbox
	RouteAcceptLatency  prometheus.Histogram
	RouteProcessLatency prometheus.Histogram
	RouteDeadLettered   prometheus.Counter
	RouteQueueDepth     prometheus.Gauge

	// Rate limiter
	AdmissionRejected *prometheus.CounterVec // label: limit_type
	AdmissionAdmitted prometheus.Counter

	// Circuit breaker
	BreakerTransitions *prometheus.CounterVec // labels: provider, to_state

	// Registry
	EligibilityTransitions *prometheus.CounterVec // labels: from_state, to_state
}

// New creates and registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto{reg}
	return &Metrics{
		BufferEnqueueHot: f.counter("butler_buffer_enqueue_hot_total",
			"Messages enqueued on the ingestion hot path."),
		BufferEnqueueCold: f.counter("butler_buffer_enqueue_cold_total",
			"Messages re-enqueued by the recovery scanner."),
		BufferBackpressure: f.counter("butler_buffer_backpressure_total",
			"Hot-path enqueue attempts rejected because the queue was full."),
		BufferQueueDepth: f.gauge("butler_buffer_queue_depth",
			"Current number of message refs in the buffer."),
		BufferQueueWait: f.histogram("butler_buffer_queue_wait_seconds",
			"Time a message ref spent queued before a worker picked it up.",
			prometheus.DefBuckets),
		ScannerRecovered: f.counter("butler_scanner_recovered_total",
			"Accepted rows recovered into the buffer by the scanner."),

		QueuedTriggers: f.gauge("butler_spawner_queued_triggers",
			"Triggers waiting for a session slot."),
		ActiveSessions: f.gauge("butler_spawner_active_sessions",
			"Sessions currently running."),
		SessionDuration: f.histogram("butler_session_duration_seconds",
			"Wall-clock duration of LLM sessions.",
			[]float64{1, 5, 15, 30, 60, 120, 300, 600}),

		RouteAcceptLatency: f.histogram("butler_route_accept_latency_seconds",
			"Latency of the route accept phase.",
			[]float64{.005, .01, .025, .05, .1, .25, .5, 1, 2}),
		RouteProcessLatency: f.histogram("butler_route_process_latency_seconds",
			"Inbox-insert to processing-start latency.",
			prometheus.DefBuckets),
		RouteDeadLettered: f.counter("butler_route_dead_lettered_total",
			"Route requests moved to dead_lettered after exhausting retries."),
		RouteQueueDepth: f.gauge("butler_route_queue_depth",
			"Accepted route requests awaiting processing."),

		AdmissionRejected: f.counterVec("butler_admission_rejected_total",
			"Admissions rejected by the rate limiter.", []string{"limit_type"}),
		AdmissionAdmitted: f.counter("butler_admission_admitted_total",
			"Admissions granted by the rate limiter."),

		BreakerTransitions: f.counterVec("butler_breaker_transitions_total",
			"Circuit breaker state transitions.", []string{"provider", "to_state"}),

		EligibilityTransitions: f.counterVec("butler_eligibility_transitions_total",
			"Butler registry eligibility transitions.", []string{"from_state", "to_state"}),
	}
}

// NewNop returns metrics registered on a throwaway registry, for tests and
// components constructed without observability.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

type promauto struct{ reg prometheus.Registerer }

func (f promauto) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	f.reg.MustRegister(c)
	return c
}

func (f promauto) counterVec(name, help string, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	f.reg.MustRegister(c)
	return c
}

func (f promauto) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	f.reg.MustRegister(g)
	return g
}

func (f promauto) histogram(name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	f.reg.MustRegister(h)
	return h
}
