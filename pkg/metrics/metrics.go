package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "freight_pooling"

// JobMetrics records scheduled job executions.
type JobMetrics struct {
	duration *prometheus.HistogramVec
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
}

// NewJobMetrics registers the job metrics on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	if reg == nil {
		return &JobMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Duration of scheduled jobs in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job"})
	success := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_success_total",
		Help:      "Successful scheduled job executions.",
	}, []string{"job"})
	failure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_failure_total",
		Help:      "Failed scheduled job executions.",
	}, []string{"job"})
	reg.MustRegister(duration, success, failure)
	return &JobMetrics{duration: duration, success: success, failure: failure}
}

// ObserveDuration records the duration for the named job.
func (m *JobMetrics) ObserveDuration(job string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(job)).Observe(d.Seconds())
}

// IncSuccess increments the success counter for the named job.
func (m *JobMetrics) IncSuccess(job string) {
	if m == nil || m.success == nil {
		return
	}
	m.success.WithLabelValues(normalizeLabel(job)).Inc()
}

// IncFailure increments the failure counter for the named job.
func (m *JobMetrics) IncFailure(job string) {
	if m == nil || m.failure == nil {
		return
	}
	m.failure.WithLabelValues(normalizeLabel(job)).Inc()
}

// PoolMetrics counts assignment outcomes and emitted pool events.
type PoolMetrics struct {
	assignments *prometheus.CounterVec
	events      *prometheus.CounterVec
	bookings    *prometheus.CounterVec
}

// NewPoolMetrics registers pool engine metrics.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	if reg == nil {
		return &PoolMetrics{}
	}
	assignments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assignments_total",
		Help:      "Item assignment attempts by result.",
	}, []string{"result"})
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_events_total",
		Help:      "Pool events appended by type.",
	}, []string{"type"})
	bookings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bookings_total",
		Help:      "Booking attempts by result.",
	}, []string{"result"})
	reg.MustRegister(assignments, events, bookings)
	return &PoolMetrics{assignments: assignments, events: events, bookings: bookings}
}

// IncAssignment counts an assignment attempt ("pooled", "skipped", "error").
func (m *PoolMetrics) IncAssignment(result string) {
	if m == nil || m.assignments == nil {
		return
	}
	m.assignments.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncEvent counts an appended pool event.
func (m *PoolMetrics) IncEvent(eventType string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncBooking counts a booking attempt ("confirmed", "failed", "rejected").
func (m *PoolMetrics) IncBooking(result string) {
	if m == nil || m.bookings == nil {
		return
	}
	m.bookings.WithLabelValues(normalizeLabel(result)).Inc()
}

// WebhookMetrics records delivery attempt outcomes and latency.
type WebhookMetrics struct {
	outcomes *prometheus.CounterVec
	latency  prometheus.Histogram
}

// NewWebhookMetrics registers webhook delivery metrics.
func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_attempts_total",
		Help:      "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_request_seconds",
		Help:      "Subscriber HTTP round-trip time.",
		Buckets:   prometheus.DefBuckets,
	})
	reg.MustRegister(outcomes, latency)
	return &WebhookMetrics{outcomes: outcomes, latency: latency}
}

// IncOutcome counts a delivery attempt outcome ("success", "retry", "failed").
func (m *WebhookMetrics) IncOutcome(outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveLatency records one subscriber round trip.
func (m *WebhookMetrics) ObserveLatency(d time.Duration) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
