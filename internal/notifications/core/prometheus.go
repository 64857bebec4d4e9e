package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"courier/internal/types"
)

// PrometheusMetrics exposes send telemetry on the /metrics endpoint.
type PrometheusMetrics struct {
	sent     *prometheus.CounterVec
	failed   *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	queueLag prometheus.Histogram
}

var _ NotificationMetrics = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the courier collectors with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "emails_sent_total",
			Help:      "Emails accepted by a provider.",
		}, []string{"provider"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "emails_failed_total",
			Help:      "Send attempts that failed.",
		}, []string{"provider"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "emails_skipped_total",
			Help:      "Sends refused before reaching a provider (suppression, dry run).",
		}, []string{"provider"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "delivery_events_total",
			Help:      "Delivery events recorded, by canonical type.",
		}, []string{"provider", "event"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courier",
			Name:      "send_duration_seconds",
			Help:      "Provider send call duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		queueLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "courier",
			Name:      "queue_lag_seconds",
			Help:      "Time between enqueue and worker pickup.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
	}
	reg.MustRegister(m.sent, m.failed, m.skipped, m.events, m.duration, m.queueLag)
	return m
}

func (m *PrometheusMetrics) RecordSend(_ context.Context, provider types.ProviderKind, result MetricResult) {
	switch result {
	case MetricSuccess:
		m.sent.WithLabelValues(string(provider)).Inc()
	case MetricFailed:
		m.failed.WithLabelValues(string(provider)).Inc()
	case MetricSkipped:
		m.skipped.WithLabelValues(string(provider)).Inc()
	}
}

func (m *PrometheusMetrics) RecordLatency(_ context.Context, provider types.ProviderKind, d time.Duration) {
	m.duration.WithLabelValues(string(provider)).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordEvent(_ context.Context, provider types.ProviderKind, event types.EventType) {
	m.events.WithLabelValues(string(provider), string(event)).Inc()
}

func (m *PrometheusMetrics) RecordQueueLag(_ context.Context, lag time.Duration) {
	m.queueLag.Observe(lag.Seconds())
}
