package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestMetrics records HTTP request latency as a Prometheus histogram.
type RequestMetrics struct {
	duration *prometheus.HistogramVec
}

var _ MetricsCollector = (*RequestMetrics)(nil)

// NewRequestMetrics registers the request histogram with reg.
func NewRequestMetrics(reg prometheus.Registerer) *RequestMetrics {
	m := &RequestMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.duration)
	return m
}

func (m *RequestMetrics) RecordRequest(method, route, status string, duration time.Duration) {
	m.duration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}
