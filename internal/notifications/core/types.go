// Package core provides the delivery-engine infrastructure shared by the
// dispatcher, the worker and the webhook ingestor: telemetry fan-out, the
// live/durable metrics aggregator and retry backoff.
package core

import (
	"context"
	"time"

	"courier/internal/types"
)

// MetricResult categorizes a send outcome for metrics reporting.
type MetricResult string

const (
	MetricSuccess MetricResult = "success"
	MetricFailed  MetricResult = "failed"
	MetricSkipped MetricResult = "skipped"
)

// NotificationMetrics abstracts telemetry sinks (CloudWatch, Prometheus).
// Implementations log and swallow their own failures.
type NotificationMetrics interface {
	RecordSend(ctx context.Context, provider types.ProviderKind, result MetricResult)
	RecordLatency(ctx context.Context, provider types.ProviderKind, duration time.Duration)
	RecordEvent(ctx context.Context, provider types.ProviderKind, event types.EventType)
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// RetryPolicy defines the exponential backoff parameters for job retries.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// EmailRetryPolicy backs off 30s, 2m, 8m and caps at the SQS visibility
// ceiling of 12 hours.
var EmailRetryPolicy = RetryPolicy{
	MaxAttempts:   3,
	BaseDelay:     30 * time.Second,
	MaxDelay:      12 * time.Hour,
	BackoffFactor: 4.0,
}

// WithMaxAttempts returns a copy of p with the attempt ceiling replaced.
func (p RetryPolicy) WithMaxAttempts(n int) RetryPolicy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

// CalculateNextRetry computes the delay before the next retry attempt using
// exponential backoff: delay = min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
		if delay > float64(policy.MaxDelay) {
			break
		}
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay || d < 0 {
		d = policy.MaxDelay
	}
	return d
}

// CountsFor maps a canonical event onto rollup counters. Transient bounces
// count as soft. Events without a counter return zero counts.
func CountsFor(event types.EventType, bounce types.BounceType) types.MetricsCounts {
	switch event {
	case types.EventSent:
		return types.MetricsCounts{Sent: 1}
	case types.EventDelivered:
		return types.MetricsCounts{Delivered: 1}
	case types.EventBounce:
		if bounce == types.BounceHard {
			return types.MetricsCounts{Bounced: 1, HardBounced: 1}
		}
		return types.MetricsCounts{Bounced: 1, SoftBounced: 1}
	case types.EventComplaint:
		return types.MetricsCounts{Complaints: 1}
	}
	return types.MetricsCounts{}
}
