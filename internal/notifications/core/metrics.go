package core

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"courier/internal/types"
)

// CloudWatch metric and dimension names.
const (
	MetricEmailSent       = "EmailSent"
	MetricEmailFailed     = "EmailFailed"
	MetricEmailSkipped    = "EmailSkipped"
	MetricSendLatency     = "SendLatency"
	MetricDeliveryEvent   = "DeliveryEvent"
	MetricQueueLagSeconds = "QueueLagSeconds"

	DimProvider  = "Provider"
	DimEventType = "EventType"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertion that CloudWatchNotificationMetrics implements NotificationMetrics.
var _ NotificationMetrics = (*CloudWatchNotificationMetrics)(nil)

// CloudWatchNotificationMetrics emits send telemetry to AWS CloudWatch.
//
// Metrics emitted:
//   - EmailSent / EmailFailed / EmailSkipped: Dims {Provider}
//   - SendLatency: Dims {Provider}, milliseconds
//   - DeliveryEvent: Dims {Provider, EventType}
//   - QueueLagSeconds: no dims
type CloudWatchNotificationMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchNotificationMetrics publishes into namespace.
func NewCloudWatchNotificationMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchNotificationMetrics {
	return &CloudWatchNotificationMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func providerDim(provider types.ProviderKind) cwtypes.Dimension {
	value := string(provider)
	if value == "" {
		value = "NONE"
	}
	return cwtypes.Dimension{Name: aws.String(DimProvider), Value: aws.String(value)}
}

func (m *CloudWatchNotificationMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to put metric",
			"error", err.Error(),
			"metric", aws.ToString(datum.MetricName),
		)
	}
}

// RecordSend emits one of EmailSent, EmailFailed or EmailSkipped.
func (m *CloudWatchNotificationMetrics) RecordSend(ctx context.Context, provider types.ProviderKind, result MetricResult) {
	name := MetricEmailSent
	switch result {
	case MetricFailed:
		name = MetricEmailFailed
	case MetricSkipped:
		name = MetricEmailSkipped
	}
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{providerDim(provider)},
	})
}

// RecordLatency records provider call duration in milliseconds.
func (m *CloudWatchNotificationMetrics) RecordLatency(ctx context.Context, provider types.ProviderKind, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricSendLatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{providerDim(provider)},
	})
}

func (m *CloudWatchNotificationMetrics) RecordEvent(ctx context.Context, provider types.ProviderKind, event types.EventType) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricDeliveryEvent),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			providerDim(provider),
			{Name: aws.String(DimEventType), Value: aws.String(string(event))},
		},
	})
}

// RecordQueueLag tracks the time between enqueue and worker pickup.
func (m *CloudWatchNotificationMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricQueueLagSeconds),
		Value:      aws.Float64(lag.Seconds()),
		Unit:       cwtypes.StandardUnitSeconds,
	})
}

// MultiMetrics fans every call out to each sink.
type MultiMetrics []NotificationMetrics

var _ NotificationMetrics = MultiMetrics(nil)

func (mm MultiMetrics) RecordSend(ctx context.Context, provider types.ProviderKind, result MetricResult) {
	for _, m := range mm {
		m.RecordSend(ctx, provider, result)
	}
}

func (mm MultiMetrics) RecordLatency(ctx context.Context, provider types.ProviderKind, d time.Duration) {
	for _, m := range mm {
		m.RecordLatency(ctx, provider, d)
	}
}

func (mm MultiMetrics) RecordEvent(ctx context.Context, provider types.ProviderKind, event types.EventType) {
	for _, m := range mm {
		m.RecordEvent(ctx, provider, event)
	}
}

func (mm MultiMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	for _, m := range mm {
		m.RecordQueueLag(ctx, lag)
	}
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordSend(context.Context, types.ProviderKind, MetricResult)     {}
func (NopMetrics) RecordLatency(context.Context, types.ProviderKind, time.Duration) {}
func (NopMetrics) RecordEvent(context.Context, types.ProviderKind, types.EventType) {}
func (NopMetrics) RecordQueueLag(context.Context, time.Duration)                    {}
