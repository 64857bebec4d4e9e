package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/sync/errgroup"

	"courier/internal/notifications/core"
)

// BatchHandler is the Lambda SQS trigger entry point. Records are processed
// with bounded parallelism and failures are reported as partial batch
// failures so SQS redelivers only those messages.
type BatchHandler struct {
	consumer
	concurrency int
}

// NewBatchHandler creates a BatchHandler. changer and queueURL are used to
// apply retry backoff to failed records; a nil changer leaves the queue's
// default visibility timeout in place.
func NewBatchHandler(handler JobHandler, changer VisibilityChanger, queueURL string, concurrency int, policy core.RetryPolicy, logger *slog.Logger) *BatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 5
	}
	if policy.MaxAttempts == 0 {
		policy = core.EmailRetryPolicy
	}
	return &BatchHandler{
		consumer: consumer{
			handler:  handler,
			changer:  changer,
			queueURL: queueURL,
			policy:   policy,
			logger:   logger,
		},
		concurrency: concurrency,
	}
}

// Handle processes an SQS event.
func (h *BatchHandler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		mu       sync.Mutex
		response events.SQSEventResponse
	)

	g := new(errgroup.Group)
	g.SetLimit(h.concurrency)
	for _, record := range ev.Records {
		g.Go(func() error {
			if h.deliver(ctx, record.MessageId, record.Body, record.ReceiptHandle, record.Attributes) {
				return nil
			}
			mu.Lock()
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	h.logger.InfoContext(ctx, "email queue batch processed",
		"records", len(ev.Records),
		"failures", len(response.BatchItemFailures),
	)
	return response, nil
}
