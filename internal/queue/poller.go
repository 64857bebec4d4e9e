package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"courier/internal/notifications/core"
)

// SQSReceiver abstracts the SQS calls the poller makes.
type SQSReceiver interface {
	VisibilityChanger
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// PollerConfig tunes the long-poll loop.
type PollerConfig struct {
	QueueURL    string
	Concurrency int
	WaitTime    time.Duration
	Policy      core.RetryPolicy
}

// Poller long-polls the email queue and hands each message to a JobHandler
// with bounded parallelism. It is the local and container counterpart of the
// Lambda BatchHandler.
type Poller struct {
	consumer
	client      SQSReceiver
	concurrency int
	wait        time.Duration
	errBackoff  time.Duration
}

func NewPoller(client SQSReceiver, handler JobHandler, cfg PollerConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 5
	}
	if cfg.WaitTime <= 0 || cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = core.EmailRetryPolicy
	}
	return &Poller{
		consumer: consumer{
			handler:  handler,
			changer:  client,
			queueURL: cfg.QueueURL,
			policy:   cfg.Policy,
			logger:   logger,
		},
		client:      client,
		concurrency: cfg.Concurrency,
		wait:        cfg.WaitTime,
		errBackoff:  time.Second,
	}
}

// Run polls until ctx is cancelled. Receive errors are logged and retried
// after a short pause.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "email queue poller started", "queue_url", p.queueURL, "concurrency", p.concurrency)
	for {
		if ctx.Err() != nil {
			p.logger.InfoContext(ctx, "email queue poller stopped")
			return nil
		}
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "failed to receive from email queue", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(p.errBackoff):
			}
		}
	}
}

// PollOnce receives one batch, processes it and returns how many messages
// were received.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	batch := p.concurrency
	if batch > 10 {
		batch = 10
	}
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.queueURL),
		MaxNumberOfMessages: int32(batch),
		WaitTimeSeconds:     int32(p.wait / time.Second),
		MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{
			sqsTypes.MessageSystemAttributeNameSentTimestamp,
			sqsTypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return 0, err
	}

	// Handlers see a context that survives shutdown so in-flight jobs finish.
	workCtx := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, m := range out.Messages {
		g.Go(func() error {
			p.handle(workCtx, m)
			return nil
		})
	}
	_ = g.Wait()
	return len(out.Messages), nil
}

func (p *Poller) handle(ctx context.Context, m sqsTypes.Message) {
	messageID := aws.ToString(m.MessageId)
	receipt := aws.ToString(m.ReceiptHandle)
	if !p.deliver(ctx, messageID, aws.ToString(m.Body), receipt, m.Attributes) {
		return
	}
	_, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to delete processed message", "sqs_message_id", messageID, "error", err)
	}
}
