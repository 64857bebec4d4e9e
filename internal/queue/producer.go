// Package queue carries email job references over SQS: a producer used by
// the dispatcher, and the consumers (a long-poll loop for local runs and a
// Lambda batch handler) that feed the worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"courier/internal/external"
	"courier/internal/types"
)

// JobMessage is the queue payload. It carries only the job reference; the
// worker re-reads everything else from the jobs table.
type JobMessage struct {
	JobID string `json:"jobId"`
}

// SQSSender abstracts the SQS calls the producer makes.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Producer enqueues job references on the email queue.
type Producer struct {
	client   SQSSender
	queueURL string
	breaker  *external.Breaker
	logger   *slog.Logger
}

// NewProducer creates a Producer for queueURL. A nil breaker sends unguarded.
func NewProducer(client SQSSender, queueURL string, breaker *external.Breaker, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{client: client, queueURL: queueURL, breaker: breaker, logger: logger}
}

// Enqueue sends a reference to jobID.
func (p *Producer) Enqueue(ctx context.Context, jobID string) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("queue: failed to marshal job message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String("email_job"),
			},
		},
	}

	var out *sqs.SendMessageOutput
	err = p.guard(ctx, func(ctx context.Context) error {
		var sendErr error
		out, sendErr = p.client.SendMessage(ctx, input)
		return sendErr
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue,
			fmt.Sprintf("failed to send job %s to the email queue", jobID), err)
	}

	var messageID string
	if out != nil {
		messageID = aws.ToString(out.MessageId)
	}
	p.logger.InfoContext(ctx, "email job enqueued", "job_id", jobID, "sqs_message_id", messageID)
	return nil
}

// Ping checks that the queue is reachable. Used by the health monitor.
func (p *Producer) Ping(ctx context.Context) error {
	return p.guard(ctx, func(ctx context.Context) error {
		_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(p.queueURL),
			AttributeNames: []sqsTypes.QueueAttributeName{sqsTypes.QueueAttributeNameApproximateNumberOfMessages},
		})
		return err
	})
}

func (p *Producer) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.breaker == nil {
		return fn(ctx)
	}
	return p.breaker.Call(ctx, fn)
}
