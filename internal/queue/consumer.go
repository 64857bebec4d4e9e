package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"courier/internal/notifications/core"
)

// maxVisibility is the SQS ceiling for a message's visibility timeout.
const maxVisibility = 12 * time.Hour

// SQS system attribute names read by the consumers.
const (
	attrSentTimestamp = "SentTimestamp"
	attrReceiveCount  = "ApproximateReceiveCount"
)

// JobHandler processes one job reference. A nil error acknowledges the
// message; an error leaves it on the queue for another attempt.
type JobHandler interface {
	Process(ctx context.Context, jobID string, enqueuedAt time.Time) error
}

// VisibilityChanger postpones redelivery of a failed message.
type VisibilityChanger interface {
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// ParseJobMessage decodes a queue body.
func ParseJobMessage(body string) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("queue: malformed job message: %w", err)
	}
	if msg.JobID == "" {
		return msg, errors.New("queue: job message has no jobId")
	}
	return msg, nil
}

// RetryDelay is how long a message stays invisible after its n-th failed
// delivery (n starts at 1).
func RetryDelay(policy core.RetryPolicy, receiveCount int) time.Duration {
	d := core.CalculateNextRetry(policy, receiveCount-1)
	if d > maxVisibility {
		d = maxVisibility
	}
	return d
}

// sentAt parses the SentTimestamp attribute (epoch milliseconds).
func sentAt(attrs map[string]string) time.Time {
	ms, err := strconv.ParseInt(attrs[attrSentTimestamp], 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func receiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[attrReceiveCount])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// consumer holds the delivery logic shared by Poller and BatchHandler.
type consumer struct {
	handler  JobHandler
	changer  VisibilityChanger
	queueURL string
	policy   core.RetryPolicy
	logger   *slog.Logger
}

// deliver runs one message through the handler and reports whether it can
// be acknowledged. Malformed messages are acknowledged so they do not cycle
// through the queue forever.
func (c *consumer) deliver(ctx context.Context, messageID, body, receipt string, attrs map[string]string) bool {
	msg, err := ParseJobMessage(body)
	if err != nil {
		c.logger.ErrorContext(ctx, "discarding malformed queue message", "sqs_message_id", messageID, "error", err)
		return true
	}

	err = c.handler.Process(ctx, msg.JobID, sentAt(attrs))
	if err == nil {
		return true
	}

	n := receiveCount(attrs)
	delay := RetryDelay(c.policy, n)
	c.logger.WarnContext(ctx, "email job failed, scheduling retry",
		"job_id", msg.JobID,
		"sqs_message_id", messageID,
		"receive_count", n,
		"retry_in", delay.String(),
		"error", err,
	)
	if c.changer != nil && receipt != "" {
		_, verr := c.changer.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(c.queueURL),
			ReceiptHandle:     aws.String(receipt),
			VisibilityTimeout: int32(delay / time.Second),
		})
		if verr != nil {
			c.logger.ErrorContext(ctx, "failed to extend message visibility", "job_id", msg.JobID, "error", verr)
		}
	}
	return false
}
