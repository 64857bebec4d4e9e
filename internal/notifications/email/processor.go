package email

import (
	"context"
	"time"

	"courier/internal/notifications/core"
	"courier/internal/types"
)

// JobProcessor runs queued jobs. The queue carries only the job id; the row
// in email_jobs is the source of truth.
type JobProcessor struct {
	jobs       JobStore
	dispatcher *Dispatcher
	metrics    core.NotificationMetrics
	clock      types.Clock
	logger     types.Logger
}

func NewJobProcessor(jobs JobStore, dispatcher *Dispatcher, metrics core.NotificationMetrics, clock types.Clock, logger types.Logger) *JobProcessor {
	if metrics == nil {
		metrics = core.NopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &JobProcessor{jobs: jobs, dispatcher: dispatcher, metrics: metrics, clock: clock, logger: logger}
}

// Process delivers one job. A non-nil return tells the queue to redeliver
// the message later; permanent failures and jobs that cannot start another
// attempt are acknowledged with nil.
func (p *JobProcessor) Process(ctx context.Context, jobID string, enqueuedAt time.Time) error {
	logger := p.logger.With("job_id", jobID)

	if !enqueuedAt.IsZero() {
		p.metrics.RecordQueueLag(ctx, p.clock.Now().Sub(enqueuedAt))
	}

	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundJob) {
			logger.Warn("queued email job no longer exists")
			return nil
		}
		return err
	}

	switch {
	case job.Status.Terminal():
		logger.Info("email job already sent", "message_id", job.MessageID)
		return nil
	case job.Status == types.JobStatusFailed && job.Attempts >= job.MaxAttempts:
		logger.Warn("email job exhausted its attempts", "attempts", job.Attempts)
		return nil
	}

	_, err = p.dispatcher.Deliver(ctx, job)
	switch {
	case err == nil:
		return nil
	case types.HasCode(err, types.ErrCodeConflictJobState):
		return p.unclaimable(ctx, jobID, logger)
	case IsPermanent(err):
		logger.Error("email job failed permanently", "code", types.CodeOf(err), "error", err)
		return nil
	}
	return err
}

// unclaimable decides what to do with a message whose job could not be
// claimed. A job still PROCESSING belongs to another attempt inside its
// lease; the message comes back after the backoff and either finds the job
// finished or takes over an abandoned attempt. Any other state is final.
func (p *JobProcessor) unclaimable(ctx context.Context, jobID string, logger types.Logger) error {
	current, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Status == types.JobStatusProcessing {
		logger.Info("email job attempt in progress elsewhere, retrying later", "attempts", current.Attempts)
		return types.NewAppError(types.ErrCodeConflictJobState, "email job attempt in progress", nil)
	}
	logger.Info("email job not claimable, skipping", "status", current.Status)
	return nil
}
