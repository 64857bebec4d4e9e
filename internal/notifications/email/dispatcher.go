package email

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"courier/internal/notifications/core"
	"courier/internal/types"
)

// MaxPayloadBytes caps the rendered subject plus bodies.
const MaxPayloadBytes = 1 << 20

// DefaultProcessingLease is how long a claimed job belongs to the attempt
// that claimed it before another worker may take it over.
const DefaultProcessingLease = 2 * time.Minute

var validate = validator.New()

// SendRequest is one logical send.
type SendRequest struct {
	To             []string          `json:"to"`
	Cc             []string          `json:"cc,omitempty"`
	Bcc            []string          `json:"bcc,omitempty"`
	From           string            `json:"from,omitempty"`
	FromName       string            `json:"fromName,omitempty"`
	ReplyTo        string            `json:"replyTo,omitempty"`
	Subject        string            `json:"subject,omitempty"`
	HTML           string            `json:"html,omitempty"`
	Text           string            `json:"text,omitempty"`
	Template       string            `json:"template,omitempty"`
	TemplateData   map[string]any    `json:"templateData,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Type           types.EmailType   `json:"type,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	TenantID       string            `json:"tenantId,omitempty"`
}

// SendOptions tune a single send. A nil UseQueue takes the configured default.
type SendOptions struct {
	DryRun     bool
	UseQueue   *bool
	MaxRetries int
}

// SendResult is the outcome of Send. Business failures are reported here,
// never as a Go error.
type SendResult struct {
	Success   bool               `json:"success"`
	MessageID string             `json:"messageId,omitempty"`
	JobID     string             `json:"jobId,omitempty"`
	Provider  types.ProviderKind `json:"provider,omitempty"`
	Queued    bool               `json:"queued,omitempty"`
	Duplicate bool               `json:"duplicate,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorCode types.ErrorCode    `json:"errorCode,omitempty"`
}

// TemplateRenderer renders a stored template. Renderer implements it.
type TemplateRenderer interface {
	Render(ctx context.Context, code string, data map[string]any) (*RenderedEmail, error)
}

// DispatcherConfig holds dispatch defaults.
type DispatcherConfig struct {
	UseQueue        bool
	DryRun          bool
	MaxAttempts     int
	DefaultFromName string
	ProcessingLease time.Duration
}

// DispatcherDeps are the collaborators of a Dispatcher. Live, Metrics, Clock
// and Logger are optional.
type DispatcherDeps struct {
	Registry   *Registry
	Jobs       JobStore
	Events     EventStore
	Recipients RecipientStore
	Renderer   TemplateRenderer
	Compliance *Compliance
	Queue      JobQueue
	Live       MetricsRecorder
	Metrics    core.NotificationMetrics
	Clock      types.Clock
	Logger     types.Logger
}

// Dispatcher validates sends, gates them on reputation and idempotency and
// hands them to a provider directly or through the job queue.
type Dispatcher struct {
	cfg DispatcherConfig
	DispatcherDeps
}

func NewDispatcher(cfg DispatcherConfig, deps DispatcherDeps) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = core.EmailRetryPolicy.MaxAttempts
	}
	if cfg.ProcessingLease <= 0 {
		cfg.ProcessingLease = DefaultProcessingLease
	}
	if deps.Metrics == nil {
		deps.Metrics = core.NopMetrics{}
	}
	if deps.Live == nil {
		deps.Live = nopRecorder{}
	}
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = types.NopLogger{}
	}
	return &Dispatcher{cfg: cfg, DispatcherDeps: deps}
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, time.Time, types.MetricsDims, types.MetricsCounts) {}

// Send runs one logical send. With the same idempotency key at most one
// provider call happens.
func (d *Dispatcher) Send(ctx context.Context, req *SendRequest, opts SendOptions) *SendResult {
	res, err := d.send(ctx, req, opts)
	if err != nil {
		d.Logger.Warn("email send rejected",
			"to", RedactEmails(req.To),
			"template", req.Template,
			"code", types.CodeOf(err),
			"error", err,
		)
		return failureResult(err)
	}
	return res
}

func (d *Dispatcher) send(ctx context.Context, req *SendRequest, opts SendOptions) (*SendResult, error) {
	msg, err := d.validate(req)
	if err != nil {
		return nil, err
	}
	if err := d.checkSuppression(ctx, msg.To, msg.Type); err != nil {
		return nil, err
	}

	data := make(map[string]any, len(req.TemplateData)+1)
	maps.Copy(data, req.TemplateData)
	if d.Compliance != nil && d.Compliance.Applies(req.UserID, msg.Type) {
		url, headers, err := d.Compliance.Prepare(ctx, NormalizeAddress(msg.To[0]), req.UserID, req.TenantID)
		if err != nil {
			return nil, err
		}
		data["unsubscribeUrl"] = url
		maps.Copy(msg.Headers, headers)
	}

	if opts.DryRun || d.cfg.DryRun {
		d.Logger.Info("dry run, email not sent", "to", RedactEmails(msg.To), "template", req.Template)
		return &SendResult{Success: true, MessageID: "dry-run-" + strconv.FormatInt(d.Clock.Now().UnixMilli(), 10)}, nil
	}

	useQueue := d.cfg.UseQueue
	if opts.UseQueue != nil {
		useQueue = *opts.UseQueue
	}

	key := req.IdempotencyKey
	if key == "" {
		key = d.generateKey(msg)
	}
	if prior, err := d.Jobs.GetByIdempotencyKey(ctx, key); err != nil {
		return nil, err
	} else if prior != nil {
		return d.resume(ctx, prior, useQueue)
	}

	// Fails fast with no_provider_available before anything is persisted.
	if _, err := d.Registry.Candidates(ctx, req.Provider); err != nil {
		return nil, err
	}

	if req.Template != "" {
		rendered, err := d.Renderer.Render(ctx, req.Template, data)
		if err != nil {
			return nil, err
		}
		if msg.Subject == "" {
			msg.Subject = rendered.Subject
		}
		if msg.HTML == "" {
			msg.HTML = rendered.BodyHTML
		}
		if msg.Text == "" {
			msg.Text = rendered.BodyText
		}
	}
	if strings.TrimSpace(msg.Subject) == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "subject is required", nil)
	}
	if msg.HTML == "" && msg.Text == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingContent, "html or text content is required", nil)
	}
	if n := len(msg.Subject) + len(msg.HTML) + len(msg.Text); n > MaxPayloadBytes {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationPayloadTooLarge,
			"email content exceeds 1 MiB", nil, map[string]any{"bytes": n})
	}

	maxAttempts := d.cfg.MaxAttempts
	if opts.MaxRetries > 0 {
		maxAttempts = opts.MaxRetries
	}
	job := &types.OutboundEmailJob{
		ID:                uuid.NewString(),
		IdempotencyKey:    key,
		To:                msg.To,
		Cc:                msg.Cc,
		Bcc:               msg.Bcc,
		From:              msg.From,
		FromName:          msg.FromName,
		ReplyTo:           msg.ReplyTo,
		Subject:           msg.Subject,
		HTML:              msg.HTML,
		Text:              msg.Text,
		Headers:           msg.Headers,
		TemplateCode:      req.Template,
		Type:              msg.Type,
		UserID:            req.UserID,
		TenantID:          req.TenantID,
		RequestedProvider: req.Provider,
		Status:            types.JobStatusPending,
		MaxAttempts:       maxAttempts,
	}
	created, err := d.Jobs.Create(ctx, job)
	if err != nil {
		return nil, err
	}
	if !created {
		prior, err := d.Jobs.GetByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if prior == nil {
			return nil, types.NewAppError(types.ErrCodeConflictDuplicate, "idempotency key is already in use", nil)
		}
		return d.resume(ctx, prior, useQueue)
	}
	return d.dispatch(ctx, job, useQueue)
}

// dispatch enqueues the job or runs it right away.
func (d *Dispatcher) dispatch(ctx context.Context, job *types.OutboundEmailJob, useQueue bool) (*SendResult, error) {
	if useQueue {
		if err := d.Queue.Enqueue(ctx, job.ID); err != nil {
			if ferr := d.Jobs.FailPending(ctx, job.ID, err.Error()); ferr != nil {
				d.Logger.Error("failed to fail unqueued email job", "job_id", job.ID, "error", ferr)
			}
			return nil, types.NewAppError(types.ErrCodeInternalQueue, "failed to enqueue email job", err)
		}
		d.Logger.Info("email job queued", "job_id", job.ID, "to", RedactEmails(job.To))
		return &SendResult{Success: true, JobID: job.ID, Queued: true}, nil
	}

	res, err := d.Deliver(ctx, job)
	if err != nil {
		r := failureResult(err)
		r.JobID = job.ID
		return r, nil
	}
	return res, nil
}

func (d *Dispatcher) validate(req *SendRequest) (*types.OutboundMessage, error) {
	to := compact(req.To)
	if len(to) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationMissingRecipient, "at least one recipient is required", nil)
	}
	cc, bcc := compact(req.Cc), compact(req.Bcc)
	for _, list := range [][]string{to, cc, bcc} {
		for _, addr := range list {
			if err := validate.Var(addr, "email"); err != nil {
				return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidEmail,
					"invalid email address", nil, map[string]any{"address": RedactEmail(addr)})
			}
		}
	}
	if req.ReplyTo != "" {
		if err := validate.Var(req.ReplyTo, "email"); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidEmail, "invalid reply-to address", nil)
		}
	}

	t := req.Type
	if t == "" {
		t = types.EmailTypeTransactional
	}
	if !t.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, fmt.Sprintf("unknown email type %q", req.Type), nil)
	}
	if req.Template == "" {
		if strings.TrimSpace(req.Subject) == "" {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField, "subject is required", nil)
		}
		if req.HTML == "" && req.Text == "" {
			return nil, types.NewAppError(types.ErrCodeValidationMissingContent, "html, text or template is required", nil)
		}
	}

	fromName := req.FromName
	if fromName == "" {
		fromName = d.cfg.DefaultFromName
	}
	headers := make(map[string]string, len(req.Headers)+2)
	maps.Copy(headers, req.Headers)

	return &types.OutboundMessage{
		From:         strings.TrimSpace(req.From),
		FromName:     fromName,
		To:           to,
		Cc:           cc,
		Bcc:          bcc,
		ReplyTo:      req.ReplyTo,
		Subject:      req.Subject,
		HTML:         req.HTML,
		Text:         req.Text,
		Headers:      headers,
		Type:         t,
		TemplateCode: req.Template,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
	}, nil
}

// checkSuppression refuses the send when any To address is hard-bounced, or
// opted out and the send is marketing.
func (d *Dispatcher) checkSuppression(ctx context.Context, to []string, t types.EmailType) error {
	for _, addr := range to {
		rep, err := d.Recipients.GetByEmail(ctx, NormalizeAddress(addr))
		if err != nil {
			return err
		}
		suppressed, code := rep.Suppressed(t)
		if !suppressed {
			continue
		}
		msg := "recipient has opted out of marketing email"
		if code == types.ErrCodeValidationSuppressed {
			msg = "recipient is suppressed after a hard bounce"
		}
		return types.NewAppErrorWithDetails(code, msg, nil, map[string]any{"recipient": RedactEmail(addr)})
	}
	return nil
}

// generateKey derives a key from the message and the current time, so it
// only dedupes retries that reuse the generated key.
func (d *Dispatcher) generateKey(msg *types.OutboundMessage) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(msg.To, ",")))
	h.Write([]byte{'|'})
	h.Write([]byte(msg.Subject))
	h.Write([]byte{'|'})
	h.Write([]byte(msg.TemplateCode))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(d.Clock.Now().UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// resume answers a send whose idempotency key already has a job. A SENT job
// returns its recorded outcome and a FAILED job with attempts left runs
// again. An exhausted job reports its last error; PENDING and PROCESSING jobs
// are in progress and make no provider call.
func (d *Dispatcher) resume(ctx context.Context, prior *types.OutboundEmailJob, useQueue bool) (*SendResult, error) {
	switch {
	case prior.Status == types.JobStatusSent:
		return &SendResult{Success: true, MessageID: prior.MessageID, JobID: prior.ID, Provider: prior.Provider, Duplicate: true}, nil
	case prior.Status == types.JobStatusFailed && prior.Attempts >= prior.MaxAttempts:
		msg := "email job failed and has no attempts left"
		if prior.Error != "" {
			msg += ": " + prior.Error
		}
		return &SendResult{
			Success:   false,
			JobID:     prior.ID,
			Provider:  prior.Provider,
			Duplicate: true,
			Error:     msg,
			ErrorCode: types.ErrCodeConflictJobState,
		}, nil
	case prior.Status == types.JobStatusFailed:
		d.Logger.Info("retrying failed email job",
			"job_id", prior.ID,
			"attempts", prior.Attempts,
			"max_attempts", prior.MaxAttempts,
		)
		return d.dispatch(ctx, prior, useQueue)
	}
	return &SendResult{Success: true, JobID: prior.ID, Queued: true, Duplicate: true}, nil
}

// Deliver runs one attempt of a persisted job: claim it, pick a provider,
// send under the provider's breaker and record the outcome. The next
// candidate is tried only when a provider's circuit is open or its send
// limit is reached.
func (d *Dispatcher) Deliver(ctx context.Context, job *types.OutboundEmailJob) (*SendResult, error) {
	now := d.Clock.Now()
	claimed, err := d.Jobs.MarkProcessing(ctx, job.ID, now, now.Add(-d.cfg.ProcessingLease))
	if err != nil {
		return nil, err
	}

	candidates, err := d.Registry.Candidates(ctx, claimed.RequestedProvider)
	if err != nil {
		d.fail(ctx, claimed, "", err)
		return nil, err
	}

	msg := claimed.Message()
	var (
		messageID string
		used      *Provider
		lastErr   error
	)
	for _, p := range candidates {
		if err := d.checkLimits(ctx, p); err != nil {
			lastErr = err
			if !canFailover(err) {
				break
			}
			continue
		}

		start := d.Clock.Now()
		err := p.Breaker.Call(ctx, func(ctx context.Context) error {
			id, err := p.Adapter.Send(ctx, msg)
			messageID = id
			return err
		})
		d.Metrics.RecordLatency(ctx, p.Kind(), d.Clock.Now().Sub(start))
		if err == nil {
			used = p
			break
		}
		lastErr = err
		if !canFailover(err) {
			break
		}
		d.Logger.Warn("provider unavailable, trying next",
			"job_id", claimed.ID,
			"integration_id", p.ID(),
			"code", types.CodeOf(err),
		)
	}

	if used == nil {
		var kind types.ProviderKind
		if len(candidates) > 0 {
			kind = candidates[0].Kind()
		}
		d.fail(ctx, claimed, kind, lastErr)
		return nil, lastErr
	}

	d.recordSent(ctx, claimed, used, messageID)
	return &SendResult{Success: true, MessageID: messageID, JobID: claimed.ID, Provider: used.Kind()}, nil
}

func (d *Dispatcher) fail(ctx context.Context, job *types.OutboundEmailJob, kind types.ProviderKind, cause error) {
	if err := d.Jobs.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		d.Logger.Error("failed to mark email job failed", "job_id", job.ID, "error", err)
	}
	d.Metrics.RecordSend(ctx, kind, core.MetricFailed)
	d.Logger.Error("email delivery failed",
		"job_id", job.ID,
		"to", RedactEmails(job.To),
		"attempt", job.Attempts,
		"code", types.CodeOf(cause),
		"error", cause,
	)
}

// recordSent persists the outcome of a provider call that succeeded. The
// message is out, so failures here are logged and not returned.
func (d *Dispatcher) recordSent(ctx context.Context, job *types.OutboundEmailJob, p *Provider, messageID string) {
	now := d.Clock.Now()
	if err := d.Jobs.MarkSent(ctx, job.ID, messageID, p.Kind(), p.ID()); err != nil {
		d.Logger.Error("failed to mark email job sent", "job_id", job.ID, "message_id", messageID, "error", err)
	}

	inserted, err := d.Events.Insert(ctx, &types.DeliveryEvent{
		ID:            uuid.NewString(),
		Type:          types.EventSent,
		MessageID:     messageID,
		Email:         NormalizeAddress(job.PrimaryRecipient()),
		Provider:      p.Kind(),
		IntegrationID: p.ID(),
		EmailType:     job.Type,
		TemplateCode:  job.TemplateCode,
		TenantID:      job.TenantID,
		UserID:        job.UserID,
		Metadata:      map[string]any{"jobId": job.ID},
		CreatedAt:     now,
	})
	if err != nil {
		d.Logger.Error("failed to record sent event", "job_id", job.ID, "message_id", messageID, "error", err)
	}
	if inserted {
		d.Live.Record(ctx, now,
			types.Daily(now, job.TenantID, job.Type, p.Kind(), job.TemplateCode),
			core.CountsFor(types.EventSent, ""))
	}
	d.Metrics.RecordSend(ctx, p.Kind(), core.MetricSuccess)
	d.Logger.Info("email sent",
		"job_id", job.ID,
		"message_id", messageID,
		"provider", p.Kind(),
		"to", RedactEmails(job.To),
	)
}

// checkLimits enforces an integration's hourly and daily send limits,
// counted from SENT events.
func (d *Dispatcher) checkLimits(ctx context.Context, p *Provider) error {
	now := d.Clock.Now()
	for _, l := range []struct {
		limit  int
		window time.Duration
		name   string
	}{
		{p.Config.HourlyLimit, time.Hour, "hourly"},
		{p.Config.DailyLimit, 24 * time.Hour, "daily"},
	} {
		if l.limit <= 0 {
			continue
		}
		n, err := d.Events.CountSentSince(ctx, p.ID(), now.Add(-l.window))
		if err != nil {
			return err
		}
		if n >= l.limit {
			return types.NewAppErrorWithDetails(types.ErrCodeRateLimitIntegration,
				fmt.Sprintf("%s send limit reached for integration", l.name), nil,
				map[string]any{"integrationId": p.ID(), "limit": l.limit, "sent": n})
		}
	}
	return nil
}

func canFailover(err error) bool {
	switch types.CodeOf(err) {
	case types.ErrCodeUpstreamCircuitOpen, types.ErrCodeRateLimitIntegration, types.ErrCodeUpstreamRateLimited:
		return true
	}
	return false
}

func compact(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
