package email

import (
	"context"
	"fmt"
	"maps"
	"net/http"

	"github.com/google/uuid"

	"courier/internal/notifications/core"
	"courier/internal/types"
)

// WebhookOutcome reports what Ingest did with a payload.
type WebhookOutcome struct {
	EventType types.EventType `json:"eventType,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Ignored   bool            `json:"ignored,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

// Ingestor turns provider webhooks into delivery events, reputation changes
// and counters.
type Ingestor struct {
	registry   *Registry
	events     EventStore
	reputation *ReputationTracker
	live       MetricsRecorder
	metrics    core.NotificationMetrics
	clock      types.Clock
	logger     types.Logger
}

func NewIngestor(registry *Registry, events EventStore, reputation *ReputationTracker, live MetricsRecorder, metrics core.NotificationMetrics, clock types.Clock, logger types.Logger) *Ingestor {
	if live == nil {
		live = nopRecorder{}
	}
	if metrics == nil {
		metrics = core.NopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Ingestor{
		registry:   registry,
		events:     events,
		reputation: reputation,
		live:       live,
		metrics:    metrics,
		clock:      clock,
		logger:     logger,
	}
}

// Ingest verifies and records one webhook delivery for the provider named by
// segment. Redelivery of an already recorded (messageId, type) pair changes
// nothing.
func (i *Ingestor) Ingest(ctx context.Context, segment string, body []byte, headers http.Header) (*WebhookOutcome, error) {
	kind, ok := types.ParseProviderKind(segment)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundIntegration,
			fmt.Sprintf("unknown email provider %q", segment), nil)
	}

	p, secret, err := i.registry.ForWebhook(ctx, kind)
	if err != nil {
		return nil, err
	}
	if !p.Adapter.ValidateWebhookSignature(body, headers, secret) {
		i.logger.Warn("webhook signature rejected", "provider", kind, "integration_id", p.ID())
		return nil, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature is invalid", nil)
	}

	ev, err := p.Adapter.ParseWebhookEvent(body)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return &WebhookOutcome{Ignored: true}, nil
	}

	sc, err := i.events.FindSendContext(ctx, ev.MessageID)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		// The webhook can outrun the SENT record; store it uncorrelated.
		sc = &types.SendContext{}
	}
	integrationID := sc.IntegrationID
	if integrationID == "" {
		integrationID = p.ID()
	}

	now := i.clock.Now()
	metadata := make(map[string]any, len(ev.Metadata)+2)
	maps.Copy(metadata, ev.Metadata)
	if ev.BounceType != "" {
		metadata["bounceType"] = string(ev.BounceType)
	}
	if ev.Reason != "" {
		metadata["reason"] = ev.Reason
	}

	event := &types.DeliveryEvent{
		ID:            uuid.NewString(),
		Type:          ev.Type,
		MessageID:     ev.MessageID,
		Email:         NormalizeAddress(ev.Email),
		Provider:      kind,
		IntegrationID: integrationID,
		EmailType:     sc.EmailType,
		TemplateCode:  sc.TemplateCode,
		TenantID:      sc.TenantID,
		UserID:        sc.UserID,
		Metadata:      metadata,
		RawPayload:    body,
		CreatedAt:     now,
	}
	inserted, err := i.events.Insert(ctx, event)
	if err != nil {
		return nil, err
	}
	out := &WebhookOutcome{EventType: ev.Type, MessageID: ev.MessageID}
	if !inserted {
		out.Duplicate = true
		i.logger.Info("duplicate webhook event ignored", "provider", kind, "message_id", ev.MessageID, "event", ev.Type)
		return out, nil
	}

	if i.reputation.Affects(ev.Type) {
		if err := i.reputation.Apply(ctx, ev); err != nil {
			// Drop the event row so the provider's retry is not deduplicated
			// and gets to apply the flag.
			i.logger.Error("failed to update recipient reputation",
				"provider", kind,
				"message_id", ev.MessageID,
				"email", RedactEmail(ev.Email),
				"error", err,
			)
			if derr := i.events.Delete(ctx, event.ID); derr != nil {
				i.logger.Error("failed to roll back webhook event", "provider", kind, "message_id", ev.MessageID, "error", derr)
			}
			return nil, err
		}
	}

	at := ev.OccurredAt
	if at.IsZero() {
		at = now
	}
	i.live.Record(ctx, at,
		types.Daily(at, sc.TenantID, sc.EmailType, kind, sc.TemplateCode),
		core.CountsFor(ev.Type, ev.BounceType))
	i.metrics.RecordEvent(ctx, kind, ev.Type)

	i.logger.Info("webhook event recorded", "provider", kind, "message_id", ev.MessageID, "event", ev.Type)
	return out, nil
}
