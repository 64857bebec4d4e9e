package email

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"courier/internal/types"
)

// Unsubscribe methods recorded on UNSUBSCRIBE events.
const (
	UnsubscribeLink     = "link"
	UnsubscribeOneClick = "one-click"
)

// ReputationTracker owns the bounced and opted-out flags of recipients. The
// flags are sticky; nothing here clears them.
type ReputationTracker struct {
	recipients RecipientStore
	events     EventStore
	clock      types.Clock
	logger     types.Logger
}

func NewReputationTracker(recipients RecipientStore, events EventStore, clock types.Clock, logger types.Logger) *ReputationTracker {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &ReputationTracker{recipients: recipients, events: events, clock: clock, logger: logger}
}

// Apply folds a provider event into the recipient's flags. Only BOUNCE,
// COMPLAINT and UNSUBSCRIBE change anything.
func (t *ReputationTracker) Apply(ctx context.Context, ev *types.CanonicalEvent) error {
	email := NormalizeAddress(ev.Email)
	if email == "" {
		return nil
	}
	now := t.clock.Now()

	switch ev.Type {
	case types.EventBounce:
		bt := types.BounceSoft
		if ev.BounceType.Permanent() {
			bt = types.BounceHard
		}
		if err := t.recipients.MarkBounced(ctx, email, bt, now); err != nil {
			return err
		}
		t.logger.Info("recipient bounced", "email", RedactEmail(email), "bounce_type", bt, "provider", ev.Provider)
	case types.EventComplaint:
		if err := t.recipients.MarkComplaint(ctx, email, now); err != nil {
			return err
		}
		t.logger.Warn("recipient complained", "email", RedactEmail(email), "provider", ev.Provider)
	case types.EventUnsubscribe:
		if err := t.recipients.OptOut(ctx, email, now); err != nil {
			return err
		}
		t.logger.Info("recipient unsubscribed", "email", RedactEmail(email), "provider", ev.Provider)
	}
	return nil
}

// Affects reports whether Apply changes recipient flags for events of type et.
func (t *ReputationTracker) Affects(et types.EventType) bool {
	switch et {
	case types.EventBounce, types.EventComplaint, types.EventUnsubscribe:
		return true
	}
	return false
}

// Unsubscribe opts out the recipient holding token and records an
// UNSUBSCRIBE event. Unknown tokens yield not_found_unsubscribe_token.
func (t *ReputationTracker) Unsubscribe(ctx context.Context, token, method string) (*types.RecipientReputation, error) {
	now := t.clock.Now()
	rep, err := t.recipients.OptOutByToken(ctx, token, now)
	if err != nil {
		return nil, err
	}

	_, err = t.events.Insert(ctx, &types.DeliveryEvent{
		ID:        uuid.NewString(),
		Type:      types.EventUnsubscribe,
		MessageID: fmt.Sprintf("unsub-%s-%d", method, now.UnixMilli()),
		Email:     rep.Email,
		TenantID:  rep.TenantID,
		UserID:    rep.UserID,
		Metadata:  map[string]any{"method": method},
		CreatedAt: now,
	})
	if err != nil {
		t.logger.Error("failed to record unsubscribe event", "email", RedactEmail(rep.Email), "error", err)
	}
	t.logger.Info("recipient unsubscribed", "email", RedactEmail(rep.Email), "method", method)
	return rep, nil
}
