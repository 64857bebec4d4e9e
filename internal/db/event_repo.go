package db

import (
	"context"
	"encoding/json"
	"time"

	"courier/internal/types"
)

// EventRepository provides access to the append-only delivery_events table.
// (message_id, event_type) is unique; duplicates are dropped on insert.
type EventRepository struct {
	db DBTX
}

func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

// Insert appends e and reports whether a new row was written. A duplicate
// (message_id, event_type) is not an error.
func (r *EventRepository) Insert(ctx context.Context, e *types.DeliveryEvent) (bool, error) {
	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode event metadata", err)
		}
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO delivery_events
		 (id, event_type, message_id, email, provider, integration_id, email_type, template_code,
		  tenant_id, user_id, metadata, raw_payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT ON CONSTRAINT delivery_events_message_event_key DO NOTHING`,
		e.ID, string(e.Type), e.MessageID, nilIfEmpty(e.Email), nilIfEmpty(string(e.Provider)),
		nilIfEmpty(e.IntegrationID), nilIfEmpty(string(e.EmailType)), nilIfEmpty(e.TemplateCode),
		nilIfEmpty(e.TenantID), nilIfEmpty(e.UserID), metadata, compressPayload(e.RawPayload), createdAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert delivery event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes the event with id. Removing a missing row is not an error.
func (r *EventRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM delivery_events WHERE id = $1`, id); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete delivery event", err)
	}
	return nil
}

// FindSendContext returns the correlation context recorded by the SENT event
// for messageID, or (nil, nil) when none exists yet.
func (r *EventRepository) FindSendContext(ctx context.Context, messageID string) (*types.SendContext, error) {
	var sc types.SendContext
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(integration_id, ''), COALESCE(provider, ''), COALESCE(email_type, ''),
		        COALESCE(template_code, ''), COALESCE(tenant_id, ''), COALESCE(user_id, '')
		 FROM delivery_events
		 WHERE message_id = $1 AND event_type = 'SENT'`,
		messageID,
	).Scan(&sc.IntegrationID, &sc.Provider, &sc.EmailType, &sc.TemplateCode, &sc.TenantID, &sc.UserID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load send context", err)
	}
	return &sc, nil
}

// CountSentSince counts SENT events for an integration since t.
func (r *EventRepository) CountSentSince(ctx context.Context, integrationID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM delivery_events
		 WHERE event_type = 'SENT' AND integration_id = $1 AND created_at >= $2`,
		integrationID, since,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count sent events", err)
	}
	return n, nil
}

// RawPayload returns the decompressed provider payload archived with an event.
func (r *EventRepository) RawPayload(ctx context.Context, messageID string, eventType types.EventType) ([]byte, error) {
	var data []byte
	err := r.db.QueryRow(ctx,
		`SELECT raw_payload FROM delivery_events WHERE message_id = $1 AND event_type = $2`,
		messageID, string(eventType),
	).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEvent, "delivery event not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load raw payload", err)
	}
	raw, err := decompressPayload(data)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decompress payload", err)
	}
	return raw, nil
}
