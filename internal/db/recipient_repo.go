package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"courier/internal/types"
)

// RecipientRepository stores per-address reputation. Bounced and opted_out
// only ever move to true; a HARD bounce type is never overwritten.
type RecipientRepository struct {
	db DBTX
}

func NewRecipientRepository(db DBTX) *RecipientRepository {
	return &RecipientRepository{db: db}
}

const recipientColumns = `id, email, COALESCE(user_id, ''), COALESCE(tenant_id, ''), bounced,
	COALESCE(bounce_type, ''), bounced_at, opted_out, opt_out_at, complaint_count,
	COALESCE(unsubscribe_token, ''), created_at, updated_at`

func scanRecipient(row pgx.Row) (*types.RecipientReputation, error) {
	var r types.RecipientReputation
	err := row.Scan(
		&r.ID, &r.Email, &r.UserID, &r.TenantID, &r.Bounced,
		&r.BounceType, &r.BouncedAt, &r.OptedOut, &r.OptOutAt, &r.ComplaintCount,
		&r.UnsubscribeToken, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetByEmail returns (nil, nil) for an address with no history.
func (r *RecipientRepository) GetByEmail(ctx context.Context, email string) (*types.RecipientReputation, error) {
	rep, err := scanRecipient(r.db.QueryRow(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE email = $1`, email))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get recipient", err)
	}
	return rep, nil
}

// GetByToken resolves an unsubscribe token.
func (r *RecipientRepository) GetByToken(ctx context.Context, token string) (*types.RecipientReputation, error) {
	rep, err := scanRecipient(r.db.QueryRow(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE unsubscribe_token = $1`, token))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundToken, "unsubscribe token not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get recipient", err)
	}
	return rep, nil
}

// EnsureToken returns the recipient's unsubscribe token, creating the row
// and storing candidate when none exists. An existing token always wins.
func (r *RecipientRepository) EnsureToken(ctx context.Context, email, userID, tenantID, candidate string) (string, error) {
	var token string
	err := r.db.QueryRow(ctx,
		`INSERT INTO recipients (id, email, user_id, tenant_id, unsubscribe_token)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (email) DO UPDATE SET
		   unsubscribe_token = COALESCE(recipients.unsubscribe_token, EXCLUDED.unsubscribe_token),
		   user_id = COALESCE(recipients.user_id, EXCLUDED.user_id),
		   tenant_id = COALESCE(recipients.tenant_id, EXCLUDED.tenant_id),
		   updated_at = NOW()
		 RETURNING unsubscribe_token`,
		uuid.NewString(), email, nilIfEmpty(userID), nilIfEmpty(tenantID), candidate,
	).Scan(&token)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to ensure unsubscribe token", err)
	}
	return token, nil
}

// MarkBounced records a bounce. The row is created when missing and
// bounced_at always holds the latest bounce.
func (r *RecipientRepository) MarkBounced(ctx context.Context, email string, bounceType types.BounceType, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO recipients (id, email, bounced, bounce_type, bounced_at)
		 VALUES ($1, $2, TRUE, $3, $4)
		 ON CONFLICT (email) DO UPDATE SET
		   bounced = TRUE,
		   bounce_type = CASE WHEN recipients.bounce_type = 'HARD' THEN 'HARD' ELSE EXCLUDED.bounce_type END,
		   bounced_at = EXCLUDED.bounced_at,
		   updated_at = NOW()`,
		uuid.NewString(), email, string(bounceType), at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark recipient bounced", err)
	}
	return nil
}

// MarkComplaint opts the recipient out and bumps its complaint count.
func (r *RecipientRepository) MarkComplaint(ctx context.Context, email string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO recipients (id, email, opted_out, opt_out_at, complaint_count)
		 VALUES ($1, $2, TRUE, $3, 1)
		 ON CONFLICT (email) DO UPDATE SET
		   opted_out = TRUE,
		   opt_out_at = COALESCE(recipients.opt_out_at, EXCLUDED.opt_out_at),
		   complaint_count = recipients.complaint_count + 1,
		   updated_at = NOW()`,
		uuid.NewString(), email, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record complaint", err)
	}
	return nil
}

// OptOut opts out email after a provider reported an unsubscribe. The row
// is created when missing.
func (r *RecipientRepository) OptOut(ctx context.Context, email string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO recipients (id, email, opted_out, opt_out_at)
		 VALUES ($1, $2, TRUE, $3)
		 ON CONFLICT (email) DO UPDATE SET
		   opted_out = TRUE,
		   opt_out_at = COALESCE(recipients.opt_out_at, EXCLUDED.opt_out_at),
		   updated_at = NOW()`,
		uuid.NewString(), email, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to opt out recipient", err)
	}
	return nil
}

// OptOutByToken opts out the owner of token and returns the updated row.
// Repeating the call is harmless.
func (r *RecipientRepository) OptOutByToken(ctx context.Context, token string, at time.Time) (*types.RecipientReputation, error) {
	rep, err := scanRecipient(r.db.QueryRow(ctx,
		`UPDATE recipients
		 SET opted_out = TRUE, opt_out_at = COALESCE(opt_out_at, $2), updated_at = NOW()
		 WHERE unsubscribe_token = $1
		 RETURNING `+recipientColumns,
		token, at,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundToken, "unsubscribe token not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to opt out recipient", err)
	}
	return rep, nil
}
