package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"courier/internal/types"
)

// JobRepository provides access to email_jobs. Status transitions are
// guarded in SQL so concurrent workers cannot move a job backwards.
type JobRepository struct {
	db DBTX
}

func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, idempotency_key, to_addresses, cc_addresses, bcc_addresses,
	COALESCE(from_email, ''), COALESCE(from_name, ''), COALESCE(reply_to, ''), subject,
	COALESCE(html_body, ''), COALESCE(text_body, ''), headers, COALESCE(template_code, ''), email_type,
	COALESCE(user_id, ''), COALESCE(tenant_id, ''), COALESCE(requested_provider, ''),
	status, attempts, max_attempts, last_attempt_at, COALESCE(message_id, ''), COALESCE(provider, ''),
	COALESCE(integration_id, ''), COALESCE(error, ''), created_at, updated_at`

func scanJob(row pgx.Row) (*types.OutboundEmailJob, error) {
	var (
		j       types.OutboundEmailJob
		headers []byte
	)
	err := row.Scan(
		&j.ID, &j.IdempotencyKey, &j.To, &j.Cc, &j.Bcc,
		&j.From, &j.FromName, &j.ReplyTo, &j.Subject,
		&j.HTML, &j.Text, &headers, &j.TemplateCode, &j.Type,
		&j.UserID, &j.TenantID, &j.RequestedProvider,
		&j.Status, &j.Attempts, &j.MaxAttempts, &j.LastAttemptAt, &j.MessageID, &j.Provider,
		&j.IntegrationID, &j.Error, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &j.Headers)
	}
	return &j, nil
}

// Create inserts job unless its idempotency key already exists. It returns
// false when the key was taken; the caller then loads the existing job.
func (r *JobRepository) Create(ctx context.Context, j *types.OutboundEmailJob) (bool, error) {
	var headers []byte
	if len(j.Headers) > 0 {
		var err error
		if headers, err = json.Marshal(j.Headers); err != nil {
			return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode headers", err)
		}
	}
	cc, bcc := j.Cc, j.Bcc
	if cc == nil {
		cc = []string{}
	}
	if bcc == nil {
		bcc = []string{}
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO email_jobs
		 (id, idempotency_key, to_addresses, cc_addresses, bcc_addresses, from_email, from_name, reply_to,
		  subject, html_body, text_body, headers, template_code, email_type, user_id, tenant_id,
		  requested_provider, status, attempts, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 0, $19)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING created_at, updated_at`,
		j.ID, j.IdempotencyKey, j.To, cc, bcc, nilIfEmpty(j.From), nilIfEmpty(j.FromName), nilIfEmpty(j.ReplyTo),
		j.Subject, nilIfEmpty(j.HTML), nilIfEmpty(j.Text), headers, nilIfEmpty(j.TemplateCode), string(j.Type),
		nilIfEmpty(j.UserID), nilIfEmpty(j.TenantID), nilIfEmpty(j.RequestedProvider),
		string(j.Status), j.MaxAttempts,
	)
	if err := row.Scan(&j.CreatedAt, &j.UpdatedAt); err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to create email job", err)
	}
	return true, nil
}

// Get returns a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*types.OutboundEmailJob, error) {
	j, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM email_jobs WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundJob, "email job not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get email job", err)
	}
	return j, nil
}

// GetByIdempotencyKey returns (nil, nil) when no job carries the key.
func (r *JobRepository) GetByIdempotencyKey(ctx context.Context, key string) (*types.OutboundEmailJob, error) {
	j, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM email_jobs WHERE idempotency_key = $1`, key))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get email job", err)
	}
	return j, nil
}

// MarkProcessing starts an attempt: PENDING, FAILED (with attempts left) or a
// PROCESSING row whose last attempt began before staleBefore moves to
// PROCESSING with attempts incremented. Any other state, including an attempt
// still inside its lease, yields conflict_job_state and the row is not touched.
func (r *JobRepository) MarkProcessing(ctx context.Context, id string, at, staleBefore time.Time) (*types.OutboundEmailJob, error) {
	j, err := scanJob(r.db.QueryRow(ctx,
		`UPDATE email_jobs
		 SET status = 'PROCESSING', attempts = attempts + 1, last_attempt_at = $2, updated_at = NOW()
		 WHERE id = $1
		   AND (status = 'PENDING'
		        OR (status = 'FAILED' AND attempts < max_attempts)
		        OR (status = 'PROCESSING' AND (last_attempt_at IS NULL OR last_attempt_at < $3)))
		 RETURNING `+jobColumns,
		id, at, staleBefore,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeConflictJobState, "email job cannot start a new attempt", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to mark email job processing", err)
	}
	return j, nil
}

// MarkSent records a successful attempt. Only PROCESSING rows move.
func (r *JobRepository) MarkSent(ctx context.Context, id, messageID string, provider types.ProviderKind, integrationID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE email_jobs
		 SET status = 'SENT', message_id = $2, provider = $3, integration_id = $4, error = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'PROCESSING'`,
		id, messageID, string(provider), nilIfEmpty(integrationID),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark email job sent", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictJobState, "email job is not processing", nil)
	}
	return nil
}

// MarkFailed records a failed attempt. Only PROCESSING rows move, so a job
// already SENT is never downgraded.
func (r *JobRepository) MarkFailed(ctx context.Context, id, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE email_jobs
		 SET status = 'FAILED', error = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'PROCESSING'`,
		id, reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark email job failed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictJobState, "email job is not processing", nil)
	}
	return nil
}

// FailPending marks a job that never reached a worker (enqueue failure).
func (r *JobRepository) FailPending(ctx context.Context, id, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE email_jobs SET status = 'FAILED', error = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'PENDING'`,
		id, reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark email job failed", err)
	}
	return nil
}
