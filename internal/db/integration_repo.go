package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"courier/internal/types"
)

// IntegrationRepository provides access to provider_integrations.
// Credential columns are stored and returned as ciphertext.
type IntegrationRepository struct {
	db DBTX
}

func NewIntegrationRepository(db DBTX) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

const integrationColumns = `id, provider, name, is_active, is_primary,
	COALESCE(api_key, ''), COALESCE(api_secret, ''), COALESCE(webhook_secret, ''), COALESCE(smtp_password, ''),
	COALESCE(smtp_host, ''), COALESCE(smtp_port, 0), smtp_secure, COALESCE(smtp_user, ''),
	COALESCE(from_email, ''), COALESCE(from_name, ''),
	COALESCE(transactional_domain, ''), COALESCE(marketing_domain, ''),
	COALESCE(transactional_stream, ''), COALESCE(marketing_stream, ''),
	track_opens, track_clicks, COALESCE(region, ''), COALESCE(configuration_set, ''), COALESCE(test_email, ''),
	hourly_limit, daily_limit, health_status, COALESCE(health_message, ''), health_details, last_health_check,
	created_at, updated_at`

func scanIntegration(row pgx.Row) (*types.ProviderIntegration, error) {
	var (
		p       types.ProviderIntegration
		details []byte
	)
	err := row.Scan(
		&p.ID, &p.Provider, &p.Name, &p.IsActive, &p.IsPrimary,
		&p.APIKeyEnc, &p.APISecretEnc, &p.WebhookSecretEnc, &p.SMTPPasswordEnc,
		&p.SMTPHost, &p.SMTPPort, &p.SMTPSecure, &p.SMTPUser,
		&p.FromEmail, &p.FromName,
		&p.TransactionalDomain, &p.MarketingDomain,
		&p.TransactionalStream, &p.MarketingStream,
		&p.TrackOpens, &p.TrackClicks, &p.Region, &p.ConfigurationSet, &p.TestEmail,
		&p.HourlyLimit, &p.DailyLimit, &p.HealthStatus, &p.HealthMessage, &details, &p.LastHealthCheck,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		_ = json.Unmarshal(details, &p.HealthDetails)
	}
	return &p, nil
}

// List returns every integration in creation order.
func (r *IntegrationRepository) List(ctx context.Context) ([]*types.ProviderIntegration, error) {
	return r.list(ctx, `SELECT `+integrationColumns+` FROM provider_integrations ORDER BY created_at, id`)
}

// ListActive returns active integrations in creation order. Registry
// fallback selection depends on this ordering.
func (r *IntegrationRepository) ListActive(ctx context.Context) ([]*types.ProviderIntegration, error) {
	return r.list(ctx, `SELECT `+integrationColumns+` FROM provider_integrations WHERE is_active ORDER BY created_at, id`)
}

func (r *IntegrationRepository) list(ctx context.Context, query string) ([]*types.ProviderIntegration, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list integrations", err)
	}
	defer rows.Close()

	var out []*types.ProviderIntegration
	for rows.Next() {
		p, err := scanIntegration(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan integration", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate integrations", err)
	}
	return out, nil
}

// Get returns one integration or a not_found_integration error.
func (r *IntegrationRepository) Get(ctx context.Context, id string) (*types.ProviderIntegration, error) {
	p, err := scanIntegration(r.db.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM provider_integrations WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundIntegration, "integration not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get integration", err)
	}
	return p, nil
}

// Create inserts a new integration. A new integration is never primary;
// use SetPrimary afterwards.
func (r *IntegrationRepository) Create(ctx context.Context, p *types.ProviderIntegration) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO provider_integrations
		 (id, provider, name, is_active, is_primary, api_key, api_secret, webhook_secret, smtp_password,
		  smtp_host, smtp_port, smtp_secure, smtp_user, from_email, from_name,
		  transactional_domain, marketing_domain, transactional_stream, marketing_stream,
		  track_opens, track_clicks, region, configuration_set, test_email, hourly_limit, daily_limit)
		 VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		  $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		 RETURNING created_at, updated_at`,
		p.ID, string(p.Provider), p.Name, p.IsActive,
		nilIfEmpty(p.APIKeyEnc), nilIfEmpty(p.APISecretEnc), nilIfEmpty(p.WebhookSecretEnc), nilIfEmpty(p.SMTPPasswordEnc),
		nilIfEmpty(p.SMTPHost), nilIfZero(p.SMTPPort), p.SMTPSecure, nilIfEmpty(p.SMTPUser),
		nilIfEmpty(p.FromEmail), nilIfEmpty(p.FromName),
		nilIfEmpty(p.TransactionalDomain), nilIfEmpty(p.MarketingDomain),
		nilIfEmpty(p.TransactionalStream), nilIfEmpty(p.MarketingStream),
		p.TrackOpens, p.TrackClicks, nilIfEmpty(p.Region), nilIfEmpty(p.ConfigurationSet), nilIfEmpty(p.TestEmail),
		p.HourlyLimit, p.DailyLimit,
	)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create integration", err)
	}
	p.IsPrimary = false
	return nil
}

// Update overwrites the mutable columns. Deactivating an integration also
// clears its primary flag.
func (r *IntegrationRepository) Update(ctx context.Context, p *types.ProviderIntegration) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE provider_integrations SET
		  name = $2, is_active = $3, is_primary = is_primary AND $3,
		  api_key = $4, api_secret = $5, webhook_secret = $6, smtp_password = $7,
		  smtp_host = $8, smtp_port = $9, smtp_secure = $10, smtp_user = $11,
		  from_email = $12, from_name = $13, transactional_domain = $14, marketing_domain = $15,
		  transactional_stream = $16, marketing_stream = $17, track_opens = $18, track_clicks = $19,
		  region = $20, configuration_set = $21, test_email = $22, hourly_limit = $23, daily_limit = $24,
		  updated_at = NOW()
		 WHERE id = $1`,
		p.ID, p.Name, p.IsActive,
		nilIfEmpty(p.APIKeyEnc), nilIfEmpty(p.APISecretEnc), nilIfEmpty(p.WebhookSecretEnc), nilIfEmpty(p.SMTPPasswordEnc),
		nilIfEmpty(p.SMTPHost), nilIfZero(p.SMTPPort), p.SMTPSecure, nilIfEmpty(p.SMTPUser),
		nilIfEmpty(p.FromEmail), nilIfEmpty(p.FromName), nilIfEmpty(p.TransactionalDomain), nilIfEmpty(p.MarketingDomain),
		nilIfEmpty(p.TransactionalStream), nilIfEmpty(p.MarketingStream), p.TrackOpens, p.TrackClicks,
		nilIfEmpty(p.Region), nilIfEmpty(p.ConfigurationSet), nilIfEmpty(p.TestEmail), p.HourlyLimit, p.DailyLimit,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update integration", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundIntegration, "integration not found", nil)
	}
	return nil
}

// SetPrimary makes id the only primary integration in a single statement.
// The deferred exclusion constraint lets the old and new rows swap within it.
// Only active integrations can become primary.
func (r *IntegrationRepository) SetPrimary(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE provider_integrations
		 SET is_primary = (id = $1), updated_at = NOW()
		 WHERE EXISTS (SELECT 1 FROM provider_integrations WHERE id = $1 AND is_active)
		   AND (is_primary OR id = $1)`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set primary integration", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundIntegration, "active integration not found", nil)
	}
	return nil
}

// UpdateHealth records the outcome of a credential check.
func (r *IntegrationRepository) UpdateHealth(ctx context.Context, id string, status types.HealthStatus, message string, details map[string]any, at time.Time) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode health details", err)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE provider_integrations
		 SET health_status = $2, health_message = $3, health_details = $4, last_health_check = $5
		 WHERE id = $1`,
		id, string(status), nilIfEmpty(message), payload, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update integration health", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundIntegration, "integration not found", nil)
	}
	return nil
}
