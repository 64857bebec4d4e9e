package db

import (
	"context"
	"time"

	"courier/internal/types"
)

// RollupRepository persists metric counters. Rows are keyed by all six
// dimensions and increments are additive, so flushing the same delta twice
// double counts; callers drain their buffers before flushing.
type RollupRepository struct {
	db DBTX
}

func NewRollupRepository(db DBTX) *RollupRepository {
	return &RollupRepository{db: db}
}

// Increment adds c to the row for dims, creating it when absent.
func (r *RollupRepository) Increment(ctx context.Context, dims types.MetricsDims, c types.MetricsCounts) error {
	if c.IsZero() {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO metrics_rollups
		 (date, hour, tenant_id, email_type, provider, template_code,
		  sent, delivered, bounced, hard_bounced, soft_bounced, complaints)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (date, hour, tenant_id, email_type, provider, template_code) DO UPDATE SET
		   sent = metrics_rollups.sent + EXCLUDED.sent,
		   delivered = metrics_rollups.delivered + EXCLUDED.delivered,
		   bounced = metrics_rollups.bounced + EXCLUDED.bounced,
		   hard_bounced = metrics_rollups.hard_bounced + EXCLUDED.hard_bounced,
		   soft_bounced = metrics_rollups.soft_bounced + EXCLUDED.soft_bounced,
		   complaints = metrics_rollups.complaints + EXCLUDED.complaints,
		   updated_at = NOW()`,
		dims.Date, dims.Hour, dims.TenantID, string(dims.EmailType), string(dims.Provider), dims.TemplateCode,
		c.Sent, c.Delivered, c.Bounced, c.HardBounced, c.SoftBounced, c.Complaints,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment metrics rollup", err)
	}
	return nil
}

// SumByProvider totals daily rows since the given date, one entry per provider.
func (r *RollupRepository) SumByProvider(ctx context.Context, since time.Time) (map[types.ProviderKind]types.MetricsCounts, error) {
	rows, err := r.db.Query(ctx,
		`SELECT provider, SUM(sent), SUM(delivered), SUM(bounced),
		        SUM(hard_bounced), SUM(soft_bounced), SUM(complaints)
		 FROM metrics_rollups
		 WHERE hour = $1 AND date >= $2
		 GROUP BY provider`,
		types.DailyHour, since,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query metrics rollups", err)
	}
	defer rows.Close()

	out := make(map[types.ProviderKind]types.MetricsCounts)
	for rows.Next() {
		var (
			provider string
			c        types.MetricsCounts
		)
		if err := rows.Scan(&provider, &c.Sent, &c.Delivered, &c.Bounced, &c.HardBounced, &c.SoftBounced, &c.Complaints); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan metrics rollup", err)
		}
		out[types.ProviderKind(provider)] = c
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate metrics rollups", err)
	}
	return out, nil
}
