package email

import (
	"context"
	"time"

	"courier/internal/types"
)

// IntegrationStore persists provider integrations.
type IntegrationStore interface {
	List(ctx context.Context) ([]*types.ProviderIntegration, error)
	ListActive(ctx context.Context) ([]*types.ProviderIntegration, error)
	Get(ctx context.Context, id string) (*types.ProviderIntegration, error)
	Create(ctx context.Context, p *types.ProviderIntegration) error
	Update(ctx context.Context, p *types.ProviderIntegration) error
	SetPrimary(ctx context.Context, id string) error
	UpdateHealth(ctx context.Context, id string, status types.HealthStatus, message string, details map[string]any, at time.Time) error
}

// JobStore persists outbound email jobs. State changes are guarded by the
// store so concurrent workers cannot regress a job.
type JobStore interface {
	Create(ctx context.Context, j *types.OutboundEmailJob) (bool, error)
	Get(ctx context.Context, id string) (*types.OutboundEmailJob, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*types.OutboundEmailJob, error)
	MarkProcessing(ctx context.Context, id string, at, staleBefore time.Time) (*types.OutboundEmailJob, error)
	MarkSent(ctx context.Context, id, messageID string, provider types.ProviderKind, integrationID string) error
	MarkFailed(ctx context.Context, id, reason string) error
	FailPending(ctx context.Context, id, reason string) error
}

// EventStore is the append-only delivery event log.
type EventStore interface {
	Insert(ctx context.Context, e *types.DeliveryEvent) (bool, error)
	Delete(ctx context.Context, id string) error
	FindSendContext(ctx context.Context, messageID string) (*types.SendContext, error)
	CountSentSince(ctx context.Context, integrationID string, since time.Time) (int, error)
}

// RecipientStore holds per-address reputation.
type RecipientStore interface {
	GetByEmail(ctx context.Context, email string) (*types.RecipientReputation, error)
	GetByToken(ctx context.Context, token string) (*types.RecipientReputation, error)
	EnsureToken(ctx context.Context, email, userID, tenantID, candidate string) (string, error)
	MarkBounced(ctx context.Context, email string, bounceType types.BounceType, at time.Time) error
	MarkComplaint(ctx context.Context, email string, at time.Time) error
	OptOut(ctx context.Context, email string, at time.Time) error
	OptOutByToken(ctx context.Context, token string, at time.Time) (*types.RecipientReputation, error)
}

// TemplateStore loads stored templates by code.
type TemplateStore interface {
	Get(ctx context.Context, code string) (*types.EmailTemplate, error)
}

// Cipher encrypts credentials at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encoded string) (string, error)
}

// JobQueue carries job references to the worker.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
}

// MetricsRecorder receives counter increments for the live partition.
type MetricsRecorder interface {
	Record(ctx context.Context, at time.Time, dims types.MetricsDims, c types.MetricsCounts)
}
