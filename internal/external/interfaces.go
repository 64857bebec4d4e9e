// Package external is the anti-corruption layer between courier's delivery
// engine and the email providers it hands messages to. Each provider is an
// Adapter built from one decrypted integration; vendor types never leave
// this package.
package external

import (
	"context"
	"net/http"

	"courier/internal/types"
)

// Adapter is the capability set every provider integration implements.
type Adapter interface {
	// Kind returns the provider family.
	Kind() types.ProviderKind

	// IntegrationID returns the id of the integration the adapter was built from.
	IntegrationID() string

	// Send transmits msg and returns the provider's message id.
	Send(ctx context.Context, msg *types.OutboundMessage) (messageID string, err error)

	// VerifyCredentials performs a cheap authenticated call. nil means the
	// stored credentials work.
	VerifyCredentials(ctx context.Context) error

	// ValidateWebhookSignature checks rawBody against the provider's signing
	// scheme using secret. It never returns true for an empty secret.
	ValidateWebhookSignature(rawBody []byte, headers http.Header, secret string) bool

	// ParseWebhookEvent normalises a provider payload. It returns (nil, nil)
	// for event types outside the canonical vocabulary.
	ParseWebhookEvent(rawBody []byte) (*types.CanonicalEvent, error)
}

// IdentityLister is implemented by adapters that can enumerate verified
// sender identities (SES).
type IdentityLister interface {
	VerifiedEmailIdentities(ctx context.Context) ([]string, error)
}
