package email

import (
	"context"

	"courier/internal/external"
	"courier/internal/types"
)

// Sources of a detected test recipient.
const (
	RecipientSourceVerified   = "verified"
	RecipientSourceConfigured = "configured"
	RecipientSourceFallback   = "fallback"
)

// TestRecipient is where an integration test email goes.
type TestRecipient struct {
	Email  string `json:"email"`
	Source string `json:"source"`
}

// DetectTestRecipient picks an address for a test send. It never fails:
// lookup errors fall through to the next source.
func DetectTestRecipient(ctx context.Context, p *Provider, fallback string, logger types.Logger) TestRecipient {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if p.Config.TestEmail != "" {
		return TestRecipient{Email: p.Config.TestEmail, Source: RecipientSourceVerified}
	}
	if lister, ok := p.Adapter.(external.IdentityLister); ok {
		ids, err := lister.VerifiedEmailIdentities(ctx)
		if err != nil {
			logger.Warn("failed to list verified identities", "integration_id", p.ID(), "error", err)
		} else if len(ids) > 0 {
			return TestRecipient{Email: ids[0], Source: RecipientSourceVerified}
		}
	}
	if p.Config.FromEmail != "" {
		return TestRecipient{Email: p.Config.FromEmail, Source: RecipientSourceConfigured}
	}
	return TestRecipient{Email: fallback, Source: RecipientSourceFallback}
}
