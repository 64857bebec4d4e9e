package email

import (
	"context"
	"strings"

	"courier/internal/security"
	"courier/internal/types"
)

const (
	HeaderListUnsubscribe     = "List-Unsubscribe"
	HeaderListUnsubscribePost = "List-Unsubscribe-Post"
	oneClickValue             = "List-Unsubscribe=One-Click"
	unsubscribeTokenBytes     = 16
)

// Compliance attaches unsubscribe links (RFC 8058) to messages sent to known
// users and to every marketing message.
type Compliance struct {
	recipients RecipientStore
	baseURL    string
}

func NewCompliance(recipients RecipientStore, publicBaseURL string) *Compliance {
	return &Compliance{recipients: recipients, baseURL: strings.TrimRight(publicBaseURL, "/")}
}

// UnsubscribeURL is the link a recipient follows to opt out.
func (c *Compliance) UnsubscribeURL(token string) string {
	return c.baseURL + "/webhooks/email/unsubscribe/" + token
}

// Applies reports whether a message needs an unsubscribe link.
func (c *Compliance) Applies(userID string, t types.EmailType) bool {
	return userID != "" || t == types.EmailTypeMarketing
}

// Prepare ensures recipient has an unsubscribe token and returns the link and
// the List-Unsubscribe headers for it.
func (c *Compliance) Prepare(ctx context.Context, recipient, userID, tenantID string) (string, map[string]string, error) {
	candidate, err := security.RandomToken(unsubscribeTokenBytes)
	if err != nil {
		return "", nil, types.NewAppError(types.ErrCodeInternalCrypto, "failed to generate unsubscribe token", err)
	}
	token, err := c.recipients.EnsureToken(ctx, recipient, userID, tenantID, candidate)
	if err != nil {
		return "", nil, err
	}

	url := c.UnsubscribeURL(token)
	return url, map[string]string{
		HeaderListUnsubscribe:     "<" + url + ">",
		HeaderListUnsubscribePost: oneClickValue,
	}, nil
}

// NormalizeAddress lower-cases and trims an address for reputation lookups.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
