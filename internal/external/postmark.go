package external

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/mrz1836/postmark"

	"courier/internal/types"
)

// PostmarkAPI is the subset of *postmark.Client used by PostmarkAdapter.
type PostmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
	GetCurrentServer(ctx context.Context) (postmark.Server, error)
}

const (
	defaultPostmarkTransactionalStream = "outbound"
	defaultPostmarkMarketingStream     = "broadcasts"
)

// PostmarkAdapter sends through Postmark. Its webhooks are authenticated by
// a static secret header configured on the Postmark webhook.
type PostmarkAdapter struct {
	cfg *types.IntegrationConfig
	api PostmarkAPI
}

// NewPostmarkAdapter builds an adapter around a Postmark server token
// (APIKey) and optional account token (APISecret).
func NewPostmarkAdapter(cfg *types.IntegrationConfig) (*PostmarkAdapter, error) {
	if cfg.APIKey.IsZero() {
		return nil, types.NewAppError(types.ErrCodeInternalConfiguration, "postmark integration has no server token", nil)
	}
	return NewPostmarkAdapterWithAPI(cfg, postmark.NewClient(cfg.APIKey.Unmask(), cfg.APISecret.Unmask())), nil
}

// NewPostmarkAdapterWithAPI is used by tests to inject a fake client.
func NewPostmarkAdapterWithAPI(cfg *types.IntegrationConfig, api PostmarkAPI) *PostmarkAdapter {
	return &PostmarkAdapter{cfg: cfg, api: api}
}

func (a *PostmarkAdapter) Kind() types.ProviderKind { return types.ProviderPostmark }

func (a *PostmarkAdapter) IntegrationID() string { return a.cfg.ID }

func (a *PostmarkAdapter) stream(t types.EmailType) string {
	if t == types.EmailTypeMarketing {
		if a.cfg.MarketingStream != "" {
			return a.cfg.MarketingStream
		}
		return defaultPostmarkMarketingStream
	}
	if a.cfg.TransactionalStream != "" {
		return a.cfg.TransactionalStream
	}
	return defaultPostmarkTransactionalStream
}

// Send maps msg onto a Postmark email. A non-zero ErrorCode in an otherwise
// successful response is a provider error.
func (a *PostmarkAdapter) Send(ctx context.Context, msg *types.OutboundMessage) (string, error) {
	from := senderAddress(a.cfg, msg)
	if from == "" {
		return "", errMissingSender(types.ProviderPostmark)
	}

	tag := msg.TemplateCode
	if tag == "" {
		tag = "custom"
	}
	trackLinks := "None"
	if a.cfg.TrackClicks {
		trackLinks = "HtmlAndText"
	}
	metadata := map[string]string{"type": string(msg.Type)}
	if msg.TenantID != "" {
		metadata["tenant_id"] = msg.TenantID
	}
	if msg.UserID != "" {
		metadata["user_id"] = msg.UserID
	}

	email := postmark.Email{
		From:          formatAddress(senderName(a.cfg, msg), from),
		To:            strings.Join(msg.To, ","),
		Cc:            strings.Join(msg.Cc, ","),
		Bcc:           strings.Join(msg.Bcc, ","),
		ReplyTo:       msg.ReplyTo,
		Subject:       msg.Subject,
		Tag:           tag,
		HTMLBody:      msg.HTML,
		TextBody:      msg.Text,
		Headers:       postmarkHeaders(msg.Headers),
		TrackOpens:    a.cfg.TrackOpens,
		TrackLinks:    trackLinks,
		Metadata:      metadata,
		MessageStream: a.stream(msg.Type),
	}

	resp, err := a.api.SendEmail(ctx, email)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("postmark error: %v", err), err)
	}
	if resp.ErrorCode != 0 {
		return "", mapPostmarkErrorCode(int64(resp.ErrorCode), resp.Message)
	}
	return resp.MessageID, nil
}

// postmarkHeaders sorts by name so requests are deterministic.
func postmarkHeaders(h map[string]string) []postmark.Header {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]postmark.Header, 0, len(names))
	for _, name := range names {
		out = append(out, postmark.Header{Name: name, Value: h[name]})
	}
	return out
}

// mapPostmarkErrorCode classifies Postmark API error codes. 406 is an
// inactive (suppressed) recipient, 429 is rate limiting.
func mapPostmarkErrorCode(code int64, message string) error {
	msg := fmt.Sprintf("postmark error %d: %s", code, message)
	switch code {
	case 406, 300:
		return types.NewAppError(types.ErrCodeUpstreamEmailBlocked, msg, nil)
	case 429:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, msg, nil)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, msg, nil)
}

// VerifyCredentials reads the server the token belongs to.
func (a *PostmarkAdapter) VerifyCredentials(ctx context.Context) error {
	if _, err := a.api.GetCurrentServer(ctx); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("postmark credential check failed: %v", err), err)
	}
	return nil
}

func (a *PostmarkAdapter) ValidateWebhookSignature(_ []byte, headers http.Header, secret string) bool {
	return VerifySharedSecret(headers.Get(HeaderPostmarkSecret), secret)
}

func (a *PostmarkAdapter) ParseWebhookEvent(rawBody []byte) (*types.CanonicalEvent, error) {
	return parsePostmarkEvent(rawBody)
}

var _ Adapter = (*PostmarkAdapter)(nil)
