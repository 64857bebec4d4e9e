package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/resend/resend-go/v2"

	"courier/internal/types"
)

// resendEmails is the subset of resend.EmailsSvc used by ResendAdapter.
type resendEmails interface {
	SendWithOptions(ctx context.Context, params *resend.SendEmailRequest, options *resend.SendEmailOptions) (*resend.SendEmailResponse, error)
}

// resendDomains is the subset of resend.DomainsSvc used for credential checks.
type resendDomains interface {
	ListWithContext(ctx context.Context) (resend.ListDomainsResponse, error)
}

// ResendAdapter sends through the Resend API and verifies its svix-signed
// webhooks.
type ResendAdapter struct {
	cfg      *types.IntegrationConfig
	emails   resendEmails
	domains  resendDomains
	webhooks svixVerifier
}

// ResendOptions overrides the HTTP client or API base URL.
type ResendOptions struct {
	HTTPClient *http.Client
	BaseURL    string
}

// NewResendAdapter builds an adapter for cfg. An integration without an API
// key is a configuration error.
func NewResendAdapter(cfg *types.IntegrationConfig, opts ResendOptions) (*ResendAdapter, error) {
	if cfg.APIKey.IsZero() {
		return nil, types.NewAppError(types.ErrCodeInternalConfiguration, "resend integration has no API key", nil)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	client := resend.NewCustomClient(httpClient, cfg.APIKey.Unmask())
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalConfiguration, "invalid resend base url", err)
		}
		client.BaseURL = u
	}
	return &ResendAdapter{
		cfg:      cfg,
		emails:   client.Emails,
		domains:  client.Domains,
		webhooks: client.Webhooks,
	}, nil
}

func (a *ResendAdapter) Kind() types.ProviderKind { return types.ProviderResend }

func (a *ResendAdapter) IntegrationID() string { return a.cfg.ID }

// Send maps msg onto a Resend request. Tags carry type, template, tenant and
// user so webhook events can be traced back without a database lookup.
func (a *ResendAdapter) Send(ctx context.Context, msg *types.OutboundMessage) (string, error) {
	from := senderAddress(a.cfg, msg)
	if from == "" {
		return "", errMissingSender(types.ProviderResend)
	}

	req := &resend.SendEmailRequest{
		From:    formatAddress(senderName(a.cfg, msg), from),
		To:      msg.To,
		Cc:      msg.Cc,
		Bcc:     msg.Bcc,
		ReplyTo: msg.ReplyTo,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		Headers: msg.Headers,
		Tags:    resendTags(msg),
	}

	resp, err := a.emails.SendWithOptions(ctx, req, &resend.SendEmailOptions{IdempotencyKey: msg.IdempotencyKey})
	if err != nil {
		return "", mapResendError(err)
	}
	if resp == nil || resp.Id == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "resend returned no message id", nil)
	}
	return resp.Id, nil
}

func resendTags(msg *types.OutboundMessage) []resend.Tag {
	var tags []resend.Tag
	add := func(name, value string) {
		if value != "" {
			tags = append(tags, resend.Tag{Name: name, Value: sanitizeTag(value)})
		}
	}
	add("type", string(msg.Type))
	add("template", msg.TemplateCode)
	add("tenant_id", msg.TenantID)
	add("user_id", msg.UserID)
	return tags
}

func mapResendError(err error) error {
	var rateLimited *resend.RateLimitError
	if errors.As(err, &rateLimited) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "resend rate limit exceeded", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("resend error: %v", err), err)
}

// VerifyCredentials lists domains, which requires a valid API key.
func (a *ResendAdapter) VerifyCredentials(ctx context.Context) error {
	if _, err := a.domains.ListWithContext(ctx); err != nil {
		return mapResendError(err)
	}
	return nil
}

func (a *ResendAdapter) ValidateWebhookSignature(rawBody []byte, headers http.Header, secret string) bool {
	return VerifySvix(a.webhooks, rawBody, headers, secret)
}

func (a *ResendAdapter) ParseWebhookEvent(rawBody []byte) (*types.CanonicalEvent, error) {
	return parseResendEvent(rawBody)
}

var _ Adapter = (*ResendAdapter)(nil)
