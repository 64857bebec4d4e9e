package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"courier/internal/types"
)

// SESAPI defines the subset of the SES v2 client used by SESAdapter.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
	ListEmailIdentities(ctx context.Context, params *sesv2.ListEmailIdentitiesInput, optFns ...func(*sesv2.Options)) (*sesv2.ListEmailIdentitiesOutput, error)
}

// SESAdapter sends through AWS SES v2. Delivery notifications reach us via
// SNS and a relay that signs them with the integration's webhook secret.
type SESAdapter struct {
	cfg *types.IntegrationConfig
	api SESAPI
}

// NewSESAdapter builds an SES client from base, overriding the region and,
// when the integration stores an access key pair, the credentials. Without
// stored keys the ambient IAM role is used.
func NewSESAdapter(base aws.Config, cfg *types.IntegrationConfig) *SESAdapter {
	awsCfg := base.Copy()
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}
	if !cfg.APIKey.IsZero() && !cfg.APISecret.IsZero() {
		awsCfg.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(cfg.APIKey.Unmask(), cfg.APISecret.Unmask(), ""))
	}
	return NewSESAdapterWithAPI(cfg, sesv2.NewFromConfig(awsCfg))
}

// NewSESAdapterWithAPI creates an SESAdapter with a pre-configured SESAPI.
func NewSESAdapterWithAPI(cfg *types.IntegrationConfig, api SESAPI) *SESAdapter {
	return &SESAdapter{cfg: cfg, api: api}
}

func (a *SESAdapter) Kind() types.ProviderKind { return types.ProviderSES }

func (a *SESAdapter) IntegrationID() string { return a.cfg.ID }

// Send transmits msg with simple content.
//
// Error mapping:
//   - MessageRejected, MailFromDomainNotVerified → upstream_email_blocked
//   - TooManyRequestsException, LimitExceededException → upstream_email_rate_limited
//   - SendingPausedException, AccountSuspendedException → upstream_unavailable
//   - Other → upstream_email_provider
func (a *SESAdapter) Send(ctx context.Context, msg *types.OutboundMessage) (string, error) {
	from := senderAddress(a.cfg, msg)
	if from == "" {
		return "", errMissingSender(types.ProviderSES)
	}

	content := &sestypes.Message{
		Subject: &sestypes.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
		Body:    &sestypes.Body{},
		Headers: sesHeaders(msg.Headers),
	}
	if msg.HTML != "" {
		content.Body.Html = &sestypes.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		content.Body.Text = &sestypes.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatAddress(senderName(a.cfg, msg), from)),
		Destination: &sestypes.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Content:   &sestypes.EmailContent{Simple: content},
		EmailTags: sesTags(msg),
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if a.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(a.cfg.ConfigurationSet)
	}

	out, err := a.api.SendEmail(ctx, input)
	if err != nil {
		return "", mapSESError(err)
	}
	return aws.ToString(out.MessageId), nil
}

func sesHeaders(h map[string]string) []sestypes.MessageHeader {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]sestypes.MessageHeader, 0, len(names))
	for _, name := range names {
		out = append(out, sestypes.MessageHeader{Name: aws.String(name), Value: aws.String(h[name])})
	}
	return out
}

func sesTags(msg *types.OutboundMessage) []sestypes.MessageTag {
	var tags []sestypes.MessageTag
	add := func(name, value string) {
		if value != "" {
			tags = append(tags, sestypes.MessageTag{Name: aws.String(name), Value: aws.String(sanitizeTag(value))})
		}
	}
	add("type", string(msg.Type))
	add("template", msg.TemplateCode)
	add("tenant_id", msg.TenantID)
	add("user_id", msg.UserID)
	return tags
}

// mapSESError translates AWS SES errors into AppErrors.
func mapSESError(err error) error {
	var msgRejected *sestypes.MessageRejected
	var mailFrom *sestypes.MailFromDomainNotVerifiedException
	if errors.As(err, &msgRejected) || errors.As(err, &mailFrom) {
		return types.NewAppError(types.ErrCodeUpstreamEmailBlocked, fmt.Sprintf("SES rejected message: %v", err), err)
	}

	var tooManyReqs *sestypes.TooManyRequestsException
	var limitExceeded *sestypes.LimitExceededException
	if errors.As(err, &tooManyReqs) || errors.As(err, &limitExceeded) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, fmt.Sprintf("SES rate limit exceeded: %v", err), err)
	}

	var sendingPaused *sestypes.SendingPausedException
	var suspended *sestypes.AccountSuspendedException
	if errors.As(err, &sendingPaused) || errors.As(err, &suspended) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("SES account cannot send: %v", err), err)
	}

	// Throttling and server faults arrive as generic API errors.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode() == "Throttling" || apiErr.ErrorCode() == "ThrottlingException" {
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, fmt.Sprintf("SES throttled: %v", err), err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("SES server error: %v", err), err)
		}
	}

	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("SES error: %v", err), err)
}

// VerifyCredentials calls GetAccount and fails when sending is disabled.
func (a *SESAdapter) VerifyCredentials(ctx context.Context) error {
	out, err := a.api.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return mapSESError(err)
	}
	if !out.SendingEnabled {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "SES sending is disabled for this account", nil)
	}
	return nil
}

// VerifiedEmailIdentities lists email-address identities that passed
// verification.
func (a *SESAdapter) VerifiedEmailIdentities(ctx context.Context) ([]string, error) {
	var (
		out   []string
		token *string
	)
	for {
		page, err := a.api.ListEmailIdentities(ctx, &sesv2.ListEmailIdentitiesInput{NextToken: token})
		if err != nil {
			return nil, mapSESError(err)
		}
		for _, id := range page.EmailIdentities {
			if id.IdentityType == sestypes.IdentityTypeEmailAddress &&
				id.VerificationStatus == sestypes.VerificationStatusSuccess {
				out = append(out, aws.ToString(id.IdentityName))
			}
		}
		if page.NextToken == nil || *page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

func (a *SESAdapter) ValidateWebhookSignature(rawBody []byte, headers http.Header, secret string) bool {
	return VerifyHMAC(rawBody, headers.Get(HeaderWebhookSignature), secret)
}

func (a *SESAdapter) ParseWebhookEvent(rawBody []byte) (*types.CanonicalEvent, error) {
	return parseSESEvent(rawBody)
}

var (
	_ Adapter        = (*SESAdapter)(nil)
	_ IdentityLister = (*SESAdapter)(nil)
)
