package types

import (
	"encoding/json"
	"time"
)

// ProviderIntegration is a configured provider account as stored. Credential
// fields hold ciphertext in the `iv:authTag:ciphertext` format.
type ProviderIntegration struct {
	ID                  string
	Provider            ProviderKind
	Name                string
	IsActive            bool
	IsPrimary           bool
	APIKeyEnc           string
	APISecretEnc        string
	WebhookSecretEnc    string
	SMTPPasswordEnc     string
	SMTPHost            string
	SMTPPort            int
	SMTPSecure          bool
	SMTPUser            string
	FromEmail           string
	FromName            string
	TransactionalDomain string
	MarketingDomain     string
	TransactionalStream string
	MarketingStream     string
	TrackOpens          bool
	TrackClicks         bool
	Region              string
	ConfigurationSet    string
	TestEmail           string
	HourlyLimit         int
	DailyLimit          int
	HealthStatus        HealthStatus
	HealthMessage       string
	HealthDetails       map[string]any
	LastHealthCheck     *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IntegrationConfig is a ProviderIntegration with credentials decrypted.
// It only lives in memory.
type IntegrationConfig struct {
	ID                  string
	Provider            ProviderKind
	Name                string
	IsActive            bool
	IsPrimary           bool
	APIKey              SecretString
	APISecret           SecretString
	WebhookSecret       SecretString
	SMTPPassword        SecretString
	SMTPHost            string
	SMTPPort            int
	SMTPSecure          bool
	SMTPUser            string
	FromEmail           string
	FromName            string
	TransactionalDomain string
	MarketingDomain     string
	TransactionalStream string
	MarketingStream     string
	TrackOpens          bool
	TrackClicks         bool
	Region              string
	ConfigurationSet    string
	TestEmail           string
	HourlyLimit         int
	DailyLimit          int
	CreatedAt           time.Time
}

// OutboundMessage is the provider-neutral message an adapter sends.
type OutboundMessage struct {
	From           string
	FromName       string
	To             []string
	Cc             []string
	Bcc            []string
	ReplyTo        string
	Subject        string
	HTML           string
	Text           string
	Headers        map[string]string
	Type           EmailType
	TemplateCode   string
	TenantID       string
	UserID         string
	IdempotencyKey string
}

// OutboundEmailJob is a durable record of one send request.
type OutboundEmailJob struct {
	ID                string
	IdempotencyKey    string
	To                []string
	Cc                []string
	Bcc               []string
	From              string
	FromName          string
	ReplyTo           string
	Subject           string
	HTML              string
	Text              string
	Headers           map[string]string
	TemplateCode      string
	Type              EmailType
	UserID            string
	TenantID          string
	RequestedProvider string
	Status            JobStatus
	Attempts          int
	MaxAttempts       int
	LastAttemptAt     *time.Time
	MessageID         string
	Provider          ProviderKind
	IntegrationID     string
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Message converts the job back into an OutboundMessage.
func (j *OutboundEmailJob) Message() *OutboundMessage {
	return &OutboundMessage{
		From:           j.From,
		FromName:       j.FromName,
		To:             j.To,
		Cc:             j.Cc,
		Bcc:            j.Bcc,
		ReplyTo:        j.ReplyTo,
		Subject:        j.Subject,
		HTML:           j.HTML,
		Text:           j.Text,
		Headers:        j.Headers,
		Type:           j.Type,
		TemplateCode:   j.TemplateCode,
		TenantID:       j.TenantID,
		UserID:         j.UserID,
		IdempotencyKey: j.IdempotencyKey,
	}
}

// PrimaryRecipient returns the first To address or "".
func (j *OutboundEmailJob) PrimaryRecipient() string {
	if len(j.To) == 0 {
		return ""
	}
	return j.To[0]
}

// CanonicalEvent is a provider webhook event normalised into the shared vocabulary.
type CanonicalEvent struct {
	Type       EventType
	MessageID  string
	Email      string
	Provider   ProviderKind
	BounceType BounceType
	Reason     string
	OccurredAt time.Time
	Metadata   map[string]any
	Raw        json.RawMessage
}

// DeliveryEvent is an immutable append-only fact about a message.
type DeliveryEvent struct {
	ID            string
	Type          EventType
	MessageID     string
	Email         string
	Provider      ProviderKind
	IntegrationID string
	EmailType     EmailType
	TemplateCode  string
	TenantID      string
	UserID        string
	Metadata      map[string]any
	RawPayload    []byte
	CreatedAt     time.Time
}

// SendContext is the correlation context carried by a message's SENT event.
type SendContext struct {
	IntegrationID string
	Provider      ProviderKind
	EmailType     EmailType
	TemplateCode  string
	TenantID      string
	UserID        string
}

// RecipientReputation tracks deliverability state per address.
// Bounced and OptedOut are sticky.
type RecipientReputation struct {
	ID               string
	Email            string
	UserID           string
	TenantID         string
	Bounced          bool
	BounceType       BounceType
	BouncedAt        *time.Time
	OptedOut         bool
	OptOutAt         *time.Time
	ComplaintCount   int
	UnsubscribeToken string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Suppressed reports whether a send of type t to this recipient must be refused.
func (r *RecipientReputation) Suppressed(t EmailType) (bool, ErrorCode) {
	if r == nil {
		return false, ""
	}
	if r.Bounced && r.BounceType == BounceHard {
		return true, ErrCodeValidationSuppressed
	}
	if r.OptedOut && t == EmailTypeMarketing {
		return true, ErrCodeValidationRecipientOptOut
	}
	return false, ""
}

// EmailTemplate is a stored template addressed by code.
type EmailTemplate struct {
	Code      string
	Type      EmailType
	Subject   string
	HTMLBody  string
	TextBody  string
	UpdatedAt time.Time
}
