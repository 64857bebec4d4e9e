package email

import (
	"context"
	"time"

	"github.com/google/uuid"

	"courier/internal/types"
)

// IntegrationInput is the admin payload for creating or replacing an
// integration. Secret fields left as types.MaskedSecret keep the stored
// value; an empty secret clears it.
type IntegrationInput struct {
	Provider            types.ProviderKind `json:"provider" validate:"required,oneof=SMTP RESEND POSTMARK AWS_SES"`
	Name                string             `json:"name" validate:"required,max=100"`
	IsActive            *bool              `json:"isActive"`
	APIKey              string             `json:"apiKey"`
	APISecret           string             `json:"apiSecret"`
	WebhookSecret       string             `json:"webhookSecret"`
	SMTPPassword        string             `json:"smtpPassword"`
	SMTPHost            string             `json:"smtpHost" validate:"required_if=Provider SMTP"`
	SMTPPort            int                `json:"smtpPort" validate:"omitempty,min=1,max=65535"`
	SMTPSecure          bool               `json:"smtpSecure"`
	SMTPUser            string             `json:"smtpUser"`
	FromEmail           string             `json:"fromEmail" validate:"omitempty,email"`
	FromName            string             `json:"fromName" validate:"max=100"`
	TransactionalDomain string             `json:"transactionalDomain" validate:"omitempty,fqdn"`
	MarketingDomain     string             `json:"marketingDomain" validate:"omitempty,fqdn"`
	TransactionalStream string             `json:"transactionalStream"`
	MarketingStream     string             `json:"marketingStream"`
	TrackOpens          bool               `json:"trackOpens"`
	TrackClicks         bool               `json:"trackClicks"`
	Region              string             `json:"region"`
	ConfigurationSet    string             `json:"configurationSet"`
	TestEmail           string             `json:"testEmail" validate:"omitempty,email"`
	HourlyLimit         int                `json:"hourlyLimit" validate:"min=0"`
	DailyLimit          int                `json:"dailyLimit" validate:"min=0"`
}

// IntegrationView is an integration as shown to operators. Secrets are
// masked.
type IntegrationView struct {
	ID                  string             `json:"id"`
	Provider            types.ProviderKind `json:"provider"`
	Name                string             `json:"name"`
	IsActive            bool               `json:"isActive"`
	IsPrimary           bool               `json:"isPrimary"`
	APIKey              string             `json:"apiKey,omitempty"`
	APISecret           string             `json:"apiSecret,omitempty"`
	WebhookSecret       string             `json:"webhookSecret,omitempty"`
	SMTPPassword        string             `json:"smtpPassword,omitempty"`
	SMTPHost            string             `json:"smtpHost,omitempty"`
	SMTPPort            int                `json:"smtpPort,omitempty"`
	SMTPSecure          bool               `json:"smtpSecure"`
	SMTPUser            string             `json:"smtpUser,omitempty"`
	FromEmail           string             `json:"fromEmail,omitempty"`
	FromName            string             `json:"fromName,omitempty"`
	TransactionalDomain string             `json:"transactionalDomain,omitempty"`
	MarketingDomain     string             `json:"marketingDomain,omitempty"`
	TransactionalStream string             `json:"transactionalStream,omitempty"`
	MarketingStream     string             `json:"marketingStream,omitempty"`
	TrackOpens          bool               `json:"trackOpens"`
	TrackClicks         bool               `json:"trackClicks"`
	Region              string             `json:"region,omitempty"`
	ConfigurationSet    string             `json:"configurationSet,omitempty"`
	TestEmail           string             `json:"testEmail,omitempty"`
	HourlyLimit         int                `json:"hourlyLimit"`
	DailyLimit          int                `json:"dailyLimit"`
	HealthStatus        types.HealthStatus `json:"healthStatus"`
	HealthMessage       string             `json:"healthMessage,omitempty"`
	HealthDetails       map[string]any     `json:"healthDetails,omitempty"`
	LastHealthCheck     *time.Time         `json:"lastHealthCheck,omitempty"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// CredentialStore keeps integration credentials encrypted at rest and
// decrypts them only on read.
type CredentialStore struct {
	repo   IntegrationStore
	cipher Cipher
	logger types.Logger
}

func NewCredentialStore(repo IntegrationStore, cipher Cipher, logger types.Logger) *CredentialStore {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CredentialStore{repo: repo, cipher: cipher, logger: logger}
}

// Decrypt turns a stored integration into its in-memory config.
func (s *CredentialStore) Decrypt(p *types.ProviderIntegration) (*types.IntegrationConfig, error) {
	open := func(field, enc string) (types.SecretString, error) {
		if enc == "" {
			return "", nil
		}
		plain, err := s.cipher.Decrypt(enc)
		if err != nil {
			return "", types.NewAppErrorWithDetails(types.ErrCodeInternalCrypto,
				"failed to decrypt integration credential", err,
				map[string]any{"integrationId": p.ID, "field": field})
		}
		return types.SecretString(plain), nil
	}

	cfg := &types.IntegrationConfig{
		ID:                  p.ID,
		Provider:            p.Provider,
		Name:                p.Name,
		IsActive:            p.IsActive,
		IsPrimary:           p.IsPrimary,
		SMTPHost:            p.SMTPHost,
		SMTPPort:            p.SMTPPort,
		SMTPSecure:          p.SMTPSecure,
		SMTPUser:            p.SMTPUser,
		FromEmail:           p.FromEmail,
		FromName:            p.FromName,
		TransactionalDomain: p.TransactionalDomain,
		MarketingDomain:     p.MarketingDomain,
		TransactionalStream: p.TransactionalStream,
		MarketingStream:     p.MarketingStream,
		TrackOpens:          p.TrackOpens,
		TrackClicks:         p.TrackClicks,
		Region:              p.Region,
		ConfigurationSet:    p.ConfigurationSet,
		TestEmail:           p.TestEmail,
		HourlyLimit:         p.HourlyLimit,
		DailyLimit:          p.DailyLimit,
		CreatedAt:           p.CreatedAt,
	}
	var err error
	if cfg.APIKey, err = open("apiKey", p.APIKeyEnc); err != nil {
		return nil, err
	}
	if cfg.APISecret, err = open("apiSecret", p.APISecretEnc); err != nil {
		return nil, err
	}
	if cfg.WebhookSecret, err = open("webhookSecret", p.WebhookSecretEnc); err != nil {
		return nil, err
	}
	if cfg.SMTPPassword, err = open("smtpPassword", p.SMTPPasswordEnc); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Active returns decrypted configs for every active integration in creation
// order. Integrations whose credentials cannot be decrypted are logged and
// left out.
func (s *CredentialStore) Active(ctx context.Context) ([]*types.IntegrationConfig, error) {
	rows, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.IntegrationConfig, 0, len(rows))
	for _, p := range rows {
		cfg, err := s.Decrypt(p)
		if err != nil {
			s.logger.Error("skipping integration with unreadable credentials",
				"integration_id", p.ID,
				"provider", p.Provider,
				"error", err,
			)
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

// List returns every integration with secrets masked.
func (s *CredentialStore) List(ctx context.Context) ([]*IntegrationView, error) {
	rows, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*IntegrationView, 0, len(rows))
	for _, p := range rows {
		out = append(out, ViewOf(p))
	}
	return out, nil
}

// Get returns one integration with secrets masked.
func (s *CredentialStore) Get(ctx context.Context, id string) (*IntegrationView, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ViewOf(p), nil
}

// Create encrypts the input's secrets and stores a new integration.
func (s *CredentialStore) Create(ctx context.Context, in *IntegrationInput) (*IntegrationView, error) {
	p := &types.ProviderIntegration{
		ID:           uuid.NewString(),
		IsActive:     true,
		HealthStatus: types.HealthUnknown,
	}
	if err := s.apply(p, in); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return ViewOf(p), nil
}

// Update replaces an integration's settings. Masked secrets keep the stored
// ciphertext.
func (s *CredentialStore) Update(ctx context.Context, id string, in *IntegrationInput) (*IntegrationView, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.apply(p, in); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return ViewOf(p), nil
}

// SetPrimary moves the primary flag to id.
func (s *CredentialStore) SetPrimary(ctx context.Context, id string) error {
	return s.repo.SetPrimary(ctx, id)
}

func (s *CredentialStore) apply(p *types.ProviderIntegration, in *IntegrationInput) error {
	seal := func(current *string, value string) error {
		switch value {
		case types.MaskedSecret:
			return nil
		case "":
			*current = ""
			return nil
		}
		enc, err := s.cipher.Encrypt(value)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalCrypto, "failed to encrypt integration credential", err)
		}
		*current = enc
		return nil
	}
	for _, f := range []struct {
		dst *string
		val string
	}{
		{&p.APIKeyEnc, in.APIKey},
		{&p.APISecretEnc, in.APISecret},
		{&p.WebhookSecretEnc, in.WebhookSecret},
		{&p.SMTPPasswordEnc, in.SMTPPassword},
	} {
		if err := seal(f.dst, f.val); err != nil {
			return err
		}
	}

	p.Provider = in.Provider
	p.Name = in.Name
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	p.SMTPHost = in.SMTPHost
	p.SMTPPort = in.SMTPPort
	p.SMTPSecure = in.SMTPSecure
	p.SMTPUser = in.SMTPUser
	p.FromEmail = in.FromEmail
	p.FromName = in.FromName
	p.TransactionalDomain = in.TransactionalDomain
	p.MarketingDomain = in.MarketingDomain
	p.TransactionalStream = in.TransactionalStream
	p.MarketingStream = in.MarketingStream
	p.TrackOpens = in.TrackOpens
	p.TrackClicks = in.TrackClicks
	p.Region = in.Region
	p.ConfigurationSet = in.ConfigurationSet
	p.TestEmail = in.TestEmail
	p.HourlyLimit = in.HourlyLimit
	p.DailyLimit = in.DailyLimit
	return nil
}

func maskEnc(enc string) string {
	if enc == "" {
		return ""
	}
	return types.MaskedSecret
}

// ViewOf masks a stored integration for display.
func ViewOf(p *types.ProviderIntegration) *IntegrationView {
	status := p.HealthStatus
	if status == "" {
		status = types.HealthUnknown
	}
	return &IntegrationView{
		ID:                  p.ID,
		Provider:            p.Provider,
		Name:                p.Name,
		IsActive:            p.IsActive,
		IsPrimary:           p.IsPrimary,
		APIKey:              maskEnc(p.APIKeyEnc),
		APISecret:           maskEnc(p.APISecretEnc),
		WebhookSecret:       maskEnc(p.WebhookSecretEnc),
		SMTPPassword:        maskEnc(p.SMTPPasswordEnc),
		SMTPHost:            p.SMTPHost,
		SMTPPort:            p.SMTPPort,
		SMTPSecure:          p.SMTPSecure,
		SMTPUser:            p.SMTPUser,
		FromEmail:           p.FromEmail,
		FromName:            p.FromName,
		TransactionalDomain: p.TransactionalDomain,
		MarketingDomain:     p.MarketingDomain,
		TransactionalStream: p.TransactionalStream,
		MarketingStream:     p.MarketingStream,
		TrackOpens:          p.TrackOpens,
		TrackClicks:         p.TrackClicks,
		Region:              p.Region,
		ConfigurationSet:    p.ConfigurationSet,
		TestEmail:           p.TestEmail,
		HourlyLimit:         p.HourlyLimit,
		DailyLimit:          p.DailyLimit,
		HealthStatus:        status,
		HealthMessage:       p.HealthMessage,
		HealthDetails:       p.HealthDetails,
		LastHealthCheck:     p.LastHealthCheck,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}
