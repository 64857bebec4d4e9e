package email

import (
	"context"
	"html"

	"courier/internal/types"
)

// TestSendResult is the outcome of an integration test email.
type TestSendResult struct {
	Recipient TestRecipient `json:"recipient"`
	Result    *SendResult   `json:"result"`
}

// IntegrationAdmin is the operator surface over integrations. Every mutation
// reloads the registry and schedules a health check of the integration.
type IntegrationAdmin struct {
	creds      *CredentialStore
	registry   *Registry
	health     *HealthChecker
	dispatcher *Dispatcher
	fallback   string
	logger     types.Logger
}

func NewIntegrationAdmin(creds *CredentialStore, registry *Registry, health *HealthChecker, dispatcher *Dispatcher, fallbackRecipient string, logger types.Logger) *IntegrationAdmin {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &IntegrationAdmin{
		creds:      creds,
		registry:   registry,
		health:     health,
		dispatcher: dispatcher,
		fallback:   fallbackRecipient,
		logger:     logger,
	}
}

func (a *IntegrationAdmin) List(ctx context.Context) ([]*IntegrationView, error) {
	return a.creds.List(ctx)
}

func (a *IntegrationAdmin) Create(ctx context.Context, in *IntegrationInput) (*IntegrationView, error) {
	v, err := a.creds.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	a.afterMutation(ctx, v.ID)
	return v, nil
}

func (a *IntegrationAdmin) Update(ctx context.Context, id string, in *IntegrationInput) (*IntegrationView, error) {
	v, err := a.creds.Update(ctx, id, in)
	if err != nil {
		return nil, err
	}
	a.afterMutation(ctx, id)
	return v, nil
}

// SetPrimary moves the primary flag and returns the new primary.
func (a *IntegrationAdmin) SetPrimary(ctx context.Context, id string) (*IntegrationView, error) {
	if err := a.creds.SetPrimary(ctx, id); err != nil {
		return nil, err
	}
	a.afterMutation(ctx, id)
	return a.creds.Get(ctx, id)
}

// Reload rebuilds the registry and returns how many providers are loaded.
func (a *IntegrationAdmin) Reload(ctx context.Context) (int, error) {
	if err := a.registry.Reload(ctx); err != nil {
		return 0, err
	}
	providers, err := a.registry.Providers(ctx)
	if err != nil {
		return 0, err
	}
	return len(providers), nil
}

func (a *IntegrationAdmin) Check(ctx context.Context, id string) (*HealthResult, error) {
	return a.health.CheckIntegration(ctx, id)
}

// SendTest sends a test email through integration id, bypassing the queue.
// An empty to picks a recipient with DetectTestRecipient.
func (a *IntegrationAdmin) SendTest(ctx context.Context, id, to string) (*TestSendResult, error) {
	p, err := a.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	recipient := TestRecipient{Email: to, Source: "requested"}
	if to == "" {
		recipient = DetectTestRecipient(ctx, p, a.fallback, a.logger)
	}
	if recipient.Email == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingRecipient, "no test recipient could be determined", nil)
	}

	direct := false
	name := html.EscapeString(p.Config.Name)
	res := a.dispatcher.Send(ctx, &SendRequest{
		To:       []string{recipient.Email},
		Subject:  "Courier test email",
		Text:     "This is a test email from the " + p.Config.Name + " integration (" + string(p.Kind()) + ").",
		HTML:     "<p>This is a test email from the <strong>" + name + "</strong> integration (" + string(p.Kind()) + ").</p>",
		Type:     types.EmailTypeTest,
		Provider: id,
	}, SendOptions{UseQueue: &direct})
	return &TestSendResult{Recipient: recipient, Result: res}, nil
}

func (a *IntegrationAdmin) afterMutation(ctx context.Context, id string) {
	if err := a.registry.Reload(ctx); err != nil {
		a.logger.Error("failed to reload provider registry", "integration_id", id, "error", err)
	}
	if a.health != nil {
		a.health.CheckAsync(ctx, id)
	}
}
