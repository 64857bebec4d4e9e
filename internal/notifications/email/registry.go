package email

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"courier/internal/external"
	"courier/internal/types"
)

// IntegrationSource yields the decrypted active integrations. CredentialStore
// implements it.
type IntegrationSource interface {
	Active(ctx context.Context) ([]*types.IntegrationConfig, error)
}

// AdapterFactory builds the adapter for one integration.
type AdapterFactory func(cfg *types.IntegrationConfig) (external.Adapter, error)

// Provider is one loaded integration: its config, adapter and breaker.
type Provider struct {
	Config  *types.IntegrationConfig
	Adapter external.Adapter
	Breaker *external.Breaker
}

// ID returns the integration id.
func (p *Provider) ID() string { return p.Config.ID }

// Kind returns the provider family.
func (p *Provider) Kind() types.ProviderKind { return p.Config.Provider }

type registrySnapshot struct {
	ordered []*Provider
	byID    map[string]*Provider
	primary *Provider
}

// Registry holds one adapter per active integration, keyed by integration id.
// Reload builds a fresh snapshot and swaps it in atomically; callers holding
// a Provider from the previous snapshot finish with it undisturbed.
type Registry struct {
	source   IntegrationSource
	factory  AdapterFactory
	breakers *external.BreakerSet
	logger   types.Logger

	reloadMu sync.Mutex
	snap     atomic.Pointer[registrySnapshot]
}

func NewRegistry(source IntegrationSource, factory AdapterFactory, breakers *external.BreakerSet, logger types.Logger) *Registry {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if breakers == nil {
		breakers = external.NewBreakerSet(external.DefaultBreakerSettings())
	}
	return &Registry{source: source, factory: factory, breakers: breakers, logger: logger}
}

// BreakerName is the breaker key for an integration.
func BreakerName(integrationID string) string {
	return "provider:" + integrationID
}

// Reload re-reads active integrations and swaps the adapter map. An
// integration whose adapter cannot be built is logged and left out.
func (r *Registry) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	configs, err := r.source.Active(ctx)
	if err != nil {
		return err
	}

	next := &registrySnapshot{byID: make(map[string]*Provider, len(configs))}
	for _, cfg := range configs {
		adapter, err := r.factory(cfg)
		if err != nil {
			r.logger.Error("failed to initialize provider adapter",
				"integration_id", cfg.ID,
				"provider", cfg.Provider,
				"error", err,
			)
			continue
		}
		p := &Provider{Config: cfg, Adapter: adapter, Breaker: r.breakers.Get(BreakerName(cfg.ID))}
		next.ordered = append(next.ordered, p)
		next.byID[cfg.ID] = p
		if cfg.IsPrimary && next.primary == nil {
			next.primary = p
		}
	}

	r.snap.Store(next)
	r.logger.Info("provider registry reloaded", "providers", len(next.ordered))
	return nil
}

func (r *Registry) current(ctx context.Context) (*registrySnapshot, error) {
	if s := r.snap.Load(); s != nil {
		return s, nil
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r.snap.Load(), nil
}

// Providers returns the loaded providers in creation order.
func (r *Registry) Providers(ctx context.Context) ([]*Provider, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Provider, len(s.ordered))
	copy(out, s.ordered)
	return out, nil
}

// Get returns the loaded provider for an integration id.
func (r *Registry) Get(ctx context.Context, id string) (*Provider, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := s.byID[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundIntegration,
			fmt.Sprintf("integration %q is not active", id), nil)
	}
	return p, nil
}

// Candidates returns the providers to try for a send, in order. requested
// may be an integration id or a provider kind; it selects that provider
// alone. An unmatched request is logged and falls back to the default order:
// the primary, then every other active integration in creation order.
func (r *Registry) Candidates(ctx context.Context, requested string) ([]*Provider, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}

	if requested != "" {
		if p, ok := s.byID[requested]; ok {
			return []*Provider{p}, nil
		}
		if kind, ok := types.ParseProviderKind(requested); ok {
			for _, p := range s.ordered {
				if p.Kind() == kind {
					return []*Provider{p}, nil
				}
			}
		}
		r.logger.Warn("requested provider not active, using default selection", "requested", requested)
	}

	out := make([]*Provider, 0, len(s.ordered))
	if s.primary != nil {
		out = append(out, s.primary)
	}
	for _, p := range s.ordered {
		if p != s.primary {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, types.NewAppError(types.ErrCodeUpstreamNoProvider, "no email provider available", nil)
	}
	return out, nil
}

// Resolve returns the first candidate for requested.
func (r *Registry) Resolve(ctx context.Context, requested string) (*Provider, error) {
	c, err := r.Candidates(ctx, requested)
	if err != nil {
		return nil, err
	}
	return c[0], nil
}

// ForWebhook returns the active provider of kind that verifies webhooks,
// with its decrypted secret. The primary wins when several qualify.
func (r *Registry) ForWebhook(ctx context.Context, kind types.ProviderKind) (*Provider, string, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, "", err
	}

	var found bool
	var pick *Provider
	for _, p := range s.ordered {
		if p.Kind() != kind {
			continue
		}
		found = true
		if p.Config.WebhookSecret.IsZero() {
			continue
		}
		if pick == nil || p == s.primary {
			pick = p
		}
	}
	if !found {
		return nil, "", types.NewAppError(types.ErrCodeNotFoundIntegration,
			fmt.Sprintf("no active %s integration", kind), nil)
	}
	if pick == nil {
		return nil, "", types.NewAppError(types.ErrCodeNotFoundIntegration,
			fmt.Sprintf("no webhook secret configured for %s", kind), nil)
	}
	return pick, pick.Config.WebhookSecret.Unmask(), nil
}

// BreakerStates reports every provider breaker's state.
func (r *Registry) BreakerStates() map[string]string {
	return r.breakers.States()
}
