package email

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"courier/internal/types"
)

const healthCheckParallelism = 5

// HealthResult is the outcome of one credential check.
type HealthResult struct {
	IntegrationID string             `json:"integrationId"`
	Provider      types.ProviderKind `json:"provider,omitempty"`
	Status        types.HealthStatus `json:"status"`
	Message       string             `json:"message,omitempty"`
	LatencyMs     int64              `json:"latencyMs"`
	CheckedAt     time.Time          `json:"checkedAt"`
}

// HealthChecker verifies integration credentials and stores the latency band
// on the integration row.
type HealthChecker struct {
	registry *Registry
	store    IntegrationStore
	healthy  time.Duration
	degraded time.Duration
	clock    types.Clock
	logger   types.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewHealthChecker(registry *Registry, store IntegrationStore, healthy, degraded time.Duration, clock types.Clock, logger types.Logger) *HealthChecker {
	if healthy <= 0 {
		healthy = 100 * time.Millisecond
	}
	if degraded <= 0 {
		degraded = 500 * time.Millisecond
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &HealthChecker{registry: registry, store: store, healthy: healthy, degraded: degraded, clock: clock, logger: logger}
}

// CheckIntegration verifies one integration's credentials under its breaker.
func (h *HealthChecker) CheckIntegration(ctx context.Context, id string) (*HealthResult, error) {
	res := &HealthResult{IntegrationID: id}

	p, err := h.registry.Get(ctx, id)
	if err != nil {
		if !types.HasCode(err, types.ErrCodeNotFoundIntegration) {
			return nil, err
		}
		res.Status = types.HealthUnhealthy
		res.Message = "integration is not loaded"
		res.CheckedAt = h.clock.Now()
		return res, h.store.UpdateHealth(ctx, id, res.Status, res.Message, nil, res.CheckedAt)
	}
	res.Provider = p.Kind()

	start := h.clock.Now()
	err = p.Breaker.Call(ctx, p.Adapter.VerifyCredentials)
	latency := h.clock.Now().Sub(start)
	res.LatencyMs = latency.Milliseconds()
	res.CheckedAt = h.clock.Now()

	if err != nil {
		res.Status = types.HealthUnhealthy
		res.Message = err.Error()
	} else {
		res.Status = types.ClassifyLatency(latency, h.healthy, h.degraded)
		res.Message = "credentials verified"
	}

	details := map[string]any{"latencyMs": res.LatencyMs, "provider": string(res.Provider)}
	if err := h.store.UpdateHealth(ctx, id, res.Status, res.Message, details, res.CheckedAt); err != nil {
		return nil, err
	}
	if res.Status != types.HealthHealthy {
		h.logger.Warn("integration health check", "integration_id", id, "provider", res.Provider,
			"status", res.Status, "latency_ms", res.LatencyMs, "message", res.Message)
	}
	return res, nil
}

// CheckAll checks every loaded integration with bounded parallelism.
func (h *HealthChecker) CheckAll(ctx context.Context) ([]*HealthResult, error) {
	providers, err := h.registry.Providers(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*HealthResult, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckParallelism)
	for i, p := range providers {
		g.Go(func() error {
			res, err := h.CheckIntegration(gctx, p.ID())
			if err != nil {
				h.logger.Error("integration health check failed", "integration_id", p.ID(), "error", err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// CheckAsync checks one integration in the background.
func (h *HealthChecker) CheckAsync(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.CheckIntegration(ctx, id); err != nil {
			h.logger.Error("background health check failed", "integration_id", id, "error", err)
		}
	}()
}

// Wait blocks until background checks started by CheckAsync finish.
func (h *HealthChecker) Wait() { h.wg.Wait() }

// RunOnce runs CheckAll unless a run is already in progress.
func (h *HealthChecker) RunOnce(ctx context.Context) bool {
	if !h.running.CompareAndSwap(false, true) {
		h.logger.Info("integration health run still in progress, skipping tick")
		return false
	}
	defer h.running.Store(false)
	if _, err := h.CheckAll(ctx); err != nil {
		h.logger.Error("integration health run failed", "error", err)
	}
	return true
}

// Run checks all integrations every interval until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go h.RunOnce(ctx)
		}
	}
}
