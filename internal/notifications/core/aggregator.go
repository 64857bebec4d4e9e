package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"courier/internal/external"
	"courier/internal/types"
)

// RollupStore is the durable side of the aggregator.
type RollupStore interface {
	Increment(ctx context.Context, dims types.MetricsDims, c types.MetricsCounts) error
	SumByProvider(ctx context.Context, since time.Time) (map[types.ProviderKind]types.MetricsCounts, error)
}

// Aggregator combines the live counter partition with durable rollups.
// Record only touches the live partition; Flush moves it into the rollup
// table. Reads sum both, which never double counts because a flushed
// partition is no longer live.
type Aggregator struct {
	live    CounterStore
	rollups RollupStore
	breaker *external.Breaker
	clock   types.Clock
	logger  types.Logger

	flushMu sync.Mutex
}

// NewAggregator builds an Aggregator. breaker guards the live store and may
// be nil.
func NewAggregator(live CounterStore, rollups RollupStore, breaker *external.Breaker, clock types.Clock, logger types.Logger) *Aggregator {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Aggregator{
		live:    live,
		rollups: rollups,
		breaker: breaker,
		clock:   clock,
		logger:  logger,
	}
}

// Record adds counts to the daily and hourly rows of the instant at. Errors
// are logged and swallowed: metrics never fail a send or a webhook.
func (a *Aggregator) Record(ctx context.Context, at time.Time, dims types.MetricsDims, c types.MetricsCounts) {
	if c.IsZero() {
		return
	}
	if at.IsZero() {
		at = a.clock.Now()
	}
	daily := types.Daily(at, dims.TenantID, dims.EmailType, dims.Provider, dims.TemplateCode)
	hourly := daily
	hourly.Hour = at.UTC().Hour()

	err := a.guard(ctx, func(ctx context.Context) error {
		if err := a.live.Add(ctx, daily, c); err != nil {
			return err
		}
		return a.live.Add(ctx, hourly, c)
	})
	if err != nil {
		a.logger.Warn("failed to record live counters",
			"provider", dims.Provider,
			"error", err,
		)
	}
}

func (a *Aggregator) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if a.breaker == nil {
		return fn(ctx)
	}
	return a.breaker.Call(ctx, fn)
}

// Flush moves the live partition into durable rollups. Rows that fail to
// persist are merged back into the live partition; rows already upserted in
// the same batch are not retried.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	batch, err := a.live.Drain(ctx)
	if err != nil {
		return err
	}
	if len(batch.Rows) == 0 {
		return batch.Commit(ctx)
	}

	var failed []types.MetricsRollup
	var errs []error
	persisted := 0
	for _, row := range batch.Rows {
		if row.IsZero() {
			continue
		}
		if err := a.rollups.Increment(ctx, row.MetricsDims, row.MetricsCounts); err != nil {
			failed = append(failed, row)
			errs = append(errs, err)
			continue
		}
		persisted++
	}

	if persisted == 0 && len(failed) > 0 {
		if err := batch.Rollback(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	if err := batch.Commit(ctx); err != nil {
		// A leftover detached partition is never read, so this under-counts
		// instead of double counting.
		errs = append(errs, err)
	}
	for _, row := range failed {
		if err := a.live.Add(ctx, row.MetricsDims, row.MetricsCounts); err != nil {
			errs = append(errs, err)
		}
	}

	a.logger.Info("flushed live counters",
		"rows", len(batch.Rows),
		"failed", len(failed),
	)
	return errors.Join(errs...)
}

// Run flushes every interval until ctx is cancelled, then flushes once more
// with a short detached deadline.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := a.Flush(finalCtx); err != nil {
				a.logger.Error("final metrics flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				a.logger.Error("metrics flush failed", "error", err)
			}
		}
	}
}

// Aggregated returns the trailing days window, today included, as of now.
func (a *Aggregator) Aggregated(ctx context.Context, days int) (*types.AggregatedMetrics, error) {
	if days <= 0 {
		days = 30
	}
	y, m, d := a.clock.Now().UTC().Date()
	since := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))

	durable, err := a.rollups.SumByProvider(ctx, since)
	if err != nil {
		return nil, err
	}

	totals := make(map[types.ProviderKind]types.MetricsCounts, len(durable))
	for p, c := range durable {
		totals[p] = c
	}

	live, err := a.snapshot(ctx)
	if err != nil {
		a.logger.Warn("live counters unavailable, serving durable rollups only", "error", err)
	}
	for _, row := range live {
		if row.Hour != types.DailyHour || row.Date.Before(since) {
			continue
		}
		c := totals[row.Provider]
		c.Add(row.MetricsCounts)
		totals[row.Provider] = c
	}

	out := &types.AggregatedMetrics{
		Days:       days,
		Since:      since,
		ByProvider: make([]types.ProviderMetrics, 0, len(totals)),
	}
	var overall types.MetricsCounts
	for p, c := range totals {
		overall.Add(c)
		out.ByProvider = append(out.ByProvider, types.ProviderMetrics{
			Provider:      p,
			MetricsCounts: c,
			DeliveryRates: types.RatesFor(c),
		})
	}
	sort.Slice(out.ByProvider, func(i, j int) bool {
		return out.ByProvider[i].Provider < out.ByProvider[j].Provider
	})
	out.Overview = types.ProviderMetrics{
		MetricsCounts: overall,
		DeliveryRates: types.RatesFor(overall),
	}
	return out, nil
}

func (a *Aggregator) snapshot(ctx context.Context) ([]types.MetricsRollup, error) {
	var rows []types.MetricsRollup
	err := a.guard(ctx, func(ctx context.Context) error {
		var err error
		rows, err = a.live.Snapshot(ctx)
		return err
	})
	return rows, err
}
