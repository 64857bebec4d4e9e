package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"courier/internal/types"
)

// defaultProbeTimeout bounds one probe round. Probes still running at the
// deadline are reported unhealthy.
const defaultProbeTimeout = 2 * time.Second

// HealthProbe checks one infrastructure dependency (database, cache, queue).
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

type funcProbe struct {
	name  string
	check func(ctx context.Context) error
}

func (p funcProbe) Name() string                    { return p.name }
func (p funcProbe) Check(ctx context.Context) error { return p.check(ctx) }

// NewProbe adapts a check function to a HealthProbe.
func NewProbe(name string, check func(ctx context.Context) error) HealthProbe {
	return funcProbe{name: name, check: check}
}

// ComponentHealth is the last observation of one dependency.
type ComponentHealth struct {
	Status    types.HealthStatus `json:"status"`
	LatencyMs int64              `json:"latencyMs"`
	Message   string             `json:"message,omitempty"`
}

// HealthSnapshot is the result of one probe round. Status is the worst
// component status.
type HealthSnapshot struct {
	Status     types.HealthStatus         `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checkedAt"`
}

// HealthMonitorConfig holds the latency bands and the names of components
// whose failure makes the service unavailable.
type HealthMonitorConfig struct {
	HealthyLatency  time.Duration
	DegradedLatency time.Duration
	Timeout         time.Duration
	Critical        []string
}

// HealthMonitor periodically probes dependencies and keeps the latest
// snapshot. The result is advisory: it never gates business operations.
type HealthMonitor struct {
	probes   []HealthProbe
	cfg      HealthMonitorConfig
	critical map[string]bool
	clock    types.Clock
	logger   *slog.Logger

	mu   sync.RWMutex
	last *HealthSnapshot
}

// NewHealthMonitor creates a monitor over the given probes.
func NewHealthMonitor(cfg HealthMonitorConfig, clock types.Clock, logger *slog.Logger, probes ...HealthProbe) *HealthMonitor {
	if cfg.HealthyLatency <= 0 {
		cfg.HealthyLatency = 100 * time.Millisecond
	}
	if cfg.DegradedLatency <= 0 {
		cfg.DegradedLatency = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	critical := make(map[string]bool, len(cfg.Critical))
	for _, name := range cfg.Critical {
		critical[name] = true
	}
	return &HealthMonitor{
		probes:   probes,
		cfg:      cfg,
		critical: critical,
		clock:    clock,
		logger:   logger,
	}
}

type probeResult struct {
	name    string
	err     error
	latency time.Duration
}

// Probe runs every probe concurrently, stores and returns the snapshot.
func (m *HealthMonitor) Probe(ctx context.Context) HealthSnapshot {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]probeResult, len(m.probes))
		wg      sync.WaitGroup
	)

	for _, probe := range m.probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()

			start := m.clock.Now()
			var err error
			func() {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("probe panicked: %v", r)
					}
				}()
				err = p.Check(ctx)
			}()
			res := probeResult{name: p.Name(), err: err, latency: m.clock.Now().Sub(start)}

			mu.Lock()
			results[res.name] = res
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	snap := m.buildSnapshot(results)
	mu.Unlock()

	m.mu.Lock()
	m.last = &snap
	m.mu.Unlock()

	if snap.Status != types.HealthHealthy {
		m.logger.WarnContext(ctx, "dependency health degraded", "status", snap.Status)
	}
	return snap
}

func (m *HealthMonitor) buildSnapshot(results map[string]probeResult) HealthSnapshot {
	snap := HealthSnapshot{
		Status:     types.HealthHealthy,
		Components: make(map[string]ComponentHealth, len(m.probes)),
		CheckedAt:  m.clock.Now(),
	}

	for _, probe := range m.probes {
		name := probe.Name()
		res, ok := results[name]

		var c ComponentHealth
		switch {
		case !ok:
			c = ComponentHealth{Status: types.HealthUnhealthy, Message: "health check timed out"}
		case res.err != nil:
			c = ComponentHealth{Status: types.HealthUnhealthy, LatencyMs: res.latency.Milliseconds(), Message: res.err.Error()}
		default:
			c = ComponentHealth{
				Status:    types.ClassifyLatency(res.latency, m.cfg.HealthyLatency, m.cfg.DegradedLatency),
				LatencyMs: res.latency.Milliseconds(),
			}
		}
		snap.Components[name] = c
		if c.Status.Rank() > snap.Status.Rank() {
			snap.Status = c.Status
		}
	}
	return snap
}

// Snapshot returns the latest snapshot, probing synchronously when no round
// has completed yet.
func (m *HealthMonitor) Snapshot(ctx context.Context) HealthSnapshot {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()
	if last != nil {
		return *last
	}
	return m.Probe(ctx)
}

// Available reports whether every critical component is reachable.
func (m *HealthMonitor) Available(snap HealthSnapshot) bool {
	for name, c := range snap.Components {
		if m.critical[name] && c.Status == types.HealthUnhealthy {
			return false
		}
	}
	return true
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context, interval time.Duration) {
	m.Probe(ctx)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// HandleHealth serves the latest snapshot. It answers 503 only when a
// critical component is unhealthy; a degraded cache or queue still reports 200.
//
// This endpoint is public and mounted at GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		JSON(w, r, http.StatusOK, HealthSnapshot{Status: types.HealthHealthy, Components: map[string]ComponentHealth{}})
		return
	}

	snap := s.Health.Snapshot(r.Context())
	status := http.StatusOK
	if !s.Health.Available(snap) {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, snap)
}
