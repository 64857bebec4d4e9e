package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"courier/internal/types"
)

// stepClock advances by step on every read, so each probe appears to take
// exactly one step.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func okProbe(name string) HealthProbe {
	return NewProbe(name, func(context.Context) error { return nil })
}

func failingProbe(name string) HealthProbe {
	return NewProbe(name, func(context.Context) error { return errors.New(name + " down") })
}

func TestHealthMonitor_Probe_Bands(t *testing.T) {
	tests := []struct {
		name string
		step time.Duration
		want types.HealthStatus
	}{
		{"fast", 10 * time.Millisecond, types.HealthHealthy},
		{"slow", 200 * time.Millisecond, types.HealthDegraded},
		{"too slow", time.Second, types.HealthUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &stepClock{now: time.Unix(0, 0), step: tt.step}
			m := NewHealthMonitor(HealthMonitorConfig{}, clock, testLogger(), okProbe("cache"))

			snap := m.Probe(context.Background())

			if snap.Components["cache"].Status != tt.want {
				t.Errorf("expected %s, got %+v", tt.want, snap.Components["cache"])
			}
			if snap.Status != tt.want {
				t.Errorf("expected overall %s, got %s", tt.want, snap.Status)
			}
		})
	}
}

func TestHealthMonitor_Probe_OverallIsWorst(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{HealthyLatency: time.Hour, DegradedLatency: 2 * time.Hour}, nil, testLogger(),
		okProbe("database"), failingProbe("queue"))

	snap := m.Probe(context.Background())

	if snap.Status != types.HealthUnhealthy {
		t.Errorf("expected unhealthy overall, got %s", snap.Status)
	}
	if snap.Components["database"].Status != types.HealthHealthy {
		t.Errorf("expected healthy database, got %+v", snap.Components["database"])
	}
	if snap.Components["queue"].Message != "queue down" {
		t.Errorf("expected the probe error as message, got %+v", snap.Components["queue"])
	}
}

func TestHealthMonitor_Probe_TimeoutAndPanic(t *testing.T) {
	slow := NewProbe("cache", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	panicky := NewProbe("queue", func(context.Context) error { panic("kaboom") })
	m := NewHealthMonitor(HealthMonitorConfig{Timeout: 20 * time.Millisecond}, nil, testLogger(), slow, panicky)

	snap := m.Probe(context.Background())

	if c := snap.Components["cache"]; c.Status != types.HealthUnhealthy || c.Message != "health check timed out" {
		t.Errorf("expected a timed out cache, got %+v", c)
	}
	if c := snap.Components["queue"]; c.Status != types.HealthUnhealthy {
		t.Errorf("expected a recovered panic to be unhealthy, got %+v", c)
	}
}

func TestHealthMonitor_Snapshot_ProbesOnce(t *testing.T) {
	var calls int
	var mu sync.Mutex
	probe := NewProbe("database", func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	m := NewHealthMonitor(HealthMonitorConfig{}, nil, testLogger(), probe)

	m.Snapshot(context.Background())
	m.Snapshot(context.Background())

	if calls != 1 {
		t.Errorf("expected the cached snapshot to be reused, got %d probes", calls)
	}
}

func TestHandleHealth_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		probes []HealthProbe
		status int
		want   types.HealthStatus
	}{
		{"all healthy", []HealthProbe{okProbe("database"), okProbe("cache")}, http.StatusOK, types.HealthHealthy},
		{"cache down", []HealthProbe{okProbe("database"), failingProbe("cache")}, http.StatusOK, types.HealthUnhealthy},
		{"database down", []HealthProbe{failingProbe("database"), okProbe("cache")}, http.StatusServiceUnavailable, types.HealthUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			srv.Health = NewHealthMonitor(HealthMonitorConfig{
				HealthyLatency:  time.Hour,
				DegradedLatency: 2 * time.Hour,
				Critical:        []string{"database"},
			}, nil, testLogger(), tt.probes...)

			rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			var snap HealthSnapshot
			if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if snap.Status != tt.want || len(snap.Components) != 2 {
				t.Errorf("unexpected snapshot %+v", snap)
			}
		})
	}
}

func TestHealthMonitor_Run_StopsOnCancel(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{}, nil, testLogger(), okProbe("database"))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
