package external

import (
	"context"
	"errors"
	"testing"
	"time"

	"courier/internal/types"
)

var errUpstream = types.NewAppError(types.ErrCodeUpstreamEmailProvider, "boom", nil)

func failing(_ context.Context) error { return errUpstream }
func succeeding(_ context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("smtp:test", BreakerSettings{FailureThreshold: 2, CallTimeout: time.Second, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		if err := b.Call(context.Background(), failing); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}
	if b.State() != "open" {
		t.Fatalf("state = %q, want open", b.State())
	}

	called := false
	err := b.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("fn must not run while open")
	}
	if !types.HasCode(err, types.ErrCodeUpstreamCircuitOpen) {
		t.Errorf("expected upstream_circuit_open, got %v", err)
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := NewBreaker("resend:test", BreakerSettings{FailureThreshold: 1, CallTimeout: time.Second, ResetTimeout: 30 * time.Millisecond})

	_ = b.Call(context.Background(), failing)
	if b.State() != "open" {
		t.Fatalf("state = %q, want open", b.State())
	}
	time.Sleep(50 * time.Millisecond)
	if b.State() != "half-open" {
		t.Fatalf("state = %q, want half-open", b.State())
	}

	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != "closed" {
		t.Errorf("state = %q, want closed after successful probe", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker("postmark:test", BreakerSettings{FailureThreshold: 1, CallTimeout: time.Second, ResetTimeout: 30 * time.Millisecond})

	_ = b.Call(context.Background(), failing)
	time.Sleep(50 * time.Millisecond)
	_ = b.Call(context.Background(), failing)

	if b.State() != "open" {
		t.Errorf("state = %q, want open after failed probe", b.State())
	}
}

func TestBreaker_Timeout(t *testing.T) {
	b := NewBreaker("ses:test", BreakerSettings{FailureThreshold: 1, CallTimeout: 20 * time.Millisecond, ResetTimeout: time.Minute})

	err := b.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !types.HasCode(err, types.ErrCodeUpstreamTimeout) {
		t.Fatalf("expected upstream_timeout, got %v", err)
	}
	if b.State() != "open" {
		t.Errorf("timeout should count as failure, state = %q", b.State())
	}
}

func TestBreaker_RejectionsDoNotTrip(t *testing.T) {
	b := NewBreaker("resend:rejections", BreakerSettings{FailureThreshold: 1, CallTimeout: time.Second, ResetTimeout: time.Minute})

	blocked := types.NewAppError(types.ErrCodeUpstreamEmailBlocked, "recipient rejected", nil)
	invalid := types.NewAppError(types.ErrCodeValidationInvalidEmail, "bad address", nil)

	for _, want := range []error{blocked, invalid} {
		err := b.Call(context.Background(), func(context.Context) error { return want })
		if !errors.Is(err, want) {
			t.Errorf("expected original error, got %v", err)
		}
	}
	if b.State() != "closed" {
		t.Errorf("state = %q, want closed", b.State())
	}
}

func TestBreaker_CanceledIsExcluded(t *testing.T) {
	b := NewBreaker("smtp:cancel", BreakerSettings{FailureThreshold: 1, CallTimeout: time.Second, ResetTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.State() != "closed" {
		t.Errorf("state = %q, want closed", b.State())
	}
}

func TestBreakerSet_GetReusesBreaker(t *testing.T) {
	set := NewBreakerSet(BreakerSettings{FailureThreshold: 1, CallTimeout: time.Second, ResetTimeout: time.Minute})

	a := set.Get("integration-1")
	if a != set.Get("integration-1") {
		t.Fatal("expected the same breaker instance for the same name")
	}
	_ = a.Call(context.Background(), failing)
	set.Get("integration-2")

	states := set.States()
	if states["integration-1"] != "open" || states["integration-2"] != "closed" {
		t.Errorf("unexpected states: %v", states)
	}
}
