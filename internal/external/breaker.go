package external

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"courier/internal/types"
)

// BreakerSettings configures every breaker in a BreakerSet.
type BreakerSettings struct {
	FailureThreshold uint32
	CallTimeout      time.Duration
	ResetTimeout     time.Duration
}

// DefaultBreakerSettings matches the config defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		CallTimeout:      5 * time.Second,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker guards calls to one dependency. Consecutive failures at the
// threshold open it; after ResetTimeout a single probe is let through and its
// outcome closes or re-opens it. Each call races CallTimeout and a timeout
// counts as a failure.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker[any]
	timeout time.Duration
}

// NewBreaker creates a Breaker named after the dependency it guards.
func NewBreaker(name string, s BreakerSettings) *Breaker {
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	})
	return &Breaker{cb: cb, timeout: s.CallTimeout}
}

// Name returns the guarded dependency name.
func (b *Breaker) Name() string { return b.cb.Name() }

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

// Call runs fn under the breaker. While open it fails fast with
// upstream_circuit_open without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.race(ctx, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamCircuitOpen,
			fmt.Sprintf("circuit breaker %q is open", b.cb.Name()), err)
	}
	return err
}

func (b *Breaker) race(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return types.NewAppError(types.ErrCodeUpstreamTimeout,
			fmt.Sprintf("%s did not respond within %s", b.cb.Name(), b.timeout), callCtx.Err())
	}
}

// countsAsFailure reports whether err says the dependency is unhealthy.
// Rejections of the request itself (bad recipient, blocked content,
// validation) show the dependency is reachable and do not trip the breaker.
func countsAsFailure(err error) bool {
	code := types.CodeOf(err)
	switch {
	case code == types.ErrCodeUpstreamEmailBlocked:
		return false
	case strings.HasPrefix(string(code), "validation_"):
		return false
	}
	return true
}

// BreakerSet lazily creates one Breaker per dependency name.
type BreakerSet struct {
	settings BreakerSettings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewBreakerSet(s BreakerSettings) *BreakerSet {
	return &BreakerSet{settings: s, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use. Breakers
// survive registry reloads so an integration's failure history is kept.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewBreaker(name, s.settings)
		s.breakers[name] = b
	}
	return b
}

// States returns a snapshot of every breaker's state keyed by name.
func (s *BreakerSet) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}
