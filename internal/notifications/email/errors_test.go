package email

import (
	"errors"
	"fmt"
	"testing"

	"courier/internal/types"
)

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"blocked", types.NewAppError(types.ErrCodeUpstreamEmailBlocked, "blocked", nil), true},
		{"validation", types.NewAppError(types.ErrCodeValidationInvalidEmail, "bad", nil), true},
		{"wrapped validation", fmt.Errorf("send: %w", types.NewAppError(types.ErrCodeValidationSuppressed, "x", nil)), true},
		{"missing template", types.NewAppError(types.ErrCodeNotFoundTemplate, "x", nil), true},
		{"timeout", types.NewAppError(types.ErrCodeUpstreamTimeout, "x", nil), false},
		{"circuit open", types.NewAppError(types.ErrCodeUpstreamCircuitOpen, "x", nil), false},
		{"rate limited", types.NewAppError(types.ErrCodeUpstreamRateLimited, "x", nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFailureResult_KeepsCode(t *testing.T) {
	res := failureResult(fmt.Errorf("wrapped: %w", types.NewAppError(types.ErrCodeUpstreamNoProvider, "no provider", nil)))

	if res.Success || res.ErrorCode != types.ErrCodeUpstreamNoProvider || res.Error != "no provider" {
		t.Errorf("unexpected result %+v", res)
	}

	plain := failureResult(errors.New("boom"))
	if plain.ErrorCode != types.ErrCodeInternalUnexpected || plain.Error != "boom" {
		t.Errorf("unexpected result %+v", plain)
	}
}
