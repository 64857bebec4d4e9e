// Package email is courier's delivery engine: it resolves a provider
// integration for each send, gates it on idempotency and recipient
// reputation, hands it to an adapter directly or through the job queue, and
// folds provider webhooks back into delivery events, reputation and metrics.
package email

import (
	"errors"
	"strings"

	"courier/internal/types"
)

// IsPermanent reports whether retrying err can never succeed. The worker
// stops retrying a job on a permanent error instead of burning attempts.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	code := types.CodeOf(err)
	switch code {
	case types.ErrCodeUpstreamEmailBlocked,
		types.ErrCodeInternalConfiguration,
		types.ErrCodeNotFoundTemplate,
		types.ErrCodeNotFoundJob,
		types.ErrCodeInternalTemplate:
		return true
	}
	return strings.HasPrefix(string(code), "validation_")
}

// failureResult converts err into a SendResult without losing its code.
func failureResult(err error) *SendResult {
	code := types.CodeOf(err)
	msg := err.Error()
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	return &SendResult{Success: false, Error: msg, ErrorCode: code}
}
