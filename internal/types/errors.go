package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers and services MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidField     ErrorCode = "validation_invalid_field"
	ErrCodeValidationInvalidEmail     ErrorCode = "validation_invalid_email"
	ErrCodeValidationInvalidJSON      ErrorCode = "validation_invalid_json"
	ErrCodeValidationPayloadTooLarge  ErrorCode = "validation_payload_too_large"
	ErrCodeValidationMissingRecipient ErrorCode = "validation_missing_recipient"
	ErrCodeValidationMissingContent   ErrorCode = "validation_missing_content"
	ErrCodeValidationRecipientOptOut  ErrorCode = "validation_recipient_opted_out"
	ErrCodeValidationSuppressed       ErrorCode = "validation_recipient_suppressed"
	ErrCodeValidationInvalidProvider  ErrorCode = "validation_invalid_provider"
	ErrCodeValidationInvalidEvent     ErrorCode = "validation_invalid_webhook_event"

	// Auth (401)
	ErrCodeAuthTokenMissing     ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid     ErrorCode = "auth_token_invalid"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_webhook_signature_invalid"

	// Rate limits (429)
	ErrCodeRateLimit            ErrorCode = "rate_limit_exceeded"
	ErrCodeRateLimitIntegration ErrorCode = "rate_limit_integration"

	// Not Found (404)
	ErrCodeNotFoundIntegration ErrorCode = "not_found_integration"
	ErrCodeNotFoundJob         ErrorCode = "not_found_job"
	ErrCodeNotFoundToken       ErrorCode = "not_found_unsubscribe_token"
	ErrCodeNotFoundTemplate    ErrorCode = "not_found_template"
	ErrCodeNotFoundRecipient   ErrorCode = "not_found_recipient"
	ErrCodeNotFoundEvent       ErrorCode = "not_found_delivery_event"

	// Conflict (409)
	ErrCodeConflictJobState  ErrorCode = "conflict_job_state"
	ErrCodeConflictDuplicate ErrorCode = "conflict_duplicate"

	// Internal (500)
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeInternalConfiguration ErrorCode = "internal_configuration"
	ErrCodeInternalCrypto        ErrorCode = "internal_crypto_error"
	ErrCodeInternalQueue         ErrorCode = "internal_queue_error"
	ErrCodeInternalTemplate      ErrorCode = "internal_template_error"

	// Upstream (502/503)
	ErrCodeUpstreamEmailProvider ErrorCode = "upstream_email_provider"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_email_rate_limited"
	ErrCodeUpstreamEmailBlocked  ErrorCode = "upstream_email_blocked"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamTimeout       ErrorCode = "upstream_timeout"
	ErrCodeUpstreamCircuitOpen   ErrorCode = "upstream_circuit_open"
	ErrCodeUpstreamNoProvider    ErrorCode = "upstream_no_provider_available"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden
	case strings.HasPrefix(s, "rate_limit"), c == ErrCodeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case c == ErrCodeUpstreamCircuitOpen, c == ErrCodeUpstreamNoProvider, c == ErrCodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case c == ErrCodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from an error chain.
// Errors that are not AppErrors report ErrCodeInternalUnexpected.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}
