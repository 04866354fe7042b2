package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All packages MUST use these constants instead of hardcoded strings.
const (
	// Broker infrastructure
	ErrCodeBrokerUnavailable  ErrorCode = "broker_unavailable"
	ErrCodeBrokerTopology     ErrorCode = "broker_topology_error"
	ErrCodeBrokerNotConnected ErrorCode = "broker_not_connected"
	ErrCodeBrokerUnsupported  ErrorCode = "broker_unsupported"

	// Message processing
	ErrCodeHandlerFailure       ErrorCode = "handler_failure"
	ErrCodeMalformedEvent       ErrorCode = "malformed_event"
	ErrCodeUnsupportedEventType ErrorCode = "unsupported_event_type"
	ErrCodeTemplateRender       ErrorCode = "template_render_failure"
	ErrCodeMissingRecipient     ErrorCode = "validation_missing_recipient"
	ErrCodeInvalidTemplate      ErrorCode = "validation_invalid_template"

	// Not Found
	ErrCodeNotFoundTemplate     ErrorCode = "not_found_template"
	ErrCodeNotFoundNotification ErrorCode = "not_found_notification"

	// Conflict
	ErrCodeConflictTerminal ErrorCode = "conflict_notification_terminal"

	// Internal/Upstream
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamEmailProvider ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
	ErrCodeEmailBlocked          ErrorCode = "email_blocked"
)

// AppError is the standard application error type used throughout the service.
// It carries a machine-readable code alongside the wrapped cause so that
// callers can classify failures with errors.As.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
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

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
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
