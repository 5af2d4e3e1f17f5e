package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Orchestration error codes
const (
	ErrConfiguration        ErrorCode = "CONFIGURATION"
	ErrConnectionValidation ErrorCode = "CONNECTION_VALIDATION"
	ErrTimeout              ErrorCode = "TIMEOUT"
	ErrTransientDatabase    ErrorCode = "TRANSIENT_DATABASE"
	ErrAlreadyExists        ErrorCode = "ALREADY_EXISTS"
	ErrNotRegistered        ErrorCode = "NOT_REGISTERED"
	ErrInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	ErrShutdown             ErrorCode = "SHUTDOWN"
	ErrConcurrencyLimit     ErrorCode = "CONCURRENCY_LIMIT"
	ErrComponentFailure     ErrorCode = "COMPONENT_FAILURE"
	ErrInternalError        ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
// Every public operation that fails returns one of these so callers can
// reconstruct which step failed, for which tenant, and when.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Phase     string    `json:"phase,omitempty"`
	Tenant    string    `json:"tenant,omitempty"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Cause != nil && e.Phase != "":
		return fmt.Sprintf("[%s] %s (phase=%s): %v", e.Code, e.Message, e.Phase, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	case e.Phase != "":
		return fmt.Sprintf("[%s] %s (phase=%s)", e.Code, e.Message, e.Phase)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Timestamp: time.Now()}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithPhase records the lifecycle phase the error occurred in.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// WithTenant records the tenant (application) name the error belongs to.
func (e *Error) WithTenant(tenant string) *Error {
	e.Tenant = tenant
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
