package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 🧪 结构化错误测试
// =============================================================================

func TestNewError(t *testing.T) {
	err := NewError(ErrConfiguration, "bad dialect")

	assert.Equal(t, ErrConfiguration, err.Code)
	assert.Equal(t, "bad dialect", err.Message)
	assert.False(t, err.Retryable)
	assert.False(t, err.Timestamp.IsZero())
}

func TestError_Fluent(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrConnectionValidation, "validation failed").
		WithCause(cause).
		WithPhase("connection.validate").
		WithTenant("billing").
		WithRetryable(true)

	assert.Equal(t, "connection.validate", err.Phase)
	assert.Equal(t, "billing", err.Tenant)
	assert.True(t, err.Retryable)
	assert.ErrorIs(t, err, cause)
}

func TestError_ErrorString(t *testing.T) {
	err := NewError(ErrTimeout, "operation timed out").WithTenant("crm")

	msg := err.Error()
	assert.Contains(t, msg, string(ErrTimeout))
	assert.Contains(t, msg, "operation timed out")
}

func TestIsRetryable(t *testing.T) {
	retryable := NewError(ErrTransientDatabase, "deadlock").WithRetryable(true)
	fatal := NewError(ErrConfiguration, "missing host")

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(fatal))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestIsRetryable_Wrapped(t *testing.T) {
	inner := NewError(ErrTimeout, "probe timed out").WithRetryable(true)
	wrapped := fmt.Errorf("health check: %w", inner)

	assert.True(t, IsRetryable(wrapped))
}

func TestIsCode(t *testing.T) {
	err := NewError(ErrAlreadyExists, "duplicate app")

	assert.True(t, IsCode(err, ErrAlreadyExists))
	assert.False(t, IsCode(err, ErrNotRegistered))
	assert.False(t, IsCode(nil, ErrAlreadyExists))

	wrapped := fmt.Errorf("register: %w", err)
	assert.True(t, IsCode(wrapped, ErrAlreadyExists))
}

func TestGetErrorCode(t *testing.T) {
	err := NewError(ErrShutdown, "registry not running")
	require.Equal(t, ErrShutdown, GetErrorCode(err))

	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}
