// Package errors tests for error codes and AppError helpers.
package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: errors.New("connection lost")},
			want:     "[DATABASE_ERROR] query failed: connection lost",
		},
		{
			name:     "duplicate",
			appError: &AppError{Code: ErrDuplicate, Message: "unique violation on contacts"},
			want:     "[DUPLICATE] unique violation on contacts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

// TestWrap verifies error wrapping keeps the cause reachable.
func TestWrap(t *testing.T) {
	cause := errors.New("underlying")

	err := Wrap(ErrSyncFailed, "pull failed", cause)
	require.NotNil(t, err)
	assert.Equal(t, ErrSyncFailed, err.Code)
	assert.Same(t, cause, err.Unwrap())
	assert.ErrorIs(t, err, cause)
}

// TestIs verifies error code checking through wrapping layers.
func TestIs(t *testing.T) {
	notFound := New(ErrNotFound, "record not found")

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", notFound, ErrNotFound, true},
		{"non-matching AppError", notFound, ErrInternal, false},
		{"wrapped by fmt", fmt.Errorf("update contacts/1: %w", notFound), ErrNotFound, true},
		{"nested AppError", Wrap(ErrSyncFailed, "cycle", notFound), ErrNotFound, true},
		{"outer code of nested", Wrap(ErrSyncFailed, "cycle", notFound), ErrSyncFailed, true},
		{"non-AppError", errors.New("standard error"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Is(tt.err, tt.code))
		})
	}
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrDuplicate, CodeOf(fmt.Errorf("insert: %w", New(ErrDuplicate, "dup"))))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
}
