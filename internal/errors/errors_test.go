// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
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
			name:     "queue write error",
			appError: &AppError{Code: ErrQueueWrite, Message: "enqueue failed"},
			want:     "[QUEUE_WRITE_FAILED] enqueue failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

// TestAppError_Unwrap verifies unwrapping of underlying error.
func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")

	assert.Equal(t, underlying, Wrap(ErrInternal, "failed", underlying).Unwrap())
	assert.Nil(t, New(ErrInternal, "failed").Unwrap())
	assert.ErrorIs(t, Wrap(ErrDatabase, "failed", underlying), underlying)
}

// TestIs verifies code matching through wrapped chains.
func TestIs(t *testing.T) {
	inner := New(ErrActionNotFound, "no such action")
	outer := Wrap(ErrQueueWrite, "mark failed", inner)
	wrapped := fmt.Errorf("processor: %w", outer)

	assert.True(t, Is(wrapped, ErrQueueWrite))
	assert.True(t, Is(wrapped, ErrActionNotFound))
	assert.False(t, Is(wrapped, ErrValidation))
	assert.False(t, Is(errors.New("plain"), ErrInternal))
	assert.False(t, Is(nil, ErrInternal))
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrValidation, CodeOf(fmt.Errorf("x: %w", New(ErrValidation, "bad"))))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
}

// TestHTTPStatus verifies code to status mapping.
func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrValidation, http.StatusBadRequest},
		{ErrUnknownCollection, http.StatusBadRequest},
		{ErrActionNotFound, http.StatusNotFound},
		{ErrActionBlocked, http.StatusConflict},
		{ErrSyncOffline, http.StatusServiceUnavailable},
		{ErrDatabase, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}
