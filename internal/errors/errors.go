// Package errors provides application error codes shared by the sync engine and its HTTP surfaces.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique, stable error code surfaced to API clients.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Queue errors
	ErrQueueWrite        ErrorCode = "QUEUE_WRITE_FAILED"
	ErrActionNotFound    ErrorCode = "ACTION_NOT_FOUND"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrActionBlocked     ErrorCode = "ACTION_BLOCKED"

	// Collection errors
	ErrUnknownCollection ErrorCode = "UNKNOWN_COLLECTION"
	ErrDocumentNotFound  ErrorCode = "DOCUMENT_NOT_FOUND"

	// Sync errors
	ErrSyncFailed      ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout     ErrorCode = "SYNC_TIMEOUT"
	ErrSyncOffline     ErrorCode = "SYNC_OFFLINE"
	ErrBootstrapFailed ErrorCode = "BOOTSTRAP_FAILED"

	// Configuration errors
	ErrConfig ErrorCode = "CONFIG_ERROR"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// HTTPStatus maps an error code to the HTTP status used by the API layer.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrInvalid, ErrValidation, ErrUnknownCollection, ErrInvalidTransition:
		return http.StatusBadRequest
	case ErrNotFound, ErrActionNotFound, ErrDocumentNotFound:
		return http.StatusNotFound
	case ErrActionBlocked:
		return http.StatusConflict
	case ErrSyncOffline, ErrSyncTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
