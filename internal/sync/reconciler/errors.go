package reconciler

import (
	"errors"
	"fmt"
)

// Class tells the processor how to react to a failed reconcile.
type Class int

const (
	// ClassTransient covers timeouts, connectivity loss and server errors.
	// The record is retried on a later run.
	ClassTransient Class = iota

	// ClassValidation means the record is malformed. It is frozen as failed
	// without further retries.
	ClassValidation

	// ClassNotFound means the remote entity does not exist. Deletes treat it as
	// success before it ever reaches the caller; updates retry.
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ReconcileError is the typed result of a failed reconcile.
type ReconcileError struct {
	Class  Class
	Status int // HTTP status, 0 when no response was received
	Err    error
}

// Error returns the classified message.
func (e *ReconcileError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

// Unwrap returns the underlying error.
func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as ClassTransient.
func NewTransientError(err error) error {
	return &ReconcileError{Class: ClassTransient, Err: err}
}

// NewValidationError wraps err as ClassValidation.
func NewValidationError(err error) error {
	return &ReconcileError{Class: ClassValidation, Err: err}
}

// NewNotFoundError wraps err as ClassNotFound.
func NewNotFoundError(err error) error {
	return &ReconcileError{Class: ClassNotFound, Err: err}
}

// ClassOf returns the class of err. Unclassified errors are transient.
func ClassOf(err error) Class {
	var re *ReconcileError
	if errors.As(err, &re) {
		return re.Class
	}
	return ClassTransient
}

// IsTransientError is a convenience checker for ClassTransient.
func IsTransientError(err error) bool {
	return err != nil && ClassOf(err) == ClassTransient
}

// IsValidationError is a convenience checker for ClassValidation.
func IsValidationError(err error) bool {
	return err != nil && ClassOf(err) == ClassValidation
}

// IsNotFoundError is a convenience checker for ClassNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && ClassOf(err) == ClassNotFound
}
