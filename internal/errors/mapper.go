package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category returns the taxonomy name of an error
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrDuplicateEvent):
		return "ErrDuplicateEvent"
	case errors.Is(err, ErrInvariantViolation):
		return "ErrInvariantViolation"
	case errors.Is(err, ErrPermissionDenied):
		return "ErrPermissionDenied"
	case errors.Is(err, ErrValidation):
		return "ErrValidation"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "ErrTimeout"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrStorage):
		return "ErrStorage"
	case errors.Is(err, ErrConflict):
		return "ErrConflict"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	default:
		return "Unknown"
	}
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// PermissionDenied wraps error as permission denied
func PermissionDenied(message string) error {
	return fmt.Errorf("%s: %w", message, ErrPermissionDenied)
}

// Validation wraps error as a validation failure
func Validation(message string) error {
	return fmt.Errorf("%s: %w", message, ErrValidation)
}

// Timeout wraps error as timeout
func Timeout(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTimeout)
}

// InvariantViolation wraps error as invariant violation
func InvariantViolation(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvariantViolation)
}

// Conflict wraps error as conflict
func Conflict(message string) error {
	return fmt.Errorf("%s: %w", message, ErrConflict)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Storage wraps a backend failure as a storage error, keeping the cause in the chain.
func Storage(message string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", message, ErrStorage)
	}
	return fmt.Errorf("%s: %w: %w", message, ErrStorage, cause)
}

// IsRetryable checks if an error is transient or conflict related, indicating it can be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}
