package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrValidation - malformed or missing payload fields (rejected before any state change)
	ErrValidation = errors.New("validation failed")

	// ErrPermissionDenied - explicit deny rule or declined approval (terminal, not retried)
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTimeout - no response within deadline (implicit deny for approvals and questions)
	ErrTimeout = errors.New("timeout")

	// ErrNotFound - unknown frame, agent, session or pending interaction
	ErrNotFound = errors.New("not found")

	// ErrInvariantViolation - self-approval, self-delegation, depth exceeded (always rejected, security relevant)
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStorage - storage unavailable; aborts the enclosing operation
	ErrStorage = errors.New("storage error")

	// ErrConflict - conflicting state, e.g. a second request for a pending interaction
	ErrConflict = errors.New("conflict")

	// ErrTransient - transient backend failure (bounded retry with backoff)
	ErrTransient = errors.New("transient error")

	// ErrDuplicateEvent - duplicate append detected via idempotency key
	ErrDuplicateEvent = errors.New("duplicate event")
)
