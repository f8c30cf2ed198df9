/*
errors.go - Centralized error taxonomy for the loyalty engine

PURPOSE:
  All error kinds in one place so every layer reports failures the same way.
  Domain code returns structured errors; callers classify them with errors.Is
  against the sentinels below, and the API layer maps them to stable codes
  with CodeOf.

ERROR CATEGORIES:
  1. Validation       - malformed or out-of-range input
  2. Not found        - unknown user, reward, rule, redemption or transaction
  3. Balance          - redemption exceeds available points
  4. State machine    - redemption/account transition not permitted
  5. Concurrency      - storage conflicts (retried) and exhausted retries
  6. Uniqueness       - duplicate email/dni

USAGE:
  if errors.Is(err, generic.ErrInsufficientBalance) {
      var ib *generic.InsufficientBalanceError
      errors.As(err, &ib)
      ...
  }

  code := generic.CodeOf(err) // "insufficient_balance"

SEE ALSO:
  - unitofwork.go: Converts exhausted ErrConflict retries to ErrConflictRetryExhausted
  - api/handlers.go: Maps codes to HTTP status
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientBalance is returned when a redemption exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidTransition is returned when a state change is not permitted
	// from the entity's current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflict is returned by stores when a transaction lost a race
	// (serialization failure, deadlock, lock timeout, busy database).
	// It is retryable and must not escape the unit-of-work runner.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrConflictRetryExhausted is returned when ErrConflict persisted
	// through every retry attempt.
	ErrConflictRetryExhausted = errors.New("concurrent modification: retries exhausted")

	// ErrDuplicate is returned when a unique field (email, dni) is taken.
	ErrDuplicate = errors.New("duplicate value")
)

// =============================================================================
// STABLE CODES - Machine-readable, exposed to API clients
// =============================================================================

type Code string

const (
	CodeValidation             Code = "validation_error"
	CodeNotFound               Code = "not_found"
	CodeInsufficientBalance    Code = "insufficient_balance"
	CodeInvalidTransition      Code = "invalid_transition"
	CodeConflictRetryExhausted Code = "conflict_retry_exhausted"
	CodeDuplicate              Code = "duplicate"
	CodeInternal               Code = "internal_error"
)

// CodeOf classifies err into a stable code. Unknown errors are internal.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrConflictRetryExhausted):
		return CodeConflictRetryExhausted
	case errors.Is(err, ErrDuplicate):
		return CodeDuplicate
	default:
		return CodeInternal
	}
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Kind string // "user", "reward", "rule", "redemption", "transaction"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound is shorthand for a *NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    string
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InvalidTransitionError describes a rejected state change.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// DuplicateError names the unique field that collided.
type DuplicateError struct {
	Field string
	Value string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %q already in use", e.Field, e.Value)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to the caller's input or
// the current state, as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeNotFound, CodeInsufficientBalance, CodeInvalidTransition, CodeDuplicate:
		return true
	}
	return false
}
