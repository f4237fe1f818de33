/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch with errors.Is / errors.As; the API layer maps these
  to HTTP statuses.

ERROR CATEGORIES:
  1. Validation errors - rejected before any write
  2. Domain errors - insufficient credit, duplicate refs, missing bills
  3. Store errors - concurrency conflicts and transient I/O failures

PROPAGATION RULES (see service.go):
  - Validation and insufficient-credit errors reach the caller with no
    partial effect.
  - Concurrent-modification errors are retried automatically, bounded.
  - Store-unavailable errors are retried with backoff.
  - Inconsistent-state errors are NEVER auto-corrected: they are logged
    and surfaced.
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCredit is returned when a credit decrement would drive
	// the balance negative. This is a caller error, not a valid state to clamp.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrConcurrentModification is returned when the optimistic version
	// check detects that two mutations raced on the same record.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStoreUnavailable wraps transient persistence failures. Retryable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInconsistentState is the sentinel behind InconsistentStateError.
	ErrInconsistentState = errors.New("inconsistent state")

	// ErrDuplicateTransactionRef is returned when a payment's transactionRef
	// was already recorded. Expected on retries; the original result stands.
	ErrDuplicateTransactionRef = errors.New("duplicate transaction reference")

	// ErrBillNotFound is returned when a referenced bill does not exist.
	ErrBillNotFound = errors.New("bill not found")

	// ErrTransactionNotFound is returned when a reversal references a
	// transactionRef with no recorded allocations or credit entries.
	ErrTransactionNotFound = errors.New("transaction reference not found")

	// ErrBillHasPayments is returned when regenerating a period that already
	// has payments recorded. Regeneration is only legal on untouched bills.
	ErrBillHasPayments = errors.New("bill already has payments")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports malformed input, rejected before any write.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// InsufficientCreditError reports an attempted negative credit balance.
type InsufficientCreditError struct {
	ClientID  ClientID
	UnitID    UnitID
	Available Money
	Requested Money
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for unit %s: available %s, requested %s",
		e.UnitID, e.Available, e.Requested)
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// InconsistentStateError reports a violated invariant (e.g. paidAmount out
// of sync with payments). Silent correction of financial data is a worse
// failure mode than an explicit error, so these always surface.
type InconsistentStateError struct {
	Entity string
	Detail string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state in %s: %s", e.Entity, e.Detail)
}

func (e *InconsistentStateError) Unwrap() error { return ErrInconsistentState }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the mutation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrDuplicateTransactionRef) ||
		errors.Is(err, ErrBillHasPayments)
}
