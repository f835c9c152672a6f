/*
errors.go - Centralized error types for the dues core

PURPOSE:
  All error types in one place for consistency and discoverability.
  The HTTP layer maps these to status codes through the helpers at the
  bottom of this file; the gateway adapters inspect DuplicatePaymentError
  to turn a lost race into an idempotent success.

ERROR CATEGORIES:
  1. Input errors      - malformed flat reference, non-positive amount, bad period
  2. Ledger conflicts  - duplicate payment, duplicate receipt, period exists
  3. Lookup failures   - flat or period not found
  4. Authorization     - missing or insufficient principal

SEE ALSO:
  - recorder.go: raises ErrDuplicatePayment, ErrInvalidFlat, ErrInvalidAmount
  - registry.go: raises ErrPeriodExists
  - gateway/errors.go: gateway-specific errors
*/
package dues

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is the root of every synchronous validation failure.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidFlat is returned when a payment references a flat that does not exist.
	ErrInvalidFlat = errors.New("invalid flat")

	// ErrInvalidAmount is returned for a non-positive payment amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDuplicatePayment is returned when a paid payment already exists for
	// the (flat, period). Gateway reconciliation treats it as success.
	ErrDuplicatePayment = errors.New("payment already recorded for this flat and period")

	// ErrDuplicateReceipt is returned by stores when a receipt number collides.
	ErrDuplicateReceipt = errors.New("duplicate receipt number")

	// ErrPeriodNotConfigured is returned when no BillingPeriod exists for the key.
	ErrPeriodNotConfigured = errors.New("billing period not configured")

	// ErrPeriodExists is returned when overwriting a BillingPeriod under the reject policy.
	ErrPeriodExists = errors.New("billing period already configured")

	// ErrFlatNotFound is returned when a flat lookup misses.
	ErrFlatNotFound = errors.New("flat not found")

	// ErrDuplicateFlatNumber is returned when a unit number is already taken.
	ErrDuplicateFlatNumber = errors.New("flat number already exists")

	// ErrFlatHasPayments is returned when deleting a flat that payments reference.
	ErrFlatHasPayments = errors.New("flat has recorded payments")

	// ErrUnauthenticated is returned when no principal is attached to the context.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when the principal may not perform the operation.
	ErrForbidden = errors.New("forbidden")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidInputError names the offending field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

// DuplicatePaymentError carries the payment that already settles the period.
// Existing may be nil when the conflict was detected by the storage
// constraint rather than the pre-insert lookup.
type DuplicatePaymentError struct {
	FlatID   FlatID
	Period   Period
	Existing *Payment
}

func (e *DuplicatePaymentError) Error() string {
	if e.Existing != nil {
		return fmt.Sprintf("payment already recorded for flat %s in %s (receipt %s)",
			e.FlatID, e.Period, e.Existing.ReceiptNumber)
	}
	return fmt.Sprintf("payment already recorded for flat %s in %s", e.FlatID, e.Period)
}

func (e *DuplicatePaymentError) Unwrap() error {
	return ErrDuplicatePayment
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidFlat) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrPeriodNotConfigured)
}

// IsConflict returns true if the error reports an existing ledger or registry row.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicatePayment) ||
		errors.Is(err, ErrPeriodExists) ||
		errors.Is(err, ErrDuplicateFlatNumber) ||
		errors.Is(err, ErrFlatHasPayments)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFlatNotFound)
}
