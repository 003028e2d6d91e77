/*
errors.go - Centralized error types for the servicing engine

ERROR CATEGORIES:
  1. Structural errors - abort the call (unknown policy, unknown customer,
     invalid cost, invalid record)
  2. Expected outcomes - ErrNoHistory for customers never serviced
  3. Store errors - wrapped with context by the store implementations

Validation findings for a proposed service entry are NOT errors. They are
returned as a Verdict so every problem can be reported at once.

SEE ALSO:
  - validation.go: Verdict and Violation
  - ledger.go: Uses these errors
*/
package servicing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnknownPolicy is returned when a cadence value is outside the
	// supported set. Never defaulted silently.
	ErrUnknownPolicy = errors.New("unknown recurrence policy")

	// ErrUnknownCustomer is returned when a referenced customer does not exist.
	ErrUnknownCustomer = errors.New("unknown customer")

	// ErrInvalidCost is returned when a service cost is zero or negative.
	ErrInvalidCost = errors.New("invalid cost")

	// ErrNoHistory is returned by Latest when a customer has no service
	// events yet. Expected for new customers.
	ErrNoHistory = errors.New("no service history")

	// ErrEventNotFound is returned when a referenced service event does not exist.
	ErrEventNotFound = errors.New("service event not found")

	// ErrDuplicateEmail is returned when a customer email is already in use.
	ErrDuplicateEmail = errors.New("customer email already exists")

	// ErrActorRequired is returned when a cost correction names no actor.
	ErrActorRequired = errors.New("acting party required")

	// ErrInvalidRecord is returned when a customer record fails field validation.
	ErrInvalidRecord = errors.New("invalid customer record")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidCostError reports the rejected cost.
type InvalidCostError struct {
	Cost decimal.Decimal
}

func (e *InvalidCostError) Error() string {
	return fmt.Sprintf("invalid cost %s: must be between 0.01 and %s", e.Cost.StringFixed(2), MaxCost.StringFixed(2))
}

func (e *InvalidCostError) Unwrap() error {
	return ErrInvalidCost
}

// RecordError lists the fields of a customer record that failed validation.
type RecordError struct {
	Fields map[string]string // field name -> failed rule
}

func (e *RecordError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ": " + e.Fields[name]
	}
	return "invalid customer record: " + strings.Join(parts, ", ")
}

func (e *RecordError) Unwrap() error {
	return ErrInvalidRecord
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidCost) ||
		errors.Is(err, ErrUnknownPolicy) ||
		errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrActorRequired)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownCustomer) ||
		errors.Is(err, ErrEventNotFound)
}
