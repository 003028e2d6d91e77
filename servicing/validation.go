package servicing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VERDICT - Validation findings returned as data
// =============================================================================

type Severity string

const (
	SeverityError   Severity = "error"   // blocks the entry
	SeverityWarning Severity = "warning" // reported, entry still accepted
)

type ViolationCode string

const (
	CodeCostNotPositive       ViolationCode = "cost_not_positive"
	CodeCostTooLarge          ViolationCode = "cost_too_large"
	CodeReferenceDateInvalid  ViolationCode = "reference_date_invalid"
	CodeReferenceDateInFuture ViolationCode = "reference_date_in_future"
	CodeOutOfOrder            ViolationCode = "timestamp_out_of_order"
)

// Violation is one finding about a proposed service entry.
type Violation struct {
	Code     ViolationCode
	Field    string
	Message  string
	Severity Severity
}

// Verdict collects every finding for one proposed entry.
type Verdict struct {
	Violations []Violation
}

// OK is true when no finding blocks the entry. Warnings do not.
func (v Verdict) OK() bool {
	for _, violation := range v.Violations {
		if violation.Severity == SeverityError {
			return false
		}
	}
	return true
}

func (v Verdict) Errors() []Violation   { return v.filter(SeverityError) }
func (v Verdict) Warnings() []Violation { return v.filter(SeverityWarning) }

// Has reports whether a finding with the given code is present.
func (v Verdict) Has(code ViolationCode) bool {
	for _, violation := range v.Violations {
		if violation.Code == code {
			return true
		}
	}
	return false
}

func (v Verdict) filter(s Severity) []Violation {
	var out []Violation
	for _, violation := range v.Violations {
		if violation.Severity == s {
			out = append(out, violation)
		}
	}
	return out
}

func (v *Verdict) add(violations ...Violation) {
	v.Violations = append(v.Violations, violations...)
}

func (v Verdict) without(code ViolationCode) Verdict {
	var out Verdict
	for _, violation := range v.Violations {
		if violation.Code != code {
			out.add(violation)
		}
	}
	return out
}

// =============================================================================
// RULES - Each rule is independent and never short-circuits the others
// =============================================================================

// checkCost rejects zero as well as negative costs, although the message
// only mentions negatives. Callers and forms depend on both.
func checkCost(cost decimal.Decimal) []Violation {
	rounded := cost.Round(2)
	switch {
	case !rounded.IsPositive():
		return []Violation{{
			Code:     CodeCostNotPositive,
			Field:    "cost",
			Message:  "Cost cannot be negative",
			Severity: SeverityError,
		}}
	case rounded.GreaterThan(MaxCost):
		return []Violation{{
			Code:     CodeCostTooLarge,
			Field:    "cost",
			Message:  "Cost cannot exceed " + MaxCost.StringFixed(2),
			Severity: SeverityError,
		}}
	}
	return nil
}

// checkReferenceDate applies to customers carrying an establishment date.
// Unparsable text and a date after today are distinct findings.
func checkReferenceDate(c Customer, now time.Time) []Violation {
	if c.EstablishedOn == nil {
		return nil
	}
	date, err := c.EstablishedOn.Resolve()
	if err != nil {
		return []Violation{{
			Code:     CodeReferenceDateInvalid,
			Field:    "established_date",
			Message:  "Invalid established date provided",
			Severity: SeverityError,
		}}
	}
	if date.After(DateOf(now)) {
		return []Violation{{
			Code:     CodeReferenceDateInFuture,
			Field:    "established_date",
			Message:  "Established date cannot be greater than today",
			Severity: SeverityError,
		}}
	}
	return nil
}

// checkChronology warns when a proposed timestamp predates the latest event.
func checkChronology(prior ServiceEvent, proposed time.Time) []Violation {
	if !proposed.Before(prior.OccurredAt) {
		return nil
	}
	return []Violation{{
		Code:  CodeOutOfOrder,
		Field: "occurred_at",
		Message: fmt.Sprintf("Service date %s is earlier than the last recorded service on %s",
			proposed.Format(time.RFC3339), prior.OccurredAt.Format(time.RFC3339)),
		Severity: SeverityWarning,
	}}
}
