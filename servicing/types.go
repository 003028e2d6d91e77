/*
Package servicing provides the service recurrence and history engine.

PURPOSE:
  Given a customer's cadence and the history of service events performed
  for them, compute when the next service is due, and validate the dates and
  costs recorded against that history.

KEY CONCEPTS IN THIS FILE (types.go):
  - Customer: The serviced entity, carrying its Cadence
  - ServiceEvent: One service delivered to a customer (append-only history)
  - ReferenceDate: Optional establishment date on company-style customers

DESIGN PRINCIPLES:
  1. Precision: Costs use decimal.Decimal rounded to cents
  2. Type Safety: Cadence is a closed enumeration, text only at boundaries
  3. Determinism: "now" and "today" are always parameters, never read inside
     scheduling or validation

SEE ALSO:
  - cadence.go: Cadence resolver
  - ledger.go: Service history log
  - engine.go: Next-due-date and validated appends
*/
package servicing

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type EventID string

// NewCustomerID returns a fresh random identifier.
func NewCustomerID() CustomerID { return CustomerID(uuid.NewString()) }

// NewEventID returns a fresh random identifier.
func NewEventID() EventID { return EventID(uuid.NewString()) }

// =============================================================================
// CUSTOMER
// =============================================================================

// Customer is a serviced entity. Records are built by NewCustomer so they
// are never partially populated.
type Customer struct {
	ID        CustomerID `validate:"required"`
	Name      string     `validate:"required,max=255"`
	Address   string     `validate:"required"`
	Phone     string     `validate:"required,max=33"`
	Email     string     `validate:"required,email"`
	Cadence   Cadence

	// EstablishedOn is set for company-style customers only.
	EstablishedOn *ReferenceDate

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReferenceDate is an establishment date as submitted. Raw holds the text
// form when the date arrived as text; Date holds the parsed day.
type ReferenceDate struct {
	Date Date
	Raw  string
}

// ReferenceDateFromText keeps the text and parses it when possible.
func ReferenceDateFromText(s string) *ReferenceDate {
	ref := &ReferenceDate{Raw: s}
	if d, err := ParseDate(s); err == nil {
		ref.Date = d
	}
	return ref
}

// Resolve returns the calendar day, parsing Raw if it was supplied.
func (r ReferenceDate) Resolve() (Date, error) {
	if r.Raw != "" {
		return ParseDate(r.Raw)
	}
	return r.Date, nil
}

// String returns the stored form: the parsed date, or the raw text.
func (r ReferenceDate) String() string {
	if d, err := r.Resolve(); err == nil {
		return d.String()
	}
	return r.Raw
}

// NewCustomerInput is what onboarding submits.
type NewCustomerInput struct {
	Name          string
	Address       string
	Phone         string
	Email         string
	Cadence       string // empty means DefaultCadence
	EstablishedOn string // optional, YYYY-MM-DD
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewCustomer builds and validates a customer record. An unknown cadence is
// an ErrUnknownPolicy; field problems are collected into one *RecordError.
func NewCustomer(in NewCustomerInput, now time.Time) (Customer, error) {
	cadence, err := ParseCadence(in.Cadence)
	if err != nil {
		return Customer{}, err
	}

	c := Customer{
		ID:        NewCustomerID(),
		Name:      strings.TrimSpace(in.Name),
		Address:   strings.TrimSpace(in.Address),
		Phone:     strings.TrimSpace(in.Phone),
		Email:     strings.ToLower(strings.TrimSpace(in.Email)),
		Cadence:   cadence,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.EstablishedOn != "" {
		c.EstablishedOn = ReferenceDateFromText(in.EstablishedOn)
	}

	fields := c.fieldErrors()
	for _, v := range checkReferenceDate(c, now) {
		fields["established_date"] = string(v.Code)
	}
	if len(fields) > 0 {
		return Customer{}, &RecordError{Fields: fields}
	}
	return c, nil
}

// Validate reports field problems on an already-built record.
func (c Customer) Validate() error {
	if fields := c.fieldErrors(); len(fields) > 0 {
		return &RecordError{Fields: fields}
	}
	return nil
}

func (c Customer) fieldErrors() map[string]string {
	fields := make(map[string]string)
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields[strings.ToLower(fe.Field())] = fe.Tag()
			}
		} else {
			fields["record"] = err.Error()
		}
	}
	if !c.Cadence.Valid() {
		fields["cadence"] = "oneof"
	}
	return fields
}

func (c Customer) String() string { return c.Name }

// =============================================================================
// SERVICE EVENT - One entry in a customer's history
// =============================================================================

// ServiceEvent records one service delivered to a customer. Events are
// immutable except for cost corrections, which record who made them.
type ServiceEvent struct {
	ID          EventID
	CustomerID  CustomerID
	PerformedBy string // acting party, recorded not owned
	Cost        decimal.Decimal
	OccurredAt  time.Time

	// Seq is the store-assigned insertion order. Breaks OccurredAt ties.
	Seq int64

	CorrectedBy string
	CorrectedAt *time.Time
}

// Date is the calendar day the service occurred on.
func (e ServiceEvent) Date() Date { return DateOf(e.OccurredAt) }

// Describe renders "<customer> - <date> - <cost>".
func (e ServiceEvent) Describe(customerName string) string {
	return fmt.Sprintf("%s - %s - %s", customerName, e.Date(), e.Cost.StringFixed(2))
}

// NewerThan reports whether e sorts before other in newest-first order.
func (e ServiceEvent) NewerThan(other ServiceEvent) bool {
	if !e.OccurredAt.Equal(other.OccurredAt) {
		return e.OccurredAt.After(other.OccurredAt)
	}
	return e.Seq > other.Seq
}

// MaxCost is the largest cost a service event can carry: ten digits, two
// of them after the decimal point.
var MaxCost = decimal.RequireFromString("99999999.99")

// normalizeCost rounds to cents and rejects anything not above zero or
// above MaxCost.
func normalizeCost(cost decimal.Decimal) (decimal.Decimal, error) {
	rounded := cost.Round(2)
	if !rounded.IsPositive() || rounded.GreaterThan(MaxCost) {
		return decimal.Decimal{}, &InvalidCostError{Cost: cost}
	}
	return rounded, nil
}
