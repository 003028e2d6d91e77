/*
engine.go - Scheduling and validation

PURPOSE:
  The Engine is what callers talk to. It combines the cadence resolver and
  the ledger to answer "when is this customer next due" and to validate and
  record new service entries.

DETERMINISM:
  Every operation takes "now" or "today" as a parameter. The due date only
  depends on the cadence and the latest event; today is used solely to flag
  the result as overdue.

VALIDATED APPEND (Record):
  1. Load the customer (ErrUnknownCustomer aborts)
  2. Evaluate every rule -> Verdict
  3. Any error-severity finding: return the verdict, write nothing
  4. Otherwise append through the ledger
  5. Re-derive the out-of-order warning from the prior event the ledger
     observed under its lock, so concurrent appends cannot both miss it

SEE ALSO:
  - cadence.go: Day offsets
  - ledger.go: Append, Latest, All
  - validation.go: Rules and Verdict
*/
package servicing

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DUE DATE
// =============================================================================

type ScheduleStatus string

const (
	StatusNotYetScheduled ScheduleStatus = "not_yet_scheduled"
	StatusScheduled       ScheduleStatus = "scheduled"
)

// DueDate is the answer to "when is the next service due".
type DueDate struct {
	Status  ScheduleStatus
	Date    Date // zero unless Scheduled
	Overdue bool // Date is before the supplied today
	Last    *ServiceEvent
}

// NotYetScheduled is the result for a customer that was never serviced.
var NotYetScheduled = DueDate{Status: StatusNotYetScheduled}

func (d DueDate) Scheduled() bool { return d.Status == StatusScheduled }

// Schedule computes the due date from a cadence and the latest event.
// A nil last event yields NotYetScheduled.
func Schedule(c Cadence, last *ServiceEvent, today Date) (DueDate, error) {
	days, err := Resolve(c)
	if err != nil {
		return DueDate{}, err
	}
	if last == nil {
		return NotYetScheduled, nil
	}
	due := last.Date().AddDays(days)
	return DueDate{
		Status:  StatusScheduled,
		Date:    due,
		Overdue: due.Before(today),
		Last:    last,
	}, nil
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine answers scheduling queries and records validated service entries.
type Engine struct {
	Store  Store
	Ledger *Ledger
}

// NewEngine wires an engine and its ledger to a store.
func NewEngine(store Store, clock func() time.Time) *Engine {
	return &Engine{
		Store:  store,
		Ledger: NewLedger(store, clock),
	}
}

// NextDueDate returns the customer's next due date. A customer without
// history gets NotYetScheduled, not an error.
func (e *Engine) NextDueDate(ctx context.Context, id CustomerID, today Date) (DueDate, error) {
	customer, err := e.Store.GetCustomer(ctx, id)
	if err != nil {
		return DueDate{}, err
	}
	return e.scheduleFor(ctx, customer, today)
}

func (e *Engine) scheduleFor(ctx context.Context, customer Customer, today Date) (DueDate, error) {
	if _, err := Resolve(customer.Cadence); err != nil {
		return DueDate{}, err
	}
	last, err := e.Ledger.Latest(ctx, customer.ID)
	if errors.Is(err, ErrNoHistory) {
		return Schedule(customer.Cadence, nil, today)
	}
	if err != nil {
		return DueDate{}, err
	}
	return Schedule(customer.Cadence, &last, today)
}

// LastService returns the customer's latest event or ErrNoHistory.
func (e *Engine) LastService(ctx context.Context, id CustomerID) (ServiceEvent, error) {
	return e.Ledger.Latest(ctx, id)
}

// DueReport pairs a customer with its computed due date.
type DueReport struct {
	Customer Customer
	Due      DueDate
}

// Overdue lists every customer whose due date is before today, earliest
// due first.
func (e *Engine) Overdue(ctx context.Context, today Date) ([]DueReport, error) {
	customers, err := e.Store.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}

	var reports []DueReport
	for _, c := range customers {
		due, err := e.scheduleFor(ctx, c, today)
		if err != nil {
			if errors.Is(err, ErrUnknownCustomer) {
				continue // deleted since listing
			}
			return nil, err
		}
		if due.Overdue {
			reports = append(reports, DueReport{Customer: c, Due: due})
		}
	}

	sort.SliceStable(reports, func(i, j int) bool {
		a, b := reports[i], reports[j]
		if !a.Due.Date.Equal(b.Due.Date) {
			return a.Due.Date.Before(b.Due.Date)
		}
		return a.Customer.Name < b.Customer.Name
	})
	return reports, nil
}

// ValidateNewEntry evaluates every rule for a proposed entry and returns
// all findings together. Only store failures are returned as errors.
func (e *Engine) ValidateNewEntry(ctx context.Context, customer Customer, cost decimal.Decimal, proposedAt *time.Time, now time.Time) (Verdict, error) {
	var v Verdict
	v.add(checkCost(cost)...)
	v.add(checkReferenceDate(customer, now)...)

	if proposedAt != nil {
		prior, ok, err := e.Store.LatestEvent(ctx, customer.ID)
		if err != nil {
			return Verdict{}, err
		}
		if ok {
			v.add(checkChronology(prior, *proposedAt)...)
		}
	}
	return v, nil
}

// Submission is a request to record a service.
type Submission struct {
	CustomerID  CustomerID
	Cost        decimal.Decimal
	PerformedBy string
	OccurredAt  *time.Time // nil means now
}

// Recording is the outcome of Record. Event is nil when the verdict
// blocked the entry.
type Recording struct {
	Customer Customer // as loaded for validation
	Event    *ServiceEvent
	Verdict  Verdict
}

func (r Recording) Recorded() bool { return r.Event != nil }

// Record validates a submission and appends it when no finding blocks it.
func (e *Engine) Record(ctx context.Context, sub Submission, now time.Time) (Recording, error) {
	customer, err := e.Store.GetCustomer(ctx, sub.CustomerID)
	if err != nil {
		return Recording{}, err
	}

	verdict, err := e.ValidateNewEntry(ctx, customer, sub.Cost, sub.OccurredAt, now)
	if err != nil {
		return Recording{}, err
	}
	if !verdict.OK() {
		return Recording{Customer: customer, Verdict: verdict}, nil
	}

	at := now
	if sub.OccurredAt != nil {
		at = *sub.OccurredAt
	}
	appended, err := e.Ledger.Append(ctx, ServiceEvent{
		CustomerID:  customer.ID,
		PerformedBy: sub.PerformedBy,
		Cost:        sub.Cost,
		OccurredAt:  at,
	})
	if err != nil {
		return Recording{}, err
	}

	if sub.OccurredAt != nil {
		verdict = verdict.without(CodeOutOfOrder)
		if appended.Prior != nil {
			verdict.add(checkChronology(*appended.Prior, at)...)
		}
	}
	return Recording{Customer: customer, Event: &appended.Event, Verdict: verdict}, nil
}

// =============================================================================
// CUSTOMER RECORDS
// =============================================================================

// RegisterCustomer validates and stores a new customer.
func (e *Engine) RegisterCustomer(ctx context.Context, in NewCustomerInput, now time.Time) (Customer, error) {
	c, err := NewCustomer(in, now)
	if err != nil {
		return Customer{}, err
	}
	if err := e.Store.SaveCustomer(ctx, c); err != nil {
		return Customer{}, err
	}
	return c, nil
}

// ChangeCadence updates a customer's cadence.
func (e *Engine) ChangeCadence(ctx context.Context, id CustomerID, cadence Cadence, now time.Time) (Customer, error) {
	if !cadence.Valid() {
		return Customer{}, ErrUnknownPolicy
	}
	return e.Ledger.UpdateCustomer(ctx, id, func(c *Customer) error {
		c.Cadence = cadence
		c.UpdatedAt = now
		return nil
	})
}

func (e *Engine) Customer(ctx context.Context, id CustomerID) (Customer, error) {
	return e.Store.GetCustomer(ctx, id)
}

func (e *Engine) Customers(ctx context.Context) ([]Customer, error) {
	return e.Store.ListCustomers(ctx)
}

// DeleteCustomer removes a customer and its whole history.
func (e *Engine) DeleteCustomer(ctx context.Context, id CustomerID) (int, error) {
	return e.Ledger.DeleteCustomer(ctx, id)
}
