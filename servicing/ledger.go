/*
ledger.go - Per-customer service history

PURPOSE:
  The Ledger is the ordered log of service events for each customer and the
  only path through which history changes. It owns two rules the Store does
  not know about:

  1. COST: every appended or corrected cost is rounded to cents and must be
     greater than zero.
  2. SERIALIZATION: writes for one customer run one at a time, so two
     concurrent appends never observe the same prior latest event.

ORDERING:
  Newest first by OccurredAt. Equal timestamps: the later insert is newer.

MUTATIONS:
  - Append: new event (the normal path)
  - CorrectCost: cost correction by a named actor
  - DeleteEvent: operator removal of a single event
  - DeleteCustomer: removes the customer's events, then the customer

CONCURRENCY:
  One mutex per customer, created on first use. Writes for different
  customers never contend. Reads go straight to the Store, which returns
  consistent snapshots.

SEE ALSO:
  - store.go: Persistence interface
  - engine.go: Validated appends on top of the ledger
*/
package servicing

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger serializes writes per customer on top of a Store.
type Ledger struct {
	store Store
	clock func() time.Time

	// CustomerID -> *sync.Mutex. Entries are never removed: a goroutine may
	// still be waiting on a mutex when its customer is deleted.
	locks sync.Map
}

// NewLedger creates a ledger. A nil clock means time.Now; it is only used
// for events submitted without a timestamp and for correction times.
func NewLedger(store Store, clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{store: store, clock: clock}
}

// Appended is the outcome of a successful Append.
type Appended struct {
	Event ServiceEvent

	// Prior is the customer's latest event immediately before this append,
	// read under the same lock as the write. Nil for the first event.
	Prior *ServiceEvent
}

// lock acquires the customer's write lock and returns its release.
func (l *Ledger) lock(id CustomerID) func() {
	m, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// =============================================================================
// WRITES
// =============================================================================

// Append adds an event to the customer's history. Returns *InvalidCostError
// for costs not above zero and ErrUnknownCustomer if the owner is missing;
// in both cases nothing is written.
func (l *Ledger) Append(ctx context.Context, e ServiceEvent) (Appended, error) {
	cost, err := normalizeCost(e.Cost)
	if err != nil {
		return Appended{}, err
	}
	e.Cost = cost
	if e.ID == "" {
		e.ID = NewEventID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.clock()
	}
	e.OccurredAt = e.OccurredAt.UTC()
	e.CorrectedBy, e.CorrectedAt = "", nil

	unlock := l.lock(e.CustomerID)
	defer unlock()

	if _, err := l.store.GetCustomer(ctx, e.CustomerID); err != nil {
		return Appended{}, err
	}

	var result Appended
	prior, ok, err := l.store.LatestEvent(ctx, e.CustomerID)
	if err != nil {
		return Appended{}, err
	}
	if ok {
		result.Prior = &prior
	}

	stored, err := l.store.AppendEvent(ctx, e)
	if err != nil {
		return Appended{}, err
	}
	result.Event = stored
	return result, nil
}

// CorrectCost replaces an event's cost. The actor is recorded on the event.
func (l *Ledger) CorrectCost(ctx context.Context, id EventID, cost decimal.Decimal, actor string) (ServiceEvent, error) {
	if actor == "" {
		return ServiceEvent{}, ErrActorRequired
	}
	rounded, err := normalizeCost(cost)
	if err != nil {
		return ServiceEvent{}, err
	}

	existing, err := l.store.GetEvent(ctx, id)
	if err != nil {
		return ServiceEvent{}, err
	}

	unlock := l.lock(existing.CustomerID)
	defer unlock()

	return l.store.UpdateEventCost(ctx, id, rounded, actor, l.clock())
}

// DeleteEvent removes a single event.
func (l *Ledger) DeleteEvent(ctx context.Context, id EventID) error {
	existing, err := l.store.GetEvent(ctx, id)
	if err != nil {
		return err
	}

	unlock := l.lock(existing.CustomerID)
	defer unlock()

	return l.store.DeleteEvent(ctx, id)
}

// UpdateCustomer applies fn to a fresh copy of the customer under the
// customer's lock and stores the result. A customer deleted concurrently
// stays deleted: the update fails with ErrUnknownCustomer.
func (l *Ledger) UpdateCustomer(ctx context.Context, id CustomerID, fn func(*Customer) error) (Customer, error) {
	unlock := l.lock(id)
	defer unlock()

	c, err := l.store.GetCustomer(ctx, id)
	if err != nil {
		return Customer{}, err
	}
	if err := fn(&c); err != nil {
		return Customer{}, err
	}
	c.ID = id
	if err := l.store.UpdateCustomer(ctx, c); err != nil {
		return Customer{}, err
	}
	return c, nil
}

// DeleteCustomer removes every event the customer owns and then the
// customer itself, atomically. Returns the number of events removed.
func (l *Ledger) DeleteCustomer(ctx context.Context, id CustomerID) (int, error) {
	unlock := l.lock(id)
	defer unlock()

	removed := 0
	err := l.store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetCustomer(ctx, id); err != nil {
			return err
		}
		events, err := s.LoadEvents(ctx, id)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := s.DeleteEvent(ctx, e.ID); err != nil {
				return err
			}
		}
		removed = len(events)
		return s.DeleteCustomer(ctx, id)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// =============================================================================
// READS
// =============================================================================

// Latest returns the customer's most recent event. Returns ErrNoHistory if
// the customer has never been serviced.
func (l *Ledger) Latest(ctx context.Context, id CustomerID) (ServiceEvent, error) {
	if _, err := l.store.GetCustomer(ctx, id); err != nil {
		return ServiceEvent{}, err
	}
	e, ok, err := l.store.LatestEvent(ctx, id)
	if err != nil {
		return ServiceEvent{}, err
	}
	if !ok {
		return ServiceEvent{}, ErrNoHistory
	}
	return e, nil
}

// All yields the customer's events newest first. History is read when
// iteration starts, so ranging again reflects later writes. A lookup
// failure is yielded once as the error value.
func (l *Ledger) All(ctx context.Context, id CustomerID) iter.Seq2[ServiceEvent, error] {
	return func(yield func(ServiceEvent, error) bool) {
		if _, err := l.store.GetCustomer(ctx, id); err != nil {
			yield(ServiceEvent{}, err)
			return
		}
		events, err := l.store.LoadEvents(ctx, id)
		if err != nil {
			yield(ServiceEvent{}, err)
			return
		}
		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Events collects All into a slice.
func (l *Ledger) Events(ctx context.Context, id CustomerID) ([]ServiceEvent, error) {
	var events []ServiceEvent
	for e, err := range l.All(ctx, id) {
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Count returns how many events the customer has.
func (l *Ledger) Count(ctx context.Context, id CustomerID) (int, error) {
	n := 0
	for _, err := range l.All(ctx, id) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}
