/*
store.go - Persistence interface for customers and service history

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  never assumes a particular storage technology; the ledger enforces the
  ownership and ordering rules on top of whatever Store it is given.

ORDERING CONTRACT:
  LoadEvents and LatestEvent order by OccurredAt descending, ties broken by
  Seq descending. AppendEvent assigns Seq, strictly increasing per store.

OWNERSHIP:
  DeleteCustomer removes only the customer row. Removing the customer's
  events first is the ledger's job (Ledger.DeleteCustomer), inside WithTx,
  so no storage engine foreign-key behavior is relied on.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - servicing/store/memory.go: In-memory for tests and development

SEE ALSO:
  - ledger.go: Higher-level ledger using Store
*/
package servicing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists customers and their service events.
type Store interface {
	// SaveCustomer inserts or replaces a customer. Returns ErrDuplicateEmail
	// if another customer already uses the email.
	SaveCustomer(ctx context.Context, c Customer) error

	// UpdateCustomer replaces an existing customer. Returns
	// ErrUnknownCustomer if the customer is gone; it never inserts.
	UpdateCustomer(ctx context.Context, c Customer) error

	// GetCustomer returns ErrUnknownCustomer if the customer does not exist.
	GetCustomer(ctx context.Context, id CustomerID) (Customer, error)

	// ListCustomers returns all customers, most recently created first.
	ListCustomers(ctx context.Context) ([]Customer, error)

	// DeleteCustomer removes the customer record only.
	DeleteCustomer(ctx context.Context, id CustomerID) error

	// AppendEvent persists a new event and returns it with Seq assigned.
	AppendEvent(ctx context.Context, e ServiceEvent) (ServiceEvent, error)

	// LoadEvents returns a customer's events, newest first.
	LoadEvents(ctx context.Context, id CustomerID) ([]ServiceEvent, error)

	// LatestEvent returns the newest event, or false if there is none.
	LatestEvent(ctx context.Context, id CustomerID) (ServiceEvent, bool, error)

	// GetEvent returns ErrEventNotFound if the event does not exist.
	GetEvent(ctx context.Context, id EventID) (ServiceEvent, error)

	// UpdateEventCost is the only permitted change to a stored event.
	UpdateEventCost(ctx context.Context, id EventID, cost decimal.Decimal, actor string, at time.Time) (ServiceEvent, error)

	// DeleteEvent returns ErrEventNotFound if the event does not exist.
	DeleteEvent(ctx context.Context, id EventID) error

	// WithTx executes fn atomically. If fn returns an error nothing it
	// wrote is kept.
	WithTx(ctx context.Context, fn func(Store) error) error
}
