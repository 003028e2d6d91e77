/*
Package sqlite provides a SQLite-backed implementation of servicing.Store.

KEY TABLES:
  customers:      Customer records (email unique)
  service_events: Service history; seq is the insertion order
  sweep_runs:     Results of overdue sweeps

ORDERING:
  Events are read newest first: occurred_at_s DESC, occurred_at_nanos DESC,
  seq DESC. Timestamps are stored as UTC unix seconds plus the nanosecond
  remainder, which covers every time.Time without overflow and keeps the
  ordering numeric.

CASCADE:
  There is deliberately no foreign key from service_events to customers.
  The ledger deletes a customer's events itself (servicing.Ledger.DeleteCustomer)
  inside WithTx.

CONCURRENCY:
  Uses sync.RWMutex plus a single pooled connection. SQLite allows one
  writer at a time, and ":memory:" databases are per connection.

USAGE:
  store, err := sqlite.New("./data/service.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := servicing.NewEngine(store, time.Now)

SEE ALSO:
  - servicing/store.go: Interface definition
  - servicing/store/memory.go: In-memory implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/service-engine/servicing"
)

// Store implements servicing.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Compile-time check
var _ servicing.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		phone TEXT NOT NULL,
		email TEXT NOT NULL,
		cadence TEXT NOT NULL DEFAULT 'weekly',
		established_on TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_email
		ON customers(email);
	CREATE INDEX IF NOT EXISTS idx_customers_created
		ON customers(created_at DESC);

	-- Service history. seq doubles as the insertion order tie-breaker.
	CREATE TABLE IF NOT EXISTS service_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		performed_by TEXT,
		cost TEXT NOT NULL,
		occurred_at_s INTEGER NOT NULL,
		occurred_at_nanos INTEGER NOT NULL,
		corrected_by TEXT,
		corrected_at TEXT,
		created_at TEXT NOT NULL
	);

	-- Hot path: latest event per customer
	CREATE INDEX IF NOT EXISTS idx_service_events_customer_occurred
		ON service_events(customer_id, occurred_at_s DESC, occurred_at_nanos DESC, seq DESC);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		as_of TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		customers_checked INTEGER DEFAULT 0,
		overdue INTEGER DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_started
		ON sweep_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CUSTOMERS
// =============================================================================

const customerColumns = `id, name, address, phone, email, cadence, established_on, created_at, updated_at`

// SaveCustomer inserts or updates a customer.
func (s *Store) SaveCustomer(ctx context.Context, c servicing.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveCustomer(ctx, s.db, c)
}

func saveCustomer(ctx context.Context, q querier, c servicing.Customer) error {
	cadence, err := c.Cadence.MarshalText()
	if err != nil {
		return err
	}

	var established sql.NullString
	if c.EstablishedOn != nil {
		established = nullString(c.EstablishedOn.String())
	}

	query := `
		INSERT INTO customers (` + customerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			phone = excluded.phone,
			email = excluded.email,
			cadence = excluded.cadence,
			established_on = excluded.established_on,
			updated_at = excluded.updated_at
	`
	_, err = q.ExecContext(ctx, query,
		c.ID, c.Name, c.Address, c.Phone, c.Email, string(cadence), established,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "customers.email") {
			return servicing.ErrDuplicateEmail
		}
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

// UpdateCustomer replaces an existing customer; a missing row is not recreated.
func (s *Store) UpdateCustomer(ctx context.Context, c servicing.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateCustomer(ctx, s.db, c)
}

func updateCustomer(ctx context.Context, q querier, c servicing.Customer) error {
	cadence, err := c.Cadence.MarshalText()
	if err != nil {
		return err
	}

	var established sql.NullString
	if c.EstablishedOn != nil {
		established = nullString(c.EstablishedOn.String())
	}

	res, err := q.ExecContext(ctx, `
		UPDATE customers SET
			name = ?, address = ?, phone = ?, email = ?,
			cadence = ?, established_on = ?, updated_at = ?
		WHERE id = ?
	`,
		c.Name, c.Address, c.Phone, c.Email,
		string(cadence), established, formatTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err, "customers.email") {
			return servicing.ErrDuplicateEmail
		}
		return fmt.Errorf("failed to update customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return servicing.ErrUnknownCustomer
	}
	return nil
}

// GetCustomer retrieves a customer by ID.
func (s *Store) GetCustomer(ctx context.Context, id servicing.CustomerID) (servicing.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCustomer(ctx, s.db, id)
}

func getCustomer(ctx context.Context, q querier, id servicing.CustomerID) (servicing.Customer, error) {
	row := q.QueryRowContext(ctx, "SELECT "+customerColumns+" FROM customers WHERE id = ?", id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return servicing.Customer{}, servicing.ErrUnknownCustomer
	}
	return c, err
}

// ListCustomers returns all customers, newest first.
func (s *Store) ListCustomers(ctx context.Context) ([]servicing.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCustomers(ctx, s.db)
}

func listCustomers(ctx context.Context, q querier) ([]servicing.Customer, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+customerColumns+" FROM customers ORDER BY created_at DESC, id ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var customers []servicing.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// DeleteCustomer removes the customer row only. Events are removed by the ledger.
func (s *Store) DeleteCustomer(ctx context.Context, id servicing.CustomerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteCustomer(ctx, s.db, id)
}

func deleteCustomer(ctx context.Context, q querier, id servicing.CustomerID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM customers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return servicing.ErrUnknownCustomer
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row scanner) (servicing.Customer, error) {
	var (
		c           servicing.Customer
		cadence     string
		established sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&c.ID, &c.Name, &c.Address, &c.Phone, &c.Email, &cadence, &established, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan customer: %w", err)
	}

	// Stored text is untrusted: a corrupted cadence surfaces as ErrUnknownPolicy.
	c.Cadence, err = servicing.ParseCadence(cadence)
	if err != nil {
		return servicing.Customer{}, fmt.Errorf("customer %s: %w", c.ID, err)
	}
	if established.Valid {
		c.EstablishedOn = servicing.ReferenceDateFromText(established.String)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// =============================================================================
// SERVICE EVENTS
// =============================================================================

const eventColumns = `seq, id, customer_id, performed_by, cost, occurred_at_s, occurred_at_nanos, corrected_by, corrected_at`

// AppendEvent adds an event; seq is assigned by SQLite.
func (s *Store) AppendEvent(ctx context.Context, e servicing.ServiceEvent) (servicing.ServiceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEvent(ctx, s.db, e)
}

func appendEvent(ctx context.Context, q querier, e servicing.ServiceEvent) (servicing.ServiceEvent, error) {
	query := `
		INSERT INTO service_events
		(id, customer_id, performed_by, cost, occurred_at_s, occurred_at_nanos, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	occurred := e.OccurredAt.UTC()
	res, err := q.ExecContext(ctx, query,
		e.ID,
		e.CustomerID,
		nullString(e.PerformedBy),
		e.Cost.StringFixed(2),
		occurred.Unix(),
		occurred.Nanosecond(),
		formatTime(time.Now()),
	)
	if err != nil {
		return servicing.ServiceEvent{}, fmt.Errorf("failed to append service event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return servicing.ServiceEvent{}, fmt.Errorf("failed to read event seq: %w", err)
	}
	e.Seq = seq
	e.OccurredAt = e.OccurredAt.UTC()
	return e, nil
}

// LoadEvents returns a customer's events, newest first.
func (s *Store) LoadEvents(ctx context.Context, id servicing.CustomerID) ([]servicing.ServiceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadEvents(ctx, s.db, id)
}

func loadEvents(ctx context.Context, q querier, id servicing.CustomerID) ([]servicing.ServiceEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM service_events
		WHERE customer_id = ?
		ORDER BY occurred_at_s DESC, occurred_at_nanos DESC, seq DESC
	`
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query service events: %w", err)
	}
	defer rows.Close()

	var events []servicing.ServiceEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestEvent returns the newest event for a customer.
func (s *Store) LatestEvent(ctx context.Context, id servicing.CustomerID) (servicing.ServiceEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latestEvent(ctx, s.db, id)
}

func latestEvent(ctx context.Context, q querier, id servicing.CustomerID) (servicing.ServiceEvent, bool, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM service_events
		WHERE customer_id = ?
		ORDER BY occurred_at_s DESC, occurred_at_nanos DESC, seq DESC
		LIMIT 1
	`
	e, err := scanEvent(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return servicing.ServiceEvent{}, false, nil
	}
	if err != nil {
		return servicing.ServiceEvent{}, false, err
	}
	return e, true, nil
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, id servicing.EventID) (servicing.ServiceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEvent(ctx, s.db, id)
}

func getEvent(ctx context.Context, q querier, id servicing.EventID) (servicing.ServiceEvent, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM service_events WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return servicing.ServiceEvent{}, servicing.ErrEventNotFound
	}
	return e, err
}

// UpdateEventCost applies a cost correction.
func (s *Store) UpdateEventCost(ctx context.Context, id servicing.EventID, cost decimal.Decimal, actor string, at time.Time) (servicing.ServiceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateEventCost(ctx, s.db, id, cost, actor, at)
}

func updateEventCost(ctx context.Context, q querier, id servicing.EventID, cost decimal.Decimal, actor string, at time.Time) (servicing.ServiceEvent, error) {
	res, err := q.ExecContext(ctx,
		"UPDATE service_events SET cost = ?, corrected_by = ?, corrected_at = ? WHERE id = ?",
		cost.StringFixed(2), actor, formatTime(at), id,
	)
	if err != nil {
		return servicing.ServiceEvent{}, fmt.Errorf("failed to correct service cost: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return servicing.ServiceEvent{}, servicing.ErrEventNotFound
	}
	return getEvent(ctx, q, id)
}

// DeleteEvent removes a single event.
func (s *Store) DeleteEvent(ctx context.Context, id servicing.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteEvent(ctx, s.db, id)
}

func deleteEvent(ctx context.Context, q querier, id servicing.EventID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM service_events WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete service event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return servicing.ErrEventNotFound
	}
	return nil
}

func scanEvent(row scanner) (servicing.ServiceEvent, error) {
	var (
		e           servicing.ServiceEvent
		performedBy sql.NullString
		cost        string
		occurredS   int64
		occurredNs  int64
		correctedBy sql.NullString
		correctedAt sql.NullString
	)
	err := row.Scan(&e.Seq, &e.ID, &e.CustomerID, &performedBy, &cost, &occurredS, &occurredNs, &correctedBy, &correctedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan service event: %w", err)
	}

	e.Cost, err = decimal.NewFromString(cost)
	if err != nil {
		return servicing.ServiceEvent{}, fmt.Errorf("service event %s: bad cost %q: %w", e.ID, cost, err)
	}
	e.PerformedBy = performedBy.String
	e.OccurredAt = time.Unix(occurredS, occurredNs).UTC()
	e.CorrectedBy = correctedBy.String
	if correctedAt.Valid {
		t := parseTime(correctedAt.String)
		e.CorrectedAt = &t
	}
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(servicing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SaveCustomer(ctx context.Context, c servicing.Customer) error {
	return saveCustomer(ctx, ts.tx, c)
}

func (ts *txStore) UpdateCustomer(ctx context.Context, c servicing.Customer) error {
	return updateCustomer(ctx, ts.tx, c)
}

func (ts *txStore) GetCustomer(ctx context.Context, id servicing.CustomerID) (servicing.Customer, error) {
	return getCustomer(ctx, ts.tx, id)
}

func (ts *txStore) ListCustomers(ctx context.Context) ([]servicing.Customer, error) {
	return listCustomers(ctx, ts.tx)
}

func (ts *txStore) DeleteCustomer(ctx context.Context, id servicing.CustomerID) error {
	return deleteCustomer(ctx, ts.tx, id)
}

func (ts *txStore) AppendEvent(ctx context.Context, e servicing.ServiceEvent) (servicing.ServiceEvent, error) {
	return appendEvent(ctx, ts.tx, e)
}

func (ts *txStore) LoadEvents(ctx context.Context, id servicing.CustomerID) ([]servicing.ServiceEvent, error) {
	return loadEvents(ctx, ts.tx, id)
}

func (ts *txStore) LatestEvent(ctx context.Context, id servicing.CustomerID) (servicing.ServiceEvent, bool, error) {
	return latestEvent(ctx, ts.tx, id)
}

func (ts *txStore) GetEvent(ctx context.Context, id servicing.EventID) (servicing.ServiceEvent, error) {
	return getEvent(ctx, ts.tx, id)
}

func (ts *txStore) UpdateEventCost(ctx context.Context, id servicing.EventID, cost decimal.Decimal, actor string, at time.Time) (servicing.ServiceEvent, error) {
	return updateEventCost(ctx, ts.tx, id, cost, actor, at)
}

func (ts *txStore) DeleteEvent(ctx context.Context, id servicing.EventID) error {
	return deleteEvent(ctx, ts.tx, id)
}

// Nested transactions join the outer one.
func (ts *txStore) WithTx(_ context.Context, fn func(servicing.Store) error) error {
	return fn(ts)
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

// SweepRun records one overdue sweep.
type SweepRun struct {
	ID               string
	AsOf             servicing.Date
	Status           string // running, completed, failed
	CustomersChecked int
	Overdue          int
	Error            string
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// SaveSweepRun inserts or updates a sweep run.
func (s *Store) SaveSweepRun(ctx context.Context, r SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO sweep_runs (id, as_of, status, customers_checked, overdue, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			customers_checked = excluded.customers_checked,
			overdue = excluded.overdue,
			error = excluded.error,
			completed_at = excluded.completed_at
	`
	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = nullString(formatTime(*r.CompletedAt))
	}
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.AsOf.String(), r.Status, r.CustomersChecked, r.Overdue,
		nullString(r.Error), formatTime(r.StartedAt), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save sweep run: %w", err)
	}
	return nil
}

// ListSweepRuns returns the most recent runs first.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, as_of, status, customers_checked, overdue, error, started_at, completed_at
		FROM sweep_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep runs: %w", err)
	}
	defer rows.Close()

	var runs []SweepRun
	for rows.Next() {
		var (
			r           SweepRun
			asOf        string
			errText     sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &asOf, &r.Status, &r.CustomersChecked, &r.Overdue, &errText, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sweep run: %w", err)
		}
		r.AsOf, _ = servicing.ParseDate(asOf)
		r.Error = errText.String
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"service_events", "customers", "sweep_runs"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is fixed width so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error, column string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return strings.Contains(sqliteErr.Error(), column)
}
