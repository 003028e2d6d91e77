// Package store provides servicing.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/service-engine/servicing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	customers map[servicing.CustomerID]servicing.Customer
	events    map[servicing.CustomerID][]servicing.ServiceEvent // newest first
	owners    map[servicing.EventID]servicing.CustomerID
	seq       int64
}

func NewMemory() *Memory {
	return &Memory{
		customers: make(map[servicing.CustomerID]servicing.Customer),
		events:    make(map[servicing.CustomerID][]servicing.ServiceEvent),
		owners:    make(map[servicing.EventID]servicing.CustomerID),
	}
}

// Compile-time check
var _ servicing.Store = (*Memory)(nil)

func (m *Memory) SaveCustomer(_ context.Context, c servicing.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCustomerLocked(c)
}

func (m *Memory) UpdateCustomer(_ context.Context, c servicing.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCustomerLocked(c)
}

func (m *Memory) GetCustomer(_ context.Context, id servicing.CustomerID) (servicing.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCustomerLocked(id)
}

func (m *Memory) ListCustomers(_ context.Context) ([]servicing.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCustomersLocked(), nil
}

func (m *Memory) DeleteCustomer(_ context.Context, id servicing.CustomerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteCustomerLocked(id)
}

// AppendEvent inserts the event at its newest-first position.
func (m *Memory) AppendEvent(_ context.Context, e servicing.ServiceEvent) (servicing.ServiceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) LoadEvents(_ context.Context, id servicing.CustomerID) ([]servicing.ServiceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(id), nil
}

func (m *Memory) LatestEvent(_ context.Context, id servicing.CustomerID) (servicing.ServiceEvent, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLocked(id)
}

func (m *Memory) GetEvent(_ context.Context, id servicing.EventID) (servicing.ServiceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, _, err := m.findLocked(id)
	return e, err
}

func (m *Memory) UpdateEventCost(_ context.Context, id servicing.EventID, cost decimal.Decimal, actor string, at time.Time) (servicing.ServiceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCostLocked(id, cost, actor, at)
}

func (m *Memory) DeleteEvent(_ context.Context, id servicing.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteEventLocked(id)
}

// =============================================================================
// LOCKED HELPERS - Caller holds mu
// =============================================================================

func (m *Memory) saveCustomerLocked(c servicing.Customer) error {
	for id, existing := range m.customers {
		if id != c.ID && existing.Email == c.Email {
			return servicing.ErrDuplicateEmail
		}
	}
	if existing, ok := m.customers[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	m.customers[c.ID] = c
	return nil
}

func (m *Memory) updateCustomerLocked(c servicing.Customer) error {
	if _, ok := m.customers[c.ID]; !ok {
		return servicing.ErrUnknownCustomer
	}
	return m.saveCustomerLocked(c)
}

func (m *Memory) getCustomerLocked(id servicing.CustomerID) (servicing.Customer, error) {
	c, ok := m.customers[id]
	if !ok {
		return servicing.Customer{}, servicing.ErrUnknownCustomer
	}
	return c, nil
}

func (m *Memory) listCustomersLocked() []servicing.Customer {
	result := make([]servicing.Customer, 0, len(m.customers))
	for _, c := range m.customers {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) deleteCustomerLocked(id servicing.CustomerID) error {
	if _, ok := m.customers[id]; !ok {
		return servicing.ErrUnknownCustomer
	}
	delete(m.customers, id)
	return nil
}

func (m *Memory) appendLocked(e servicing.ServiceEvent) (servicing.ServiceEvent, error) {
	m.seq++
	e.Seq = m.seq

	events := m.events[e.CustomerID]

	// Binary search for the first event older than e
	i := sort.Search(len(events), func(i int) bool {
		return e.NewerThan(events[i])
	})

	events = append(events, servicing.ServiceEvent{})
	copy(events[i+1:], events[i:])
	events[i] = e
	m.events[e.CustomerID] = events
	m.owners[e.ID] = e.CustomerID
	return e, nil
}

func (m *Memory) loadLocked(id servicing.CustomerID) []servicing.ServiceEvent {
	result := make([]servicing.ServiceEvent, len(m.events[id]))
	copy(result, m.events[id])
	return result
}

func (m *Memory) latestLocked(id servicing.CustomerID) (servicing.ServiceEvent, bool, error) {
	events := m.events[id]
	if len(events) == 0 {
		return servicing.ServiceEvent{}, false, nil
	}
	return events[0], true, nil
}

func (m *Memory) findLocked(id servicing.EventID) (servicing.ServiceEvent, int, error) {
	owner, ok := m.owners[id]
	if !ok {
		return servicing.ServiceEvent{}, -1, servicing.ErrEventNotFound
	}
	for i, e := range m.events[owner] {
		if e.ID == id {
			return e, i, nil
		}
	}
	return servicing.ServiceEvent{}, -1, servicing.ErrEventNotFound
}

func (m *Memory) updateCostLocked(id servicing.EventID, cost decimal.Decimal, actor string, at time.Time) (servicing.ServiceEvent, error) {
	e, i, err := m.findLocked(id)
	if err != nil {
		return servicing.ServiceEvent{}, err
	}
	e.Cost = cost
	e.CorrectedBy = actor
	e.CorrectedAt = &at
	m.events[e.CustomerID][i] = e
	return e, nil
}

func (m *Memory) deleteEventLocked(id servicing.EventID) error {
	e, i, err := m.findLocked(id)
	if err != nil {
		return err
	}
	events := m.events[e.CustomerID]
	m.events[e.CustomerID] = append(events[:i:i], events[i+1:]...)
	if len(m.events[e.CustomerID]) == 0 {
		delete(m.events, e.CustomerID)
	}
	delete(m.owners, id)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn under the store's write lock.
// Simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(servicing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	customers map[servicing.CustomerID]servicing.Customer
	events    map[servicing.CustomerID][]servicing.ServiceEvent
	owners    map[servicing.EventID]servicing.CustomerID
	seq       int64
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		customers: make(map[servicing.CustomerID]servicing.Customer, len(m.customers)),
		events:    make(map[servicing.CustomerID][]servicing.ServiceEvent, len(m.events)),
		owners:    make(map[servicing.EventID]servicing.CustomerID, len(m.owners)),
		seq:       m.seq,
	}
	for k, v := range m.customers {
		s.customers[k] = v
	}
	for k, v := range m.events {
		s.events[k] = append([]servicing.ServiceEvent{}, v...)
	}
	for k, v := range m.owners {
		s.owners[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.customers = s.customers
	m.events = s.events
	m.owners = s.owners
	m.seq = s.seq
}

// txView is the Store handed to WithTx callbacks. The parent lock is
// already held.
type txView struct {
	parent *Memory
}

func (tv *txView) SaveCustomer(_ context.Context, c servicing.Customer) error {
	return tv.parent.saveCustomerLocked(c)
}

func (tv *txView) UpdateCustomer(_ context.Context, c servicing.Customer) error {
	return tv.parent.updateCustomerLocked(c)
}

func (tv *txView) GetCustomer(_ context.Context, id servicing.CustomerID) (servicing.Customer, error) {
	return tv.parent.getCustomerLocked(id)
}

func (tv *txView) ListCustomers(_ context.Context) ([]servicing.Customer, error) {
	return tv.parent.listCustomersLocked(), nil
}

func (tv *txView) DeleteCustomer(_ context.Context, id servicing.CustomerID) error {
	return tv.parent.deleteCustomerLocked(id)
}

func (tv *txView) AppendEvent(_ context.Context, e servicing.ServiceEvent) (servicing.ServiceEvent, error) {
	return tv.parent.appendLocked(e)
}

func (tv *txView) LoadEvents(_ context.Context, id servicing.CustomerID) ([]servicing.ServiceEvent, error) {
	return tv.parent.loadLocked(id), nil
}

func (tv *txView) LatestEvent(_ context.Context, id servicing.CustomerID) (servicing.ServiceEvent, bool, error) {
	return tv.parent.latestLocked(id)
}

func (tv *txView) GetEvent(_ context.Context, id servicing.EventID) (servicing.ServiceEvent, error) {
	e, _, err := tv.parent.findLocked(id)
	return e, err
}

func (tv *txView) UpdateEventCost(_ context.Context, id servicing.EventID, cost decimal.Decimal, actor string, at time.Time) (servicing.ServiceEvent, error) {
	return tv.parent.updateCostLocked(id, cost, actor, at)
}

func (tv *txView) DeleteEvent(_ context.Context, id servicing.EventID) error {
	return tv.parent.deleteEventLocked(id)
}

func (tv *txView) WithTx(_ context.Context, fn func(servicing.Store) error) error {
	return fn(tv)
}
