package servicing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/service-engine/servicing"
	"github.com/warp/service-engine/servicing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var march1 = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestEngine() (*servicing.Engine, *store.Memory) {
	mem := store.NewMemory()
	return servicing.NewEngine(mem, fixedClock(march1)), mem
}

func register(t *testing.T, e *servicing.Engine, email, cadence string) servicing.Customer {
	t.Helper()
	c, err := e.RegisterCustomer(context.Background(), servicing.NewCustomerInput{
		Name:    "Customer " + email,
		Address: "1 Main St",
		Phone:   "+1-555-0100",
		Email:   email,
		Cadence: cadence,
	}, march1)
	require.NoError(t, err)
	return c
}

func cost(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func at(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 10, 0, 0, 0, time.UTC)
}

// =============================================================================
// SCHEDULE
// =============================================================================

func TestSchedule_WeeklyFromLastService(t *testing.T) {
	// GIVEN: A weekly customer last serviced on 2024-01-01
	last := servicing.ServiceEvent{OccurredAt: at(2024, time.January, 1)}

	// WHEN: Computing the due date
	due, err := servicing.Schedule(servicing.Weekly, &last, servicing.NewDate(2024, time.January, 2))
	require.NoError(t, err)

	// THEN: Due on 2024-01-08, not overdue
	assert.True(t, due.Scheduled())
	assert.Equal(t, "2024-01-08", due.Date.String())
	assert.False(t, due.Overdue)
}

func TestSchedule_TodayOnlyFlagsOverdue(t *testing.T) {
	last := servicing.ServiceEvent{OccurredAt: at(2024, time.January, 1)}

	early, err := servicing.Schedule(servicing.Monthly, &last, servicing.NewDate(2024, time.January, 5))
	require.NoError(t, err)
	late, err := servicing.Schedule(servicing.Monthly, &last, servicing.NewDate(2024, time.June, 5))
	require.NoError(t, err)

	// Same due date regardless of today
	assert.Equal(t, early.Date, late.Date)
	assert.Equal(t, "2024-01-31", late.Date.String())
	assert.False(t, early.Overdue)
	assert.True(t, late.Overdue)

	// Due today is not overdue
	onDay, err := servicing.Schedule(servicing.Monthly, &last, servicing.NewDate(2024, time.January, 31))
	require.NoError(t, err)
	assert.False(t, onDay.Overdue)
}

func TestSchedule_NoHistory(t *testing.T) {
	due, err := servicing.Schedule(servicing.Daily, nil, servicing.NewDate(2024, time.January, 1))
	require.NoError(t, err)
	assert.Equal(t, servicing.NotYetScheduled, due)
	assert.False(t, due.Scheduled())
}

func TestSchedule_UnknownCadenceRejectedEvenWithoutHistory(t *testing.T) {
	_, err := servicing.Schedule(servicing.Cadence(9), nil, servicing.NewDate(2024, time.January, 1))
	assert.ErrorIs(t, err, servicing.ErrUnknownPolicy)
}

// =============================================================================
// NEXT DUE DATE
// =============================================================================

func TestNextDueDate_NewCustomerThenFirstService(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	// GIVEN: A freshly registered customer on the default cadence
	c := register(t, engine, "new@example.com", "")

	// WHEN: Asking for the next due date before any service
	due, err := engine.NextDueDate(ctx, c.ID, servicing.DateOf(march1))

	// THEN: Not yet scheduled, not an error
	require.NoError(t, err)
	assert.Equal(t, servicing.StatusNotYetScheduled, due.Status)

	// WHEN: A service of 5000 is recorded on 2024-03-01
	rec, err := engine.Record(ctx, servicing.Submission{
		CustomerID: c.ID,
		Cost:       cost("5000"),
	}, march1)
	require.NoError(t, err)
	require.True(t, rec.Recorded())
	assert.Equal(t, c.ID, rec.Customer.ID)
	assert.Equal(t, "Customer new@example.com - 2024-03-01 - 5000.00", rec.Event.Describe(rec.Customer.Name))

	// THEN: Next due is 2024-03-08
	due, err = engine.NextDueDate(ctx, c.ID, servicing.DateOf(march1))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-08", due.Date.String())
	require.NotNil(t, due.Last)
	assert.Equal(t, rec.Event.ID, due.Last.ID)
}

func TestNextDueDate_UnknownCustomer(t *testing.T) {
	engine, _ := newTestEngine()
	_, err := engine.NextDueDate(context.Background(), "missing", servicing.DateOf(march1))
	assert.ErrorIs(t, err, servicing.ErrUnknownCustomer)
	assert.True(t, servicing.IsNotFound(err))
}

func TestNextDueDate_FollowsCadenceChange(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()
	c := register(t, engine, "change@example.com", "weekly")

	_, err := engine.Record(ctx, servicing.Submission{CustomerID: c.ID, Cost: cost("10")}, march1)
	require.NoError(t, err)

	_, err = engine.ChangeCadence(ctx, c.ID, servicing.Quarterly, march1)
	require.NoError(t, err)

	due, err := engine.NextDueDate(ctx, c.ID, servicing.DateOf(march1))
	require.NoError(t, err)
	assert.Equal(t, "2024-05-30", due.Date.String())

	_, err = engine.ChangeCadence(ctx, c.ID, servicing.Cadence(0), march1)
	assert.ErrorIs(t, err, servicing.ErrUnknownPolicy)
}

// readHookStore runs onRead once, right after the first customer read.
type readHookStore struct {
	servicing.Store
	once   sync.Once
	onRead func()
}

func (s *readHookStore) GetCustomer(ctx context.Context, id servicing.CustomerID) (servicing.Customer, error) {
	c, err := s.Store.GetCustomer(ctx, id)
	if s.onRead != nil {
		s.once.Do(s.onRead)
	}
	return c, err
}

func TestChangeCadence_ConcurrentDeleteStaysDeleted(t *testing.T) {
	ctx := context.Background()
	hooked := &readHookStore{Store: store.NewMemory()}
	engine := servicing.NewEngine(hooked, fixedClock(march1))

	// GIVEN: A serviced customer
	c := register(t, engine, "race@example.com", "weekly")
	_, err := engine.Ledger.Append(ctx, servicing.ServiceEvent{CustomerID: c.ID, Cost: cost("10")})
	require.NoError(t, err)

	// WHEN: A delete is issued while the cadence change has read the customer
	var removed int
	deleted := make(chan error, 1)
	hooked.onRead = func() {
		go func() {
			n, err := engine.DeleteCustomer(ctx, c.ID)
			removed = n
			deleted <- err
		}()
	}
	_, err = engine.ChangeCadence(ctx, c.ID, servicing.Monthly, march1)
	require.NoError(t, err)
	require.NoError(t, <-deleted)

	// THEN: The delete is not undone by the cadence write
	assert.Equal(t, 1, removed)
	_, err = engine.Customer(ctx, c.ID)
	assert.ErrorIs(t, err, servicing.ErrUnknownCustomer)

	// AND: Changing the cadence of the deleted customer fails
	_, err = engine.ChangeCadence(ctx, c.ID, servicing.Daily, march1)
	assert.ErrorIs(t, err, servicing.ErrUnknownCustomer)
	_, err = engine.Customer(ctx, c.ID)
	assert.ErrorIs(t, err, servicing.ErrUnknownCustomer)
}

func TestNextDueDate_CorruptedCadenceSurfaces(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine()
	c := register(t, engine, "corrupt@example.com", "")

	c.Cadence = servicing.Cadence(77)
	require.NoError(t, mem.SaveCustomer(ctx, c))

	_, err := engine.NextDueDate(ctx, c.ID, servicing.DateOf(march1))
	assert.ErrorIs(t, err, servicing.ErrUnknownPolicy)
}

// =============================================================================
// VALIDATION AND RECORD
// =============================================================================

func TestValidateNewEntry_ReportsAllViolations(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine()

	// GIVEN: A customer whose reference date is one day in the future
	c := register(t, engine, "future@example.com", "")
	c.EstablishedOn = &servicing.ReferenceDate{Date: servicing.DateOf(march1).AddDays(1)}
	require.NoError(t, mem.SaveCustomer(ctx, c))

	// WHEN: Validating a negative cost
	verdict, err := engine.ValidateNewEntry(ctx, c, cost("-5"), nil, march1)
	require.NoError(t, err)

	// THEN: Exactly two violations, both blocking
	assert.False(t, verdict.OK())
	require.Len(t, verdict.Violations, 2)
	assert.True(t, verdict.Has(servicing.CodeCostNotPositive))
	assert.True(t, verdict.Has(servicing.CodeReferenceDateInFuture))

	// AND: Record writes nothing
	rec, err := engine.Record(ctx, servicing.Submission{CustomerID: c.ID, Cost: cost("-5")}, march1)
	require.NoError(t, err)
	assert.False(t, rec.Recorded())
	assert.Len(t, rec.Verdict.Errors(), 2)

	events, err := engine.Ledger.Events(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, events)

	// AND: A reference date of today is not in the future
	c.EstablishedOn = &servicing.ReferenceDate{Date: servicing.DateOf(march1)}
	verdict, err = engine.ValidateNewEntry(ctx, c, cost("-5"), nil, march1)
	require.NoError(t, err)
	require.Len(t, verdict.Violations, 1)
	assert.True(t, verdict.Has(servicing.CodeCostNotPositive))
}

func TestRecord_InvalidReferenceDateText(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine()
	c := register(t, engine, "badref@example.com", "")
	c.EstablishedOn = servicing.ReferenceDateFromText("31/12/2020")
	require.NoError(t, mem.SaveCustomer(ctx, c))

	rec, err := engine.Record(ctx, servicing.Submission{CustomerID: c.ID, Cost: cost("20")}, march1)
	require.NoError(t, err)
	assert.False(t, rec.Recorded())
	assert.True(t, rec.Verdict.Has(servicing.CodeReferenceDateInvalid))
}

func TestRecord_OutOfOrderIsAWarning(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()
	c := register(t, engine, "order@example.com", "weekly")

	feb20 := at(2024, time.February, 20)
	feb10 := at(2024, time.February, 10)

	_, err := engine.Record(ctx, servicing.Submission{CustomerID: c.ID, Cost: cost("30"), OccurredAt: &feb20}, march1)
	require.NoError(t, err)

	// WHEN: Recording an entry older than the latest
	rec, err := engine.Record(ctx, servicing.Submission{CustomerID: c.ID, Cost: cost("30"), OccurredAt: &feb10}, march1)
	require.NoError(t, err)

	// THEN: Accepted with a warning, latest is unchanged
	require.True(t, rec.Recorded())
	assert.True(t, rec.Verdict.OK())
	assert.True(t, rec.Verdict.Has(servicing.CodeOutOfOrder))

	latest, err := engine.LastService(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, feb20, latest.OccurredAt)

	due, err := engine.NextDueDate(ctx, c.ID, servicing.DateOf(march1))
	require.NoError(t, err)
	assert.Equal(t, "2024-02-27", due.Date.String())
	assert.True(t, due.Overdue)
}

func TestRecord_UnknownCustomer(t *testing.T) {
	engine, _ := newTestEngine()
	_, err := engine.Record(context.Background(), servicing.Submission{CustomerID: "nobody", Cost: cost("1")}, march1)
	assert.ErrorIs(t, err, servicing.ErrUnknownCustomer)
}

func TestLastService_NoHistory(t *testing.T) {
	engine, _ := newTestEngine()
	c := register(t, engine, "empty@example.com", "")

	_, err := engine.LastService(context.Background(), c.ID)
	assert.ErrorIs(t, err, servicing.ErrNoHistory)
}

// =============================================================================
// CUSTOMERS AND OVERDUE
// =============================================================================

func TestRegisterCustomer_DuplicateEmail(t *testing.T) {
	engine, _ := newTestEngine()
	register(t, engine, "dup@example.com", "")

	_, err := engine.RegisterCustomer(context.Background(), servicing.NewCustomerInput{
		Name: "Other", Address: "2 Main St", Phone: "1", Email: "DUP@example.com",
	}, march1)
	assert.ErrorIs(t, err, servicing.ErrDuplicateEmail)
}

func TestCustomers_NewestFirst(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	for i, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		_, err := engine.RegisterCustomer(ctx, servicing.NewCustomerInput{
			Name: email, Address: "x", Phone: "1", Email: email,
		}, march1.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	customers, err := engine.Customers(ctx)
	require.NoError(t, err)
	require.Len(t, customers, 3)
	assert.Equal(t, "c@example.com", customers[0].Email)
	assert.Equal(t, "a@example.com", customers[2].Email)
}

func TestOverdue_SortedByDueDate(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	daily := register(t, engine, "daily@example.com", "daily")
	weekly := register(t, engine, "weekly@example.com", "weekly")
	yearly := register(t, engine, "yearly@example.com", "yearly")
	register(t, engine, "never@example.com", "daily")

	feb1 := at(2024, time.February, 1)
	feb25 := at(2024, time.February, 25)
	for _, sub := range []servicing.Submission{
		{CustomerID: daily.ID, Cost: cost("5"), OccurredAt: &feb25},
		{CustomerID: weekly.ID, Cost: cost("5"), OccurredAt: &feb1},
		{CustomerID: yearly.ID, Cost: cost("5"), OccurredAt: &feb1},
	} {
		_, err := engine.Record(ctx, sub, march1)
		require.NoError(t, err)
	}

	reports, err := engine.Overdue(ctx, servicing.DateOf(march1))
	require.NoError(t, err)

	// weekly due 02-08, daily due 02-26; yearly not due; never-serviced excluded
	require.Len(t, reports, 2)
	assert.Equal(t, weekly.ID, reports[0].Customer.ID)
	assert.Equal(t, "2024-02-08", reports[0].Due.Date.String())
	assert.Equal(t, daily.ID, reports[1].Customer.ID)
}
