/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Customer registration, listing, cadence changes, cascade delete
- Validated service appends (201 / 422) and dry-run validation
- Next due date and overdue listing
- Cost correction and event removal
- Error mapping (statusFor)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/service-engine/servicing"
	"github.com/warp/service-engine/store/sqlite"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Handler, *chi.Mux) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store, zaptest.NewLogger(t), func() time.Time { return testNow })
	return h, NewRouter(h, RouterOptions{})
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func createCustomer(t *testing.T, router http.Handler, email, cadence string) CustomerDTO {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/customers", CreateCustomerRequest{
		Name:    "Customer " + email,
		Address: "1 Main St",
		Phone:   "+1-555-0100",
		Email:   email,
		Cadence: cadence,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CustomerDTO](t, rec)
}

func recordService(t *testing.T, router http.Handler, customerID string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, http.MethodPost, "/api/customers/"+customerID+"/services", body)
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func TestCreateCustomer_DefaultsAndFetch(t *testing.T) {
	_, router := newTestServer(t)

	// GIVEN: A customer registered without a cadence
	c := createCustomer(t, router, "Alice@Example.com", "")

	// THEN: Weekly by default, email normalized
	assert.Equal(t, "weekly", c.Cadence)
	assert.Equal(t, "Weekly", c.CadenceLabel)
	assert.Equal(t, 7, c.CadenceDays)
	assert.Equal(t, "alice@example.com", c.Email)

	// WHEN: Fetching it
	rec := do(t, router, http.MethodGet, "/api/customers/"+c.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[CustomerDTO](t, rec)

	// THEN: Next due is not yet scheduled
	require.NotNil(t, got.NextDue)
	assert.Equal(t, "not_yet_scheduled", got.NextDue.Status)
	assert.Empty(t, got.NextDue.Date)
}

func TestCreateCustomer_Errors(t *testing.T) {
	_, router := newTestServer(t)
	createCustomer(t, router, "taken@example.com", "")

	// Duplicate email
	rec := do(t, router, http.MethodPost, "/api/customers", CreateCustomerRequest{
		Name: "Dup", Address: "x", Phone: "1", Email: "taken@example.com",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown cadence
	rec = do(t, router, http.MethodPost, "/api/customers", CreateCustomerRequest{
		Name: "Hourly", Address: "x", Phone: "1", Email: "hourly@example.com", Cadence: "hourly",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Field errors are reported together
	rec = do(t, router, http.MethodPost, "/api/customers", CreateCustomerRequest{
		Address: "x", Phone: "1", Email: "nope", EstablishedDate: "2099-01-01",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "required", resp.Fields["name"])
	assert.Equal(t, "email", resp.Fields["email"])
	assert.Equal(t, "reference_date_in_future", resp.Fields["established_date"])

	// Malformed body
	req := httptest.NewRequest(http.MethodPost, "/api/customers", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestGetCustomer_NotFound(t *testing.T) {
	_, router := newTestServer(t)

	for _, path := range []string{
		"/api/customers/missing",
		"/api/customers/missing/services",
		"/api/customers/missing/services/latest",
		"/api/customers/missing/next-due",
	} {
		rec := do(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestChangeCadence(t *testing.T) {
	_, router := newTestServer(t)
	c := createCustomer(t, router, "cad@example.com", "weekly")

	rec := do(t, router, http.MethodPut, "/api/customers/"+c.ID+"/cadence", ChangeCadenceRequest{Cadence: "Yearly"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yearly", decode[CustomerDTO](t, rec).Cadence)

	rec = do(t, router, http.MethodPut, "/api/customers/"+c.ID+"/cadence", ChangeCadenceRequest{Cadence: "sometimes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPut, "/api/customers/"+c.ID+"/cadence", ChangeCadenceRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCustomers(t *testing.T) {
	_, router := newTestServer(t)

	rec := do(t, router, http.MethodGet, "/api/customers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]CustomerDTO](t, rec))

	createCustomer(t, router, "one@example.com", "")
	createCustomer(t, router, "two@example.com", "")

	rec = do(t, router, http.MethodGet, "/api/customers", nil)
	assert.Len(t, decode[[]CustomerDTO](t, rec), 2)
}

// =============================================================================
// SERVICE HISTORY
// =============================================================================

func TestRecordService_ThenNextDue(t *testing.T) {
	_, router := newTestServer(t)
	c := createCustomer(t, router, "svc@example.com", "")

	// WHEN: Recording a service of 5000 at the current time
	rec := recordService(t, router, c.ID, map[string]any{"cost": 5000, "performed_by": "tech-7"})

	// THEN: 201 with the stored event
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[RecordServiceResponse](t, rec)
	require.NotNil(t, resp.Event)
	assert.Equal(t, "5000.00", resp.Event.Cost)
	assert.Equal(t, "2024-03-01", resp.Event.Date)
	assert.True(t, resp.Verdict.OK)
	assert.Equal(t, "Customer svc@example.com - 2024-03-01 - 5000.00", resp.Event.Description)

	// AND: Next due is a week later
	rec = do(t, router, http.MethodGet, "/api/customers/"+c.ID+"/next-due", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	due := decode[DueDateDTO](t, rec)
	assert.Equal(t, "scheduled", due.Status)
	assert.Equal(t, "2024-03-08", due.Date)
	assert.False(t, due.Overdue)

	// AND: Overdue when asked about a later day
	rec = do(t, router, http.MethodGet, "/api/customers/"+c.ID+"/next-due?today=2024-03-10", nil)
	due = decode[DueDateDTO](t, rec)
	assert.True(t, due.Overdue)
	assert.Equal(t, 2, due.DaysOverdue)

	rec = do(t, router, http.MethodGet, "/api/customers/"+c.ID+"/next-due?today=10-03-2024", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordService_BlockedByVerdict(t *testing.T) {
	_, router := newTestServer(t)
	c := createCustomer(t, router, "neg@example.com", "")

	rec := recordService(t, router, c.ID, map[string]any{"cost": "-5"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[RecordServiceResponse](t, rec)
	assert.Nil(t, resp.Event)
	assert.False(t, resp.Verdict.OK)
	require.Len(t, resp.Verdict.Errors, 1)
	assert.Equal(t, "cost_not_positive", resp.Verdict.Errors[0].Code)
	assert.Equal(t, "Cost cannot be negative", resp.Verdict.Errors[0].Message)

	rec = do(t, router, http.MethodGet, "/api/customers/"+c.ID+"/services", nil)
	assert.Empty(t, decode[[]ServiceEventDTO](t, rec))
}

func TestRecordService_OutOfOrderWarning(t *testing.T) {
	_, router := newTestServer(t)
	c := createCustomer(t, router, "late@example.com", "")

	rec := recordService(t, router, c.ID, map[string]any{"cost": 10, "occurred_at": "2024-02-20T10:00:00Z"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = recordService(t, router, c.ID, map[string]any{"cost": 10, "occurred_at": "2024-02-10T10:00:00Z"})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[RecordServiceResponse](t, rec)
	require.Len(t, resp.Verdict.Warnings, 1)
	assert.Equal(t, "timestamp_out_of_order", resp.Verdict.Warnings[0].Code)

	// History is newest first; latest is the 02-20 entry
	rec = do(t, router, http.MethodGet, "/api/customers/"+c.ID+"/services", nil)
	events := decode[[]ServiceEventDTO](t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, "2024-02-20", events[0].Date)

	rec = do(t, router, http.MethodGet, "/api/customers/"+c.ID+"/services/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-02-20", decode[ServiceEventDTO](t, rec).Date)
}

func TestValidateService_WritesNothing(t *testing.T) {
	_, router := newTestServer(t)
	c := createCustomer(t, router, "dry@example.com", "")

	rec := do(t, router, http.MethodPost, "/api/customers/"+c.ID+"/services/validate", map[string]any{"cost": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	verdict := decode[VerdictDTO](t, rec)
	assert.False(t, verdict.OK)

	rec = do(t, router, http.MethodPost, "/api/customers/"+c.ID+"/services/validate", map[string]any{"cost": "12.5"})
	assert.True(t, decode[VerdictDTO](t, rec).OK)

	rec = do(t, router, http.MethodGet, "/api/customers/"+c.ID+"/services/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCorrectCostAndDeleteService(t *testing.T) {
	_, router := newTestServer(t)
	c := createCustomer(t, router, "fix@example.com", "")
	rec := recordService(t, router, c.ID, map[string]any{"cost": 100})
	event := decode[RecordServiceResponse](t, rec).Event
	require.NotNil(t, event)

	// Missing actor
	rec = do(t, router, http.MethodPatch, "/api/services/"+event.ID, map[string]any{"cost": 80})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Non-positive cost
	rec = do(t, router, http.MethodPatch, "/api/services/"+event.ID, map[string]any{"cost": 0, "actor": "ops"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPatch, "/api/services/"+event.ID, map[string]any{"cost": "80.5", "actor": "ops"})
	require.Equal(t, http.StatusOK, rec.Code)
	fixed := decode[ServiceEventDTO](t, rec)
	assert.Equal(t, "80.50", fixed.Cost)
	assert.Equal(t, "ops", fixed.CorrectedBy)

	rec = do(t, router, http.MethodPatch, "/api/services/missing", map[string]any{"cost": 1, "actor": "ops"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodDelete, "/api/services/"+event.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, router, http.MethodDelete, "/api/services/"+event.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteCustomer_Cascade(t *testing.T) {
	_, router := newTestServer(t)
	c := createCustomer(t, router, "bye@example.com", "")
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusCreated, recordService(t, router, c.ID, map[string]any{"cost": 10}).Code)
	}

	rec := do(t, router, http.MethodDelete, "/api/customers/"+c.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[DeleteCustomerResponse](t, rec).EventsRemoved)

	rec = do(t, router, http.MethodGet, "/api/customers/"+c.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// DUE DATES AND SWEEPS
// =============================================================================

func TestListDue(t *testing.T) {
	_, router := newTestServer(t)
	daily := createCustomer(t, router, "daily@example.com", "daily")
	monthly := createCustomer(t, router, "monthly@example.com", "monthly")
	createCustomer(t, router, "never@example.com", "daily")

	recordService(t, router, daily.ID, map[string]any{"cost": 5, "occurred_at": "2024-02-27T09:00:00Z"})
	recordService(t, router, monthly.ID, map[string]any{"cost": 5, "occurred_at": "2024-02-27T09:00:00Z"})

	rec := do(t, router, http.MethodGet, "/api/due?today=2024-03-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[DueListResponse](t, rec)
	assert.Equal(t, "2024-03-01", resp.AsOf)
	require.Len(t, resp.Customers, 1)
	assert.Equal(t, daily.ID, resp.Customers[0].Customer.ID)
	assert.Equal(t, "2024-02-28", resp.Customers[0].Due.Date)
	assert.Equal(t, 2, resp.Customers[0].Due.DaysOverdue)

	rec = do(t, router, http.MethodGet, "/api/due?today=bad", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunSweep_PersistsRun(t *testing.T) {
	_, router := newTestServer(t)
	c := createCustomer(t, router, "sweep@example.com", "daily")
	recordService(t, router, c.ID, map[string]any{"cost": 5, "occurred_at": "2024-02-20T09:00:00Z"})

	rec := do(t, router, http.MethodPost, "/api/sweeps/run?today=2024-03-01", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[SweepRunDTO](t, rec)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 1, run.CustomersChecked)
	assert.Equal(t, 1, run.Overdue)

	rec = do(t, router, http.MethodGet, "/api/sweeps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]SweepRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	rec = do(t, router, http.MethodGet, "/api/sweeps?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDueSweeper_StartStop(t *testing.T) {
	h, _ := newTestServer(t)

	assert.Error(t, h.Sweeper.Start("not a cron spec"))
	assert.False(t, h.Sweeper.Running())

	require.NoError(t, h.Sweeper.Start("@every 1h"))
	assert.True(t, h.Sweeper.Running())
	assert.Error(t, h.Sweeper.Start("@every 1h"), "already started")

	h.Sweeper.Stop(context.Background())
	assert.False(t, h.Sweeper.Running())
}

// =============================================================================
// SCENARIOS AND MISC
// =============================================================================

func TestScenarios_LoadAndReset(t *testing.T) {
	_, router := newTestServer(t)

	rec := do(t, router, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ScenarioDTO](t, rec)
	require.Len(t, list, len(scenarios))

	for _, s := range list {
		rec = do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: s.ID})
		require.Equal(t, http.StatusOK, rec.Code, s.ID+": "+rec.Body.String())

		rec = do(t, router, http.MethodGet, "/api/customers", nil)
		assert.NotEmpty(t, decode[[]CustomerDTO](t, rec), s.ID)

		rec = do(t, router, http.MethodGet, "/api/scenarios/current", nil)
		assert.Equal(t, s.ID, decode[map[string]string](t, rec)["scenario_id"])
	}

	// weekly-route has exactly one overdue customer
	do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "weekly-route"})
	rec = do(t, router, http.MethodGet, "/api/due", nil)
	due := decode[DueListResponse](t, rec)
	require.Len(t, due.Customers, 1)
	assert.Equal(t, "alice@example.com", due.Customers[0].Customer.Email)

	rec = do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, router, http.MethodGet, "/api/customers", nil)
	assert.Empty(t, decode[[]CustomerDTO](t, rec))
}

func TestHealthz(t *testing.T) {
	_, router := newTestServer(t)
	rec := do(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{servicing.ErrUnknownCustomer, http.StatusNotFound},
		{servicing.ErrEventNotFound, http.StatusNotFound},
		{servicing.ErrNoHistory, http.StatusNotFound},
		{servicing.ErrDuplicateEmail, http.StatusConflict},
		{servicing.ErrUnknownPolicy, http.StatusBadRequest},
		{&servicing.InvalidCostError{}, http.StatusBadRequest},
		{servicing.ErrActorRequired, http.StatusBadRequest},
		{&servicing.RecordError{Fields: map[string]string{"name": "required"}}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", servicing.ErrUnknownCustomer), http.StatusNotFound},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
