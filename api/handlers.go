/*
handlers.go - HTTP API handlers for the service recurrence engine

PURPOSE:
  Exposes the servicing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine and ledger.

ENDPOINTS:
  Customers:
    GET    /api/customers                         List (newest first)
    POST   /api/customers                         Register
    GET    /api/customers/{id}                    Details with next due date
    PUT    /api/customers/{id}/cadence            Change cadence
    DELETE /api/customers/{id}                    Delete with history

  Service history:
    GET    /api/customers/{id}/services           All events, newest first
    GET    /api/customers/{id}/services/latest    Latest event
    POST   /api/customers/{id}/services           Validated append
    POST   /api/customers/{id}/services/validate  Verdict only, nothing written
    GET    /api/customers/{id}/next-due           Next due date (?today=)
    PATCH  /api/services/{id}                     Cost correction
    DELETE /api/services/{id}                     Remove an event

  Due dates:
    GET    /api/due                               Overdue customers (?today=)
    GET    /api/sweeps                            Recent sweep runs
    POST   /api/sweeps/run                        Sweep now

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the engine
  3. Serialize response
  4. Map errors through statusFor

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input, unknown cadence, invalid cost
  - 404: Unknown customer, unknown event, no history
  - 409: Email already registered
  - 422: Verdict with blocking findings (body is RecordServiceResponse)
  - 500: Internal errors (logged)

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/service-engine/servicing"
	"github.com/warp/service-engine/store/sqlite"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Engine  *servicing.Engine
	Sweeper *DueSweeper
	Logger  *zap.Logger

	// Now is the request clock. Defaults to time.Now.
	Now func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler, its engine and an unstarted sweeper.
func NewHandler(store *sqlite.Store, log *zap.Logger, clock func() time.Time) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	engine := servicing.NewEngine(store, clock)
	return &Handler{
		Store:   store,
		Engine:  engine,
		Sweeper: NewDueSweeper(engine, store, log, clock),
		Logger:  log,
		Now:     clock,
	}
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// today reads ?today=YYYY-MM-DD, defaulting to the current date.
func (h *Handler) today(r *http.Request) (servicing.Date, error) {
	if s := r.URL.Query().Get("today"); s != "" {
		return servicing.ParseDate(s)
	}
	return servicing.DateOf(h.now()), nil
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomers returns all customers, newest first.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Engine.Customers(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list customers", err)
		return
	}

	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = toCustomerDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCustomer registers a customer.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.Engine.RegisterCustomer(r.Context(), servicing.NewCustomerInput{
		Name:          req.Name,
		Address:       req.Address,
		Phone:         req.Phone,
		Email:         req.Email,
		Cadence:       req.Cadence,
		EstablishedOn: req.EstablishedDate,
	}, h.now())
	if err != nil {
		h.fail(w, r, "Failed to create customer", err)
		return
	}

	h.Logger.Info("customer registered",
		zap.String("customer_id", string(c.ID)),
		zap.String("cadence", c.Cadence.String()),
	)
	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

// GetCustomer returns a customer with its next due date as of today.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := servicing.CustomerID(chi.URLParam(r, "id"))

	c, err := h.Engine.Customer(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to get customer", err)
		return
	}

	today := servicing.DateOf(h.now())
	due, err := h.Engine.NextDueDate(ctx, id, today)
	if err != nil {
		h.fail(w, r, "Failed to compute next due date", err)
		return
	}

	dto := toCustomerDTO(c)
	dueDTO := toDueDateDTO(due, today)
	dto.NextDue = &dueDTO
	writeJSON(w, http.StatusOK, dto)
}

// ChangeCadence updates a customer's cadence.
// PUT /api/customers/{id}/cadence
func (h *Handler) ChangeCadence(w http.ResponseWriter, r *http.Request) {
	id := servicing.CustomerID(chi.URLParam(r, "id"))

	var req ChangeCadenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Cadence == "" {
		writeError(w, http.StatusBadRequest, "cadence is required", nil)
		return
	}
	cadence, err := servicing.ParseCadence(req.Cadence)
	if err != nil {
		h.fail(w, r, "Invalid cadence", err)
		return
	}

	c, err := h.Engine.ChangeCadence(r.Context(), id, cadence, h.now())
	if err != nil {
		h.fail(w, r, "Failed to change cadence", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// DeleteCustomer removes a customer and every event it owns.
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id := servicing.CustomerID(chi.URLParam(r, "id"))

	removed, err := h.Engine.DeleteCustomer(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to delete customer", err)
		return
	}

	h.Logger.Info("customer deleted",
		zap.String("customer_id", string(id)),
		zap.Int("events_removed", removed),
	)
	writeJSON(w, http.StatusOK, DeleteCustomerResponse{Deleted: string(id), EventsRemoved: removed})
}

// =============================================================================
// SERVICE HISTORY HANDLERS
// =============================================================================

// ListServices returns the customer's history, newest first.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := servicing.CustomerID(chi.URLParam(r, "id"))

	c, err := h.Engine.Customer(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to get customer", err)
		return
	}

	dtos := []ServiceEventDTO{}
	for e, err := range h.Engine.Ledger.All(ctx, id) {
		if err != nil {
			h.fail(w, r, "Failed to load service history", err)
			return
		}
		dtos = append(dtos, toServiceEventDTO(e, c.Name))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LatestService returns the most recent event. 404 when there is none.
func (h *Handler) LatestService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := servicing.CustomerID(chi.URLParam(r, "id"))

	c, err := h.Engine.Customer(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to get customer", err)
		return
	}
	e, err := h.Engine.LastService(ctx, id)
	if err != nil {
		h.fail(w, r, "No service recorded", err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceEventDTO(e, c.Name))
}

// RecordService validates and appends a service event.
// 201 with the event when accepted; 422 with the verdict when blocked.
func (h *Handler) RecordService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := servicing.CustomerID(chi.URLParam(r, "id"))

	var req RecordServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Engine.Record(ctx, servicing.Submission{
		CustomerID:  id,
		Cost:        req.Cost,
		PerformedBy: req.PerformedBy,
		OccurredAt:  req.OccurredAt,
	}, h.now())
	if err != nil {
		h.fail(w, r, "Failed to record service", err)
		return
	}

	resp := RecordServiceResponse{Verdict: toVerdictDTO(rec.Verdict)}
	if !rec.Recorded() {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	event := toServiceEventDTO(*rec.Event, rec.Customer.Name)
	resp.Event = &event

	fields := []zap.Field{
		zap.String("customer_id", string(id)),
		zap.String("event_id", string(rec.Event.ID)),
		zap.String("cost", rec.Event.Cost.StringFixed(2)),
	}
	if len(rec.Verdict.Warnings()) > 0 {
		h.Logger.Warn("service recorded with warnings", append(fields, zap.Int("warnings", len(rec.Verdict.Warnings())))...)
	} else {
		h.Logger.Info("service recorded", fields...)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ValidateService returns the verdict for a proposed entry without writing.
// POST /api/customers/{id}/services/validate
func (h *Handler) ValidateService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := servicing.CustomerID(chi.URLParam(r, "id"))

	var req RecordServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.Engine.Customer(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to get customer", err)
		return
	}
	verdict, err := h.Engine.ValidateNewEntry(ctx, c, req.Cost, req.OccurredAt, h.now())
	if err != nil {
		h.fail(w, r, "Failed to validate service", err)
		return
	}
	writeJSON(w, http.StatusOK, toVerdictDTO(verdict))
}

// NextDue returns the next due date. A never-serviced customer gets
// status not_yet_scheduled, not an error.
func (h *Handler) NextDue(w http.ResponseWriter, r *http.Request) {
	id := servicing.CustomerID(chi.URLParam(r, "id"))

	today, err := h.today(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid today (use YYYY-MM-DD)", err)
		return
	}

	due, err := h.Engine.NextDueDate(r.Context(), id, today)
	if err != nil {
		h.fail(w, r, "Failed to compute next due date", err)
		return
	}
	writeJSON(w, http.StatusOK, toDueDateDTO(due, today))
}

// CorrectCost replaces the cost of a recorded event.
// PATCH /api/services/{id}
func (h *Handler) CorrectCost(w http.ResponseWriter, r *http.Request) {
	id := servicing.EventID(chi.URLParam(r, "id"))

	var req CorrectCostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e, err := h.Engine.Ledger.CorrectCost(r.Context(), id, req.Cost, req.Actor)
	if err != nil {
		h.fail(w, r, "Failed to correct cost", err)
		return
	}

	h.Logger.Info("service cost corrected",
		zap.String("event_id", string(id)),
		zap.String("actor", req.Actor),
		zap.String("cost", e.Cost.StringFixed(2)),
	)
	writeJSON(w, http.StatusOK, toServiceEventDTO(e, ""))
}

// DeleteService removes a single event.
// DELETE /api/services/{id}
func (h *Handler) DeleteService(w http.ResponseWriter, r *http.Request) {
	id := servicing.EventID(chi.URLParam(r, "id"))

	if err := h.Engine.Ledger.DeleteEvent(r.Context(), id); err != nil {
		h.fail(w, r, "Failed to delete service", err)
		return
	}
	h.Logger.Info("service deleted", zap.String("event_id", string(id)))
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// DUE DATE HANDLERS
// =============================================================================

// ListDue returns customers whose due date is before today, earliest first.
// GET /api/due?today=YYYY-MM-DD
func (h *Handler) ListDue(w http.ResponseWriter, r *http.Request) {
	today, err := h.today(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid today (use YYYY-MM-DD)", err)
		return
	}

	reports, err := h.Engine.Overdue(r.Context(), today)
	if err != nil {
		h.fail(w, r, "Failed to list overdue customers", err)
		return
	}

	resp := DueListResponse{AsOf: today.String(), Customers: make([]DueReportDTO, len(reports))}
	for i, rep := range reports {
		resp.Customers[i] = DueReportDTO{
			Customer: toCustomerDTO(rep.Customer),
			Due:      toDueDateDTO(rep.Due, today),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSweeps returns recent sweep runs.
// GET /api/sweeps?limit=N
func (h *Handler) ListSweeps(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListSweepRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "Failed to list sweep runs", err)
		return
	}

	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunSweep runs an overdue sweep immediately.
// POST /api/sweeps/run?today=YYYY-MM-DD
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	today, err := h.today(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid today (use YYYY-MM-DD)", err)
		return
	}

	run, err := h.Sweeper.RunOnce(r.Context(), today)
	if err != nil {
		h.fail(w, r, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepRunDTO(run))
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, servicing.ErrDuplicateEmail):
		return http.StatusConflict
	case servicing.IsNotFound(err), errors.Is(err, servicing.ErrNoHistory):
		return http.StatusNotFound
	case servicing.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the mapped status. Server errors are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message,
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
	}

	resp := ErrorResponse{Error: message, Details: err.Error()}
	var recErr *servicing.RecordError
	if errors.As(err, &recErr) {
		resp.Fields = recErr.Fields
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
