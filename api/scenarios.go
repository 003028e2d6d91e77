/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	customers and service histories. Dates are relative to the handler's
	clock so every scenario shows a mix of overdue and upcoming customers.

AVAILABLE SCENARIOS:

	weekly-route:     Weekly customers: one overdue, one upcoming, one new
	mixed-cadences:   One customer per cadence with several months of history
	company-accounts: Companies with establishment dates and out-of-order entries

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register customers through the engine
 3. Append service events through the ledger

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "weekly-route"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and helpers
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/service-engine/servicing"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "weekly-route",
		Name:        "Weekly Route",
		Description: "Three weekly customers: one overdue, one upcoming, one never serviced",
	},
	{
		ID:          "mixed-cadences",
		Name:        "Mixed Cadences",
		Description: "One customer per cadence (daily to yearly) with service history",
	},
	{
		ID:          "company-accounts",
		Name:        "Company Accounts",
		Description: "Company customers with establishment dates and a back-dated entry",
	},
}

// ListScenarios returns available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario ID (empty after a reset).
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

// LoadScenario resets the database and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("%s: %w", req.ScenarioID, err))
			return
		}
		h.fail(w, r, "Failed to load scenario", err)
		return
	}

	h.Logger.Info("scenario loaded", zap.String("scenario_id", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		h.fail(w, r, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	h.Logger.Info("database reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

var errUnknownScenario = errors.New("unknown scenario")

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	var loader func(context.Context, time.Time) error
	switch id {
	case "weekly-route":
		loader = h.loadWeeklyRouteScenario
	case "mixed-cadences":
		loader = h.loadMixedCadencesScenario
	case "company-accounts":
		loader = h.loadCompanyAccountsScenario
	default:
		return errUnknownScenario
	}

	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	if err := loader(ctx, h.now()); err != nil {
		return err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

// loadWeeklyRouteScenario: the default cadence and the three schedule states.
func (h *Handler) loadWeeklyRouteScenario(ctx context.Context, now time.Time) error {
	overdue, err := h.seedCustomer(ctx, now, servicing.NewCustomerInput{
		Name:    "Alice Moreau",
		Address: "12 Harbour Street",
		Phone:   "+1-555-0101",
		Email:   "alice@example.com",
		Cadence: "weekly",
	})
	if err != nil {
		return err
	}
	if err := h.seedServices(ctx, overdue, now, "45.00", -24, -17, -10); err != nil {
		return err
	}

	upcoming, err := h.seedCustomer(ctx, now, servicing.NewCustomerInput{
		Name:    "Ben Okafor",
		Address: "3 Mill Lane",
		Phone:   "+1-555-0102",
		Email:   "ben@example.com",
	})
	if err != nil {
		return err
	}
	if err := h.seedServices(ctx, upcoming, now, "45.00", -9, -2); err != nil {
		return err
	}

	_, err = h.seedCustomer(ctx, now, servicing.NewCustomerInput{
		Name:    "Chloe Nguyen",
		Address: "88 Orchard Road",
		Phone:   "+1-555-0103",
		Email:   "chloe@example.com",
		Cadence: "weekly",
	})
	return err
}

// loadMixedCadencesScenario: one customer per cadence.
func (h *Handler) loadMixedCadencesScenario(ctx context.Context, now time.Time) error {
	seeds := []struct {
		input servicing.NewCustomerInput
		cost  string
		days  []int
	}{
		{
			input: servicing.NewCustomerInput{Name: "Daily Bakery", Address: "1 Market Square", Phone: "+1-555-0201", Email: "bakery@example.com", Cadence: "daily"},
			cost:  "12.50",
			days:  []int{-3, -2},
		},
		{
			input: servicing.NewCustomerInput{Name: "Monthly Clinic", Address: "40 Park Avenue", Phone: "+1-555-0202", Email: "clinic@example.com", Cadence: "monthly"},
			cost:  "320.00",
			days:  []int{-75, -45, -14},
		},
		{
			input: servicing.NewCustomerInput{Name: "Quarterly Warehouse", Address: "7 Dock Road", Phone: "+1-555-0203", Email: "warehouse@example.com", Cadence: "quarterly"},
			cost:  "1250.00",
			days:  []int{-200, -110},
		},
		{
			input: servicing.NewCustomerInput{Name: "Yearly Chapel", Address: "2 Church Hill", Phone: "+1-555-0204", Email: "chapel@example.com", Cadence: "yearly"},
			cost:  "2400.00",
			days:  []int{-300},
		},
	}

	for _, s := range seeds {
		c, err := h.seedCustomer(ctx, now, s.input)
		if err != nil {
			return err
		}
		if err := h.seedServices(ctx, c, now, s.cost, s.days...); err != nil {
			return err
		}
	}
	return nil
}

// loadCompanyAccountsScenario: companies carry an establishment date, and
// one history contains an entry recorded after a later one.
func (h *Handler) loadCompanyAccountsScenario(ctx context.Context, now time.Time) error {
	today := servicing.DateOf(now)

	acme, err := h.seedCustomer(ctx, now, servicing.NewCustomerInput{
		Name:          "Acme Facilities Ltd",
		Address:       "100 Industrial Way",
		Phone:         "+1-555-0301",
		Email:         "ops@acme.example.com",
		Cadence:       "monthly",
		EstablishedOn: today.AddDays(-3650).String(),
	})
	if err != nil {
		return err
	}
	if err := h.seedServices(ctx, acme, now, "980.00", -40, -5); err != nil {
		return err
	}
	// Back-dated entry: recorded last, occurred between the two above.
	if err := h.seedServices(ctx, acme, now, "150.00", -20); err != nil {
		return err
	}

	_, err = h.seedCustomer(ctx, now, servicing.NewCustomerInput{
		Name:          "Northwind Offices",
		Address:       "55 Commerce Street",
		Phone:         "+1-555-0302",
		Email:         "facilities@northwind.example.com",
		Cadence:       "quarterly",
		EstablishedOn: today.AddDays(-400).String(),
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) seedCustomer(ctx context.Context, now time.Time, in servicing.NewCustomerInput) (servicing.Customer, error) {
	c, err := h.Engine.RegisterCustomer(ctx, in, now)
	if err != nil {
		return servicing.Customer{}, fmt.Errorf("seed customer %s: %w", in.Email, err)
	}
	return c, nil
}

// seedServices appends one event per day offset (relative to now) at 10:00 UTC.
func (h *Handler) seedServices(ctx context.Context, c servicing.Customer, now time.Time, cost string, dayOffsets ...int) error {
	amount, err := decimal.NewFromString(cost)
	if err != nil {
		return err
	}
	today := servicing.DateOf(now)
	for _, offset := range dayOffsets {
		at := today.AddDays(offset).Time.Add(10 * time.Hour)
		if _, err := h.Engine.Ledger.Append(ctx, servicing.ServiceEvent{
			CustomerID:  c.ID,
			PerformedBy: "demo-technician",
			Cost:        amount,
			OccurredAt:  at,
		}); err != nil {
			return fmt.Errorf("seed service for %s: %w", c.Name, err)
		}
	}
	return nil
}
