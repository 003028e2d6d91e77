/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the servicing model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

FORMATS:
  Dates are YYYY-MM-DD, timestamps RFC3339, money a string with two decimals.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/service-engine/servicing"
	"github.com/warp/service-engine/store/sqlite"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

// CustomerDTO represents a customer in API responses.
type CustomerDTO struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Address         string      `json:"address"`
	Phone           string      `json:"phone"`
	Email           string      `json:"email"`
	Cadence         string      `json:"cadence"`
	CadenceLabel    string      `json:"cadence_label"`
	CadenceDays     int         `json:"cadence_days"`
	EstablishedDate string      `json:"established_date,omitempty"`
	CreatedAt       string      `json:"created_at"`
	UpdatedAt       string      `json:"updated_at"`
	NextDue         *DueDateDTO `json:"next_due,omitempty"`
}

// CreateCustomerRequest is the request to register a customer.
type CreateCustomerRequest struct {
	Name            string `json:"name"`
	Address         string `json:"address"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
	Cadence         string `json:"cadence"`
	EstablishedDate string `json:"established_date,omitempty"`
}

// ChangeCadenceRequest is the request to change a customer's cadence.
type ChangeCadenceRequest struct {
	Cadence string `json:"cadence"`
}

// DeleteCustomerResponse reports a cascade delete.
type DeleteCustomerResponse struct {
	Deleted       string `json:"deleted"`
	EventsRemoved int    `json:"events_removed"`
}

func toCustomerDTO(c servicing.Customer) CustomerDTO {
	days, _ := servicing.Resolve(c.Cadence)
	dto := CustomerDTO{
		ID:           string(c.ID),
		Name:         c.Name,
		Address:      c.Address,
		Phone:        c.Phone,
		Email:        c.Email,
		Cadence:      c.Cadence.String(),
		CadenceLabel: c.Cadence.Label(),
		CadenceDays:  days,
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    c.UpdatedAt.Format(time.RFC3339),
	}
	if c.EstablishedOn != nil {
		dto.EstablishedDate = c.EstablishedOn.String()
	}
	return dto
}

// =============================================================================
// SERVICE EVENTS
// =============================================================================

// ServiceEventDTO represents a service event in API responses.
type ServiceEventDTO struct {
	ID          string `json:"id"`
	CustomerID  string `json:"customer_id"`
	PerformedBy string `json:"performed_by,omitempty"`
	Cost        string `json:"cost"`
	OccurredAt  string `json:"occurred_at"`
	Date        string `json:"date"`
	Seq         int64  `json:"seq"`
	CorrectedBy string `json:"corrected_by,omitempty"`
	CorrectedAt string `json:"corrected_at,omitempty"`
	Description string `json:"description,omitempty"`
}

// RecordServiceRequest submits a service. Cost accepts a JSON number or string.
// OccurredAt defaults to now.
type RecordServiceRequest struct {
	Cost        decimal.Decimal `json:"cost"`
	PerformedBy string          `json:"performed_by"`
	OccurredAt  *time.Time      `json:"occurred_at,omitempty"`
}

// RecordServiceResponse carries the stored event (nil when blocked) and the verdict.
type RecordServiceResponse struct {
	Event   *ServiceEventDTO `json:"event,omitempty"`
	Verdict VerdictDTO       `json:"verdict"`
}

// CorrectCostRequest changes the cost of an existing event.
type CorrectCostRequest struct {
	Cost  decimal.Decimal `json:"cost"`
	Actor string          `json:"actor"`
}

func toServiceEventDTO(e servicing.ServiceEvent, customerName string) ServiceEventDTO {
	dto := ServiceEventDTO{
		ID:          string(e.ID),
		CustomerID:  string(e.CustomerID),
		PerformedBy: e.PerformedBy,
		Cost:        e.Cost.StringFixed(2),
		OccurredAt:  e.OccurredAt.Format(time.RFC3339),
		Date:        e.Date().String(),
		Seq:         e.Seq,
		CorrectedBy: e.CorrectedBy,
	}
	if e.CorrectedAt != nil {
		dto.CorrectedAt = e.CorrectedAt.Format(time.RFC3339)
	}
	if customerName != "" {
		dto.Description = e.Describe(customerName)
	}
	return dto
}

// =============================================================================
// VERDICTS
// =============================================================================

// ViolationDTO is one validation finding.
type ViolationDTO struct {
	Code     string `json:"code"`
	Field    string `json:"field"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// VerdictDTO lists every finding for a proposed entry.
type VerdictDTO struct {
	OK       bool           `json:"ok"`
	Errors   []ViolationDTO `json:"errors"`
	Warnings []ViolationDTO `json:"warnings"`
}

func toVerdictDTO(v servicing.Verdict) VerdictDTO {
	return VerdictDTO{
		OK:       v.OK(),
		Errors:   toViolationDTOs(v.Errors()),
		Warnings: toViolationDTOs(v.Warnings()),
	}
}

func toViolationDTOs(vs []servicing.Violation) []ViolationDTO {
	dtos := make([]ViolationDTO, len(vs))
	for i, v := range vs {
		dtos[i] = ViolationDTO{
			Code:     string(v.Code),
			Field:    v.Field,
			Message:  v.Message,
			Severity: string(v.Severity),
		}
	}
	return dtos
}

// =============================================================================
// DUE DATES
// =============================================================================

// DueDateDTO represents a next due date. Date is empty when not yet scheduled.
type DueDateDTO struct {
	Status      string           `json:"status"`
	Date        string           `json:"date,omitempty"`
	Overdue     bool             `json:"overdue"`
	DaysOverdue int              `json:"days_overdue,omitempty"`
	LastService *ServiceEventDTO `json:"last_service,omitempty"`
}

// DueReportDTO pairs a customer with its due date.
type DueReportDTO struct {
	Customer CustomerDTO `json:"customer"`
	Due      DueDateDTO  `json:"due"`
}

// DueListResponse is the overdue list as of a date.
type DueListResponse struct {
	AsOf      string         `json:"as_of"`
	Customers []DueReportDTO `json:"customers"`
}

func toDueDateDTO(d servicing.DueDate, today servicing.Date) DueDateDTO {
	dto := DueDateDTO{
		Status:  string(d.Status),
		Overdue: d.Overdue,
	}
	if d.Scheduled() {
		dto.Date = d.Date.String()
	}
	if d.Overdue {
		dto.DaysOverdue = servicing.DaysBetween(d.Date, today)
	}
	if d.Last != nil {
		last := toServiceEventDTO(*d.Last, "")
		dto.LastService = &last
	}
	return dto
}

// =============================================================================
// SWEEPS
// =============================================================================

// SweepRunDTO represents one overdue sweep.
type SweepRunDTO struct {
	ID               string `json:"id"`
	AsOf             string `json:"as_of"`
	Status           string `json:"status"`
	CustomersChecked int    `json:"customers_checked"`
	Overdue          int    `json:"overdue"`
	Error            string `json:"error,omitempty"`
	StartedAt        string `json:"started_at"`
	CompletedAt      string `json:"completed_at,omitempty"`
}

func toSweepRunDTO(r sqlite.SweepRun) SweepRunDTO {
	dto := SweepRunDTO{
		ID:               r.ID,
		AsOf:             r.AsOf.String(),
		Status:           r.Status,
		CustomersChecked: r.CustomersChecked,
		Overdue:          r.Overdue,
		Error:            r.Error,
		StartedAt:        r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response except verdicts.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
