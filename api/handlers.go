/*
handlers.go - HTTP API handlers for activity synchronisation

PURPOSE:
  Exposes the activities service via REST API. The case-management system
  pushes the desired state of activities, bookings and allocations; these
  handlers parse the target state, hand it to the service and report what
  changed.

ENDPOINTS:
  Activities:
    POST   /api/activities                     Create activity with rates and rules
    GET    /api/activities/{id}                Activity, rate history, current rates, rules
    PUT    /api/activities/{id}/pay-rates      Reconcile pay rates
    PUT    /api/activities/{id}/schedule-rules Reconcile schedule rules

  Allocations (under /api/activities/{id}/allocations/{bookingId}):
    PUT    /                                   Upsert to target state
    GET    /                                   Current allocation
    POST   /end                                End
    POST   /suspend                            Suspend
    POST   /resume                             Resume
    PUT    /pay-band                           Schedule a pay-band change

  Bookings:
    PUT    /api/bookings/{id}                  Record where a booking is

REQUEST FLOW:
  1. Decode JSON body (goccy/go-json; decimals decoded exactly)
  2. Parse dates, times and day names into domain values
  3. Call the service (one transaction per request)
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, invalid interval, invalid request
  - 404: Activity, booking, allocation or reference code not found
  - 409: Duplicate allocation rows or duplicate activity id
  - 500: Stored intervals violate invariants, or anything unexpected

SECURITY NOTE:
  No authentication or authorization. The API is expected to sit behind
  the case-management system's gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/warp/activities-sync/activities"
	"github.com/warp/activities-sync/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *activities.Service
	Logger  *slog.Logger
}

// NewHandler creates a new handler around the service.
func NewHandler(svc *activities.Service) *Handler {
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) today() generic.TimePoint { return h.Service.Clock.Today() }

// =============================================================================
// ACTIVITY ENDPOINTS
// =============================================================================

// CreateActivity creates an activity with its initial rates and rules.
func (h *Handler) CreateActivity(w http.ResponseWriter, r *http.Request) {
	var req CreateActivityRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	startDate, err := parseDate("startDate", req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start date", err)
		return
	}
	endDate, err := parseOptionalDate("endDate", req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end date", err)
		return
	}
	rules, err := toRuleSpecs(req.ScheduleRules)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid schedule rules", err)
		return
	}

	activity, err := h.Service.CreateActivity(r.Context(), activities.NewActivity{
		ID:            activities.ActivityID(req.ID),
		Prison:        activities.PrisonID(req.Prison),
		Description:   req.Description,
		StartDate:     startDate,
		EndDate:       endDate,
		PayRates:      toRequestedPayRates(req.PayRates),
		ScheduleRules: rules,
	})
	if err != nil {
		h.writeServiceError(w, "Failed to create activity", err)
		return
	}

	writeJSON(w, http.StatusCreated, toActivityDTO(activity, h.today()))
}

// GetActivity returns an activity with rate history, current rates and rules.
func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	id := activities.ActivityID(chi.URLParam(r, "id"))

	activity, err := h.Service.GetActivity(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to get activity", err)
		return
	}

	writeJSON(w, http.StatusOK, toActivityDTO(activity, h.today()))
}

// UpdatePayRates reconciles an activity's rates to the requested list.
func (h *Handler) UpdatePayRates(w http.ResponseWriter, r *http.Request) {
	id := activities.ActivityID(chi.URLParam(r, "id"))

	var req UpdatePayRatesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := h.Service.UpdatePayRates(r.Context(), id, toRequestedPayRates(req.PayRates))
	if err != nil {
		h.writeServiceError(w, "Failed to update pay rates", err)
		return
	}

	writeJSON(w, http.StatusOK, PayRatesResponse{
		PayRates: toPayRateDTOs(rec.Intervals),
		Created:  keyNames(rec.Created),
		Updated:  keyNames(rec.Updated),
		Expired:  keyNames(rec.Expired),
		Removed:  keyNames(rec.Removed),
	})
}

// UpdateScheduleRules replaces an activity's weekly rules.
func (h *Handler) UpdateScheduleRules(w http.ResponseWriter, r *http.Request) {
	id := activities.ActivityID(chi.URLParam(r, "id"))

	var req UpdateScheduleRulesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	specs, err := toRuleSpecs(req.ScheduleRules)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid schedule rules", err)
		return
	}

	rec, err := h.Service.UpdateScheduleRules(r.Context(), id, specs)
	if err != nil {
		h.writeServiceError(w, "Failed to update schedule rules", err)
		return
	}

	kept := rec.Kept
	if kept == nil {
		kept = []string{}
	}
	removed := rec.Removed
	if removed == nil {
		removed = []string{}
	}
	writeJSON(w, http.StatusOK, ScheduleRulesResponse{
		ScheduleRules: toScheduleRuleDTOs(rec.Rules),
		Kept:          kept,
		Removed:       removed,
		Created:       len(rec.Created),
	})
}

// =============================================================================
// ALLOCATION ENDPOINTS
// =============================================================================

func allocationParams(r *http.Request) (activities.ActivityID, activities.BookingID) {
	return activities.ActivityID(chi.URLParam(r, "id")), activities.BookingID(chi.URLParam(r, "bookingId"))
}

// UpsertAllocation creates the allocation or moves it to the requested state.
func (h *Handler) UpsertAllocation(w http.ResponseWriter, r *http.Request) {
	activityID, bookingID := allocationParams(r)

	var req AllocationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var startDate generic.TimePoint
	if req.StartDate != "" {
		d, err := parseDate("startDate", req.StartDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start date", err)
			return
		}
		startDate = d
	}
	endDate, err := parseOptionalDate("endDate", req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end date", err)
		return
	}

	allocation, changes, err := h.Service.UpsertAllocation(r.Context(), activityID, bookingID, activities.AllocationRequest{
		StartDate: startDate,
		EndDate:   endDate,
		EndReason: req.EndReason,
		Suspended: req.Suspended,
		PayBand:   req.PayBand,
	})
	if err != nil {
		h.writeServiceError(w, "Failed to upsert allocation", err)
		return
	}

	status := http.StatusOK
	if changes.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, AllocationResponse{
		Allocation: toAllocationDTO(allocation, h.today()),
		Changes:    toChangesDTO(changes),
	})
}

// GetAllocation returns the allocation of a booking on an activity.
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	activityID, bookingID := allocationParams(r)

	allocation, err := h.Service.GetAllocation(r.Context(), activityID, bookingID)
	if err != nil {
		h.writeServiceError(w, "Failed to get allocation", err)
		return
	}

	writeJSON(w, http.StatusOK, toAllocationDTO(allocation, h.today()))
}

// EndAllocation ends an allocation.
func (h *Handler) EndAllocation(w http.ResponseWriter, r *http.Request) {
	activityID, bookingID := allocationParams(r)

	var req EndAllocationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	endDate, err := parseDate("endDate", req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end date", err)
		return
	}

	allocation, err := h.Service.EndAllocation(r.Context(), activityID, bookingID, endDate, req.Reason)
	if err != nil {
		h.writeServiceError(w, "Failed to end allocation", err)
		return
	}

	writeJSON(w, http.StatusOK, toAllocationDTO(allocation, h.today()))
}

// SuspendAllocation suspends an allocation.
func (h *Handler) SuspendAllocation(w http.ResponseWriter, r *http.Request) {
	activityID, bookingID := allocationParams(r)

	allocation, err := h.Service.SuspendAllocation(r.Context(), activityID, bookingID)
	if err != nil {
		h.writeServiceError(w, "Failed to suspend allocation", err)
		return
	}

	writeJSON(w, http.StatusOK, toAllocationDTO(allocation, h.today()))
}

// ResumeAllocation resumes a suspended allocation.
func (h *Handler) ResumeAllocation(w http.ResponseWriter, r *http.Request) {
	activityID, bookingID := allocationParams(r)

	allocation, err := h.Service.ResumeAllocation(r.Context(), activityID, bookingID)
	if err != nil {
		h.writeServiceError(w, "Failed to resume allocation", err)
		return
	}

	writeJSON(w, http.StatusOK, toAllocationDTO(allocation, h.today()))
}

// ChangePayBand schedules a pay-band change from tomorrow.
func (h *Handler) ChangePayBand(w http.ResponseWriter, r *http.Request) {
	activityID, bookingID := allocationParams(r)

	var req PayBandRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	allocation, err := h.Service.ChangeAllocationPayBand(r.Context(), activityID, bookingID, req.PayBand)
	if err != nil {
		h.writeServiceError(w, "Failed to change pay band", err)
		return
	}

	writeJSON(w, http.StatusOK, toAllocationDTO(allocation, h.today()))
}

// =============================================================================
// BOOKING ENDPOINTS
// =============================================================================

// SaveBooking records which prison a booking is at.
func (h *Handler) SaveBooking(w http.ResponseWriter, r *http.Request) {
	var req BookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	booking := activities.Booking{
		ID:     activities.BookingID(chi.URLParam(r, "id")),
		Prison: activities.PrisonID(req.Prison),
	}
	if err := h.Service.SaveBooking(r.Context(), booking); err != nil {
		h.writeServiceError(w, "Failed to save booking", err)
		return
	}

	writeJSON(w, http.StatusOK, BookingDTO{ID: string(booking.ID), Prison: string(booking.Prison)})
}

// =============================================================================
// PARSING
// =============================================================================

func parseDate(field, s string) (generic.TimePoint, error) {
	d, err := generic.ParseDate(s)
	if err != nil {
		return generic.TimePoint{}, fmt.Errorf("%s: %v: %w", field, err, generic.ErrInvalidRequest)
	}
	return d, nil
}

func parseOptionalDate(field string, s *string) (*generic.TimePoint, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := parseDate(field, *s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func toRequestedPayRates(in []PayRateRequest) []activities.RequestedPayRate {
	out := make([]activities.RequestedPayRate, len(in))
	for i, r := range in {
		out[i] = activities.RequestedPayRate{
			IncentiveLevel: r.IncentiveLevel,
			PayBand:        r.PayBand,
			Rate:           r.Rate,
		}
	}
	return out
}

func toRuleSpecs(in []ScheduleRuleRequest) ([]activities.RuleSpec, error) {
	out := make([]activities.RuleSpec, len(in))
	for i, r := range in {
		start, err := activities.ParseTimeOfDay(r.StartTime)
		if err != nil {
			return nil, err
		}
		end, err := activities.ParseTimeOfDay(r.EndTime)
		if err != nil {
			return nil, err
		}
		days, err := parseDays(r.Days)
		if err != nil {
			return nil, err
		}
		out[i] = activities.RuleSpec{Start: start, End: end, Days: days}
	}
	return out, nil
}

func parseDays(names []string) (activities.Weekdays, error) {
	var days []time.Weekday
	for _, name := range names {
		d, ok := weekdayByName[strings.ToUpper(name)]
		if !ok {
			return 0, fmt.Errorf("unknown day %q (use MON..SUN): %w", name, generic.ErrInvalidRequest)
		}
		days = append(days, d)
	}
	if len(days) == 0 {
		return 0, fmt.Errorf("schedule rule needs at least one day: %w", generic.ErrInvalidRequest)
	}
	return activities.NewWeekdays(days...), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
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

// writeServiceError maps service errors to status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	switch {
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case generic.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case generic.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Logger.Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
