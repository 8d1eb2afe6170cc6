/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external contract: identity tags, weekday
  bitmasks and interval pointers never leave the server as-is.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

WIRE FORMATS:
  Dates:  "YYYY-MM-DD"
  Times:  "HH:MM"
  Days:   ["MON", "WED", "FRI"]
  Rates:  decimal strings ("3.20"). Plain JSON numbers are accepted on
          input; they are decoded straight into decimal.Decimal and never
          pass through float64.

VALIDATION:
  Validation is done in handlers and the service, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/activities-sync/activities"
	"github.com/warp/activities-sync/generic"
)

// =============================================================================
// ACTIVITIES
// =============================================================================

// CreateActivityRequest is the body of POST /api/activities.
type CreateActivityRequest struct {
	ID            string                `json:"id,omitempty"`
	Prison        string                `json:"prison"`
	Description   string                `json:"description"`
	StartDate     string                `json:"startDate"`
	EndDate       *string               `json:"endDate,omitempty"`
	PayRates      []PayRateRequest      `json:"payRates"`
	ScheduleRules []ScheduleRuleRequest `json:"scheduleRules"`
}

// PayRateRequest is one entry of a requested rate list.
type PayRateRequest struct {
	IncentiveLevel string          `json:"incentiveLevel"`
	PayBand        string          `json:"payBand"`
	Rate           decimal.Decimal `json:"rate"`
}

// UpdatePayRatesRequest is the body of PUT /api/activities/{id}/pay-rates.
type UpdatePayRatesRequest struct {
	PayRates []PayRateRequest `json:"payRates"`
}

// ScheduleRuleRequest is one requested weekly session.
type ScheduleRuleRequest struct {
	StartTime string   `json:"startTime"`
	EndTime   string   `json:"endTime"`
	Days      []string `json:"days"`
}

// UpdateScheduleRulesRequest is the body of PUT /api/activities/{id}/schedule-rules.
type UpdateScheduleRulesRequest struct {
	ScheduleRules []ScheduleRuleRequest `json:"scheduleRules"`
}

// ActivityDTO represents an activity in API responses.
type ActivityDTO struct {
	ID            string            `json:"id"`
	Prison        string            `json:"prison"`
	Description   string            `json:"description"`
	StartDate     string            `json:"startDate"`
	EndDate       *string           `json:"endDate,omitempty"`
	PayRates      []PayRateDTO      `json:"payRates"`
	CurrentRates  []CurrentRateDTO  `json:"currentRates"`
	ScheduleRules []ScheduleRuleDTO `json:"scheduleRules"`
}

// PayRateDTO is one stored rate interval.
type PayRateDTO struct {
	IncentiveLevel string          `json:"incentiveLevel"`
	PayBand        string          `json:"payBand"`
	StartDate      string          `json:"startDate"`
	EndDate        *string         `json:"endDate,omitempty"`
	Rate           decimal.Decimal `json:"rate"`
}

// CurrentRateDTO is the rate in force today for one key.
type CurrentRateDTO struct {
	IncentiveLevel string          `json:"incentiveLevel"`
	PayBand        string          `json:"payBand"`
	Rate           decimal.Decimal `json:"rate"`
}

// ScheduleRuleDTO is one stored weekly session.
type ScheduleRuleDTO struct {
	ID        string   `json:"id"`
	StartTime string   `json:"startTime"`
	EndTime   string   `json:"endTime"`
	Days      []string `json:"days"`
	Slot      string   `json:"slot"`
}

// PayRatesResponse is the result of a pay-rate reconciliation.
type PayRatesResponse struct {
	PayRates []PayRateDTO `json:"payRates"`
	Created  []string     `json:"created"`
	Updated  []string     `json:"updated"`
	Expired  []string     `json:"expired"`
	Removed  []string     `json:"removed"`
}

// ScheduleRulesResponse is the result of a schedule-rule reconciliation.
type ScheduleRulesResponse struct {
	ScheduleRules []ScheduleRuleDTO `json:"scheduleRules"`
	Kept          []string          `json:"kept"`
	Removed       []string          `json:"removed"`
	Created       int               `json:"created"`
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

// AllocationRequest is the body of PUT /api/activities/{id}/allocations/{bookingId}.
type AllocationRequest struct {
	StartDate string  `json:"startDate"`
	EndDate   *string `json:"endDate,omitempty"`
	EndReason string  `json:"endReason,omitempty"`
	Suspended bool    `json:"suspended"`
	PayBand   string  `json:"payBand"`
}

// EndAllocationRequest is the body of POST .../end.
type EndAllocationRequest struct {
	EndDate string `json:"endDate"`
	Reason  string `json:"reason"`
}

// PayBandRequest is the body of PUT .../pay-band.
type PayBandRequest struct {
	PayBand string `json:"payBand"`
}

// AllocationDTO represents an allocation in API responses.
type AllocationDTO struct {
	ID             string       `json:"id"`
	ActivityID     string       `json:"activityId"`
	BookingID      string       `json:"bookingId"`
	Status         string       `json:"status"`
	Suspended      bool         `json:"suspended"`
	StartDate      string       `json:"startDate"`
	EndDate        *string      `json:"endDate,omitempty"`
	EndReason      string       `json:"endReason,omitempty"`
	CurrentPayBand string       `json:"currentPayBand,omitempty"`
	PayBands       []PayBandDTO `json:"payBands"`
}

// PayBandDTO is one pay-band interval.
type PayBandDTO struct {
	PayBand   string  `json:"payBand"`
	StartDate string  `json:"startDate"`
	EndDate   *string `json:"endDate,omitempty"`
}

// AllocationResponse wraps an upserted allocation with what changed.
type AllocationResponse struct {
	Allocation AllocationDTO `json:"allocation"`
	Changes    ChangesDTO    `json:"changes"`
}

// ChangesDTO summarises an allocation upsert.
type ChangesDTO struct {
	Created        bool `json:"created"`
	Ended          bool `json:"ended"`
	Reallocated    bool `json:"reallocated"`
	Suspended      bool `json:"suspended"`
	Resumed        bool `json:"resumed"`
	PayBandChanged bool `json:"payBandChanged"`
}

// =============================================================================
// BOOKINGS
// =============================================================================

// BookingRequest is the body of PUT /api/bookings/{id}.
type BookingRequest struct {
	Prison string `json:"prison"`
}

// BookingDTO represents a booking in API responses.
type BookingDTO struct {
	ID     string `json:"id"`
	Prison string `json:"prison"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func datePtrString(d *generic.TimePoint) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func toActivityDTO(a *activities.Activity, today generic.TimePoint) ActivityDTO {
	dto := ActivityDTO{
		ID:            string(a.ID),
		Prison:        string(a.Prison),
		Description:   a.Description,
		StartDate:     a.StartDate.String(),
		EndDate:       datePtrString(a.EndDate),
		PayRates:      toPayRateDTOs(a.PayRates),
		CurrentRates:  []CurrentRateDTO{},
		ScheduleRules: toScheduleRuleDTOs(a.ScheduleRules),
	}

	seen := map[activities.PayRateKey]bool{}
	for _, r := range a.PayRates {
		if seen[r.Key] {
			continue
		}
		seen[r.Key] = true
		if rate, ok := activities.RateOn(a.PayRates, r.Key.IncentiveLevel, r.Key.PayBand, today); ok {
			dto.CurrentRates = append(dto.CurrentRates, CurrentRateDTO{
				IncentiveLevel: r.Key.IncentiveLevel,
				PayBand:        r.Key.PayBand,
				Rate:           rate,
			})
		}
	}
	sort.Slice(dto.CurrentRates, func(i, j int) bool {
		x, y := dto.CurrentRates[i], dto.CurrentRates[j]
		if x.IncentiveLevel != y.IncentiveLevel {
			return x.IncentiveLevel < y.IncentiveLevel
		}
		return x.PayBand < y.PayBand
	})
	return dto
}

func toPayRateDTOs(rates []activities.PayRate) []PayRateDTO {
	out := make([]PayRateDTO, len(rates))
	for i, r := range rates {
		out[i] = PayRateDTO{
			IncentiveLevel: r.Key.IncentiveLevel,
			PayBand:        r.Key.PayBand,
			StartDate:      r.Start.String(),
			EndDate:        datePtrString(r.End),
			Rate:           r.Value,
		}
	}
	return out
}

func toScheduleRuleDTOs(rules []activities.ScheduleRule) []ScheduleRuleDTO {
	out := make([]ScheduleRuleDTO, len(rules))
	for i, r := range rules {
		out[i] = ScheduleRuleDTO{
			ID:        r.Identity.String(),
			StartTime: r.Start.String(),
			EndTime:   r.End.String(),
			Days:      dayNames(r.Days),
			Slot:      string(r.Slot),
		}
	}
	return out
}

func toAllocationDTO(a *activities.Allocation, today generic.TimePoint) AllocationDTO {
	dto := AllocationDTO{
		ID:         a.ID,
		ActivityID: string(a.ActivityID),
		BookingID:  string(a.BookingID),
		Status:     string(a.Status),
		Suspended:  a.Suspended,
		StartDate:  a.StartDate.String(),
		EndDate:    datePtrString(a.EndDate),
		EndReason:  a.EndReason,
		PayBands:   make([]PayBandDTO, len(a.PayBands)),
	}
	dto.CurrentPayBand, _ = a.PayBandOn(today)
	for i, b := range a.PayBands {
		dto.PayBands[i] = PayBandDTO{
			PayBand:   b.Value,
			StartDate: b.Start.String(),
			EndDate:   datePtrString(b.End),
		}
	}
	return dto
}

func toChangesDTO(c activities.AllocationChanges) ChangesDTO {
	return ChangesDTO{
		Created:        c.Created,
		Ended:          c.Ended,
		Reallocated:    c.Reallocated,
		Suspended:      c.Suspended,
		Resumed:        c.Resumed,
		PayBandChanged: c.PayBand.Changed(),
	}
}

func keyNames(keys []activities.PayRateKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// =============================================================================
// WEEKDAY NAMES
// =============================================================================

var weekdayByName = map[string]time.Weekday{
	"MON": time.Monday,
	"TUE": time.Tuesday,
	"WED": time.Wednesday,
	"THU": time.Thursday,
	"FRI": time.Friday,
	"SAT": time.Saturday,
	"SUN": time.Sunday,
}

func dayNames(w activities.Weekdays) []string {
	days := w.Days()
	out := make([]string, len(days))
	for i, d := range days {
		out[i] = strings.ToUpper(d.String()[:3])
	}
	return out
}
