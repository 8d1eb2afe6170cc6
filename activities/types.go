/*
Package activities implements activity synchronisation on top of the generic
reconciliation engine.

PURPOSE:
  An external case-management service pushes the desired state of an
  activity (its pay rates and weekly schedule) and of each prisoner's
  allocation to it. This package turns that desired state into the minimal
  effective-dated changes to what is stored, without rewriting history.

KEY CONCEPTS:
  - PayRate: half-day rate keyed by (incentive level, pay band), versioned
    as generic intervals.
  - ScheduleRule: a recurring weekly session; replaced wholesale, never
    versioned.
  - Allocation: a booking's place on an activity with status, suspension
    flag and pay-band history.

LAYERS:
  payrates.go, schedule.go, allocation.go  pure functions (no I/O)
  service.go                               load → validate → reconcile → persist
  store.go                                 persistence contract

SEE ALSO:
  - generic/interval.go: IntervalReconciler
  - store/sqlite: production persistence
*/
package activities

import (
	"context"

	"github.com/warp/activities-sync/generic"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ActivityID string
type BookingID string
type PrisonID string

// =============================================================================
// AGGREGATES
// =============================================================================

// Activity is a programme with a schedule and pay rates at one prison.
type Activity struct {
	ID          ActivityID
	Prison      PrisonID
	Description string
	StartDate   generic.TimePoint
	EndDate     *generic.TimePoint

	PayRates      []PayRate
	ScheduleRules []ScheduleRule
}

// EndedBy returns true if the activity finished before today.
func (a Activity) EndedBy(today generic.TimePoint) bool {
	return a.EndDate != nil && a.EndDate.Before(today)
}

// Booking is a prisoner's period in custody, located at one prison.
type Booking struct {
	ID     BookingID
	Prison PrisonID
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// IncentiveLevel is a privilege tier offered at a prison (e.g. BAS, STD, ENH).
type IncentiveLevel struct {
	Prison      PrisonID
	Code        string
	Description string
}

// PayBand is a coarse pay grade code.
type PayBand struct {
	Code        string
	Description string
}

// ReferenceResolver validates codes against reference data.
// Implementations return a *generic.ReferenceNotFoundError when a code is unknown.
type ReferenceResolver interface {
	ResolveIncentiveLevel(ctx context.Context, prison PrisonID, code string) (IncentiveLevel, error)
	ResolvePayBand(ctx context.Context, code string) (PayBand, error)
}
