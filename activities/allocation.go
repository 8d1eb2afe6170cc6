/*
allocation.go - Allocation lifecycle

STATES:
  status ∈ {ALLOC, END} × suspended ∈ {false, true}

      Allocate ──▶ ALLOC ──End──▶ END
                     │  ▲           │
             Suspend │  │ Resume    │ Upsert without end date
                     ▼  │           │ (re-allocate)
                  ALLOC+suspended   ▼
                                  ALLOC

PRISON RULES:
  Ending and suspending are always allowed, even after the booking moved to
  another prison, so an inconsistent state can always be unwound.
  Allocating, re-allocating and resuming require the booking to be at the
  activity's prison.

PAY BANDS:
  The pay band is an interval history with a single key. Changes go through
  the generic reconciler, so they take effect tomorrow and a second change
  on the same day overwrites the pending one.

  The one exception: on Allocate, the first band takes effect on the
  allocation's start date when that is in the future. There is no earlier
  state to protect.

IDEMPOTENCE:
  UpsertAllocation with the current target is a complete no-op, including
  the pay band, so at-least-once delivery from the caller is safe.
*/
package activities

import (
	"github.com/warp/activities-sync/generic"
)

type AllocationStatus string

const (
	StatusAllocated AllocationStatus = "ALLOC"
	StatusEnded     AllocationStatus = "END"
)

// PayBandSlot is the single key of an allocation's pay-band history.
type PayBandSlot struct{}

func (PayBandSlot) String() string { return "pay band" }

// AllocationPayBand is a pay band in force over an interval.
type AllocationPayBand = generic.Interval[PayBandSlot, string]

// PayBandReconciliation is the new pay-band history plus what changed.
type PayBandReconciliation = generic.Reconciliation[PayBandSlot, string]

var payBandReconciler = generic.IntervalReconciler[PayBandSlot, string]{
	Equal: func(a, b string) bool { return a == b },
	Less:  func(PayBandSlot, PayBandSlot) bool { return false },
}

// Allocation is a booking's place on an activity.
type Allocation struct {
	ID         string
	ActivityID ActivityID
	BookingID  BookingID
	Status     AllocationStatus
	Suspended  bool
	StartDate  generic.TimePoint
	EndDate    *generic.TimePoint
	EndReason  string
	PayBands   []AllocationPayBand
}

// PayBandOn returns the band in force on date.
func (a Allocation) PayBandOn(date generic.TimePoint) (string, bool) {
	return generic.ValueOn(a.PayBands, PayBandSlot{}, date)
}

func (a Allocation) IsEnded() bool { return a.Status == StatusEnded }

func (a Allocation) clone() Allocation {
	if a.EndDate != nil {
		a.EndDate = generic.DatePtr(*a.EndDate)
	}
	a.PayBands = append([]AllocationPayBand(nil), a.PayBands...)
	return a
}

// AllocationRequest is the target state pushed by the caller.
type AllocationRequest struct {
	StartDate generic.TimePoint
	EndDate   *generic.TimePoint
	EndReason string
	Suspended bool
	PayBand   string
}

// AllocationChanges summarises one lifecycle call.
type AllocationChanges struct {
	Created     bool
	Ended       bool
	Reallocated bool
	Suspended   bool
	Resumed     bool
	PayBand     PayBandReconciliation
}

// IsNoop returns true if nothing changed.
func (c AllocationChanges) IsNoop() bool {
	return !c.Created && !c.Ended && !c.Reallocated && !c.Suspended && !c.Resumed && !c.PayBand.Changed()
}

// =============================================================================
// OPERATIONS
// =============================================================================

// ReconcilePayBand moves a pay-band history to band.
func ReconcilePayBand(current []AllocationPayBand, band string, today generic.TimePoint) (PayBandReconciliation, error) {
	if band == "" {
		return PayBandReconciliation{}, invalidRequest("pay band is required")
	}
	return payBandReconciler.Reconcile(current, map[PayBandSlot]string{{}: band}, today)
}

// Allocate creates a new allocation.
func Allocate(activity Activity, booking Booking, req AllocationRequest, today generic.TimePoint) (Allocation, AllocationChanges, error) {
	if err := checkAllocatable(activity, booking, today); err != nil {
		return Allocation{}, AllocationChanges{}, err
	}
	if req.StartDate.IsZero() {
		return Allocation{}, AllocationChanges{}, invalidRequest("allocation start date is required")
	}
	if err := checkEndDate(req.StartDate, req.EndDate); err != nil {
		return Allocation{}, AllocationChanges{}, err
	}

	// No prior state: the first band starts with the allocation if that is later.
	bands, err := ReconcilePayBand(nil, req.PayBand, generic.MaxDate(today, req.StartDate))
	if err != nil {
		return Allocation{}, AllocationChanges{}, err
	}

	a := Allocation{
		ActivityID: activity.ID,
		BookingID:  booking.ID,
		Status:     StatusAllocated,
		Suspended:  req.Suspended,
		StartDate:  req.StartDate,
		PayBands:   bands.Intervals,
	}
	changes := AllocationChanges{Created: true, Suspended: req.Suspended, PayBand: bands}
	if req.EndDate != nil {
		a.Status = StatusEnded
		a.EndDate = generic.DatePtr(*req.EndDate)
		a.EndReason = req.EndReason
		changes.Ended = true
	}
	return a, changes, nil
}

// UpsertAllocation moves an existing allocation to the requested state.
// The start date of an existing allocation is not changed.
func UpsertAllocation(activity Activity, booking Booking, current Allocation, req AllocationRequest, today generic.TimePoint) (Allocation, AllocationChanges, error) {
	next := current.clone()
	var changes AllocationChanges

	if err := checkEndDate(current.StartDate, req.EndDate); err != nil {
		return current, AllocationChanges{}, err
	}

	switch {
	case req.EndDate == nil && current.IsEnded():
		if err := checkAllocatable(activity, booking, today); err != nil {
			return current, AllocationChanges{}, err
		}
		next.Status = StatusAllocated
		next.EndDate = nil
		next.EndReason = ""
		changes.Reallocated = true

	case req.EndDate != nil && !sameEnd(current, *req.EndDate, req.EndReason):
		next.Status = StatusEnded
		next.EndDate = generic.DatePtr(*req.EndDate)
		next.EndReason = req.EndReason
		changes.Ended = true
	}

	// Ending wins over suspension: an ended target keeps the stored flag,
	// so an end pushed from another prison is never refused as a resume.
	if req.EndDate == nil && req.Suspended != current.Suspended {
		if !req.Suspended {
			if err := checkPrison(activity, booking); err != nil {
				return current, AllocationChanges{}, err
			}
			changes.Resumed = true
		} else {
			changes.Suspended = true
		}
		next.Suspended = req.Suspended
	}

	if req.PayBand != "" {
		bands, err := ReconcilePayBand(current.PayBands, req.PayBand, today)
		if err != nil {
			return current, AllocationChanges{}, err
		}
		next.PayBands = bands.Intervals
		changes.PayBand = bands
	}

	if changes.IsNoop() {
		return current, changes, nil
	}
	return next, changes, nil
}

// EndAllocation ends an allocation. Allowed from any prison. Ending again
// with the same date and reason is a no-op.
func EndAllocation(current Allocation, endDate generic.TimePoint, reason string) (Allocation, bool, error) {
	if err := checkEndDate(current.StartDate, &endDate); err != nil {
		return current, false, err
	}
	if sameEnd(current, endDate, reason) {
		return current, false, nil
	}
	next := current.clone()
	next.Status = StatusEnded
	next.EndDate = generic.DatePtr(endDate)
	next.EndReason = reason
	return next, true, nil
}

// SuspendAllocation sets the suspended flag. Allowed from any prison.
func SuspendAllocation(current Allocation) (Allocation, bool) {
	if current.Suspended {
		return current, false
	}
	next := current.clone()
	next.Suspended = true
	return next, true
}

// ResumeAllocation clears the suspended flag. The booking must be at the
// activity's prison.
func ResumeAllocation(activity Activity, booking Booking, current Allocation) (Allocation, bool, error) {
	if !current.Suspended {
		return current, false, nil
	}
	if err := checkPrison(activity, booking); err != nil {
		return current, false, err
	}
	next := current.clone()
	next.Suspended = false
	return next, true, nil
}

// ChangePayBand schedules a new pay band for the allocation.
func ChangePayBand(current Allocation, band string, today generic.TimePoint) (Allocation, PayBandReconciliation, error) {
	bands, err := ReconcilePayBand(current.PayBands, band, today)
	if err != nil {
		return current, PayBandReconciliation{}, err
	}
	if !bands.Changed() {
		return current, bands, nil
	}
	next := current.clone()
	next.PayBands = bands.Intervals
	return next, bands, nil
}

// =============================================================================
// CHECKS
// =============================================================================

func checkAllocatable(activity Activity, booking Booking, today generic.TimePoint) error {
	if activity.EndedBy(today) {
		return &ActivityEndedError{ActivityID: activity.ID, EndDate: *activity.EndDate}
	}
	return checkPrison(activity, booking)
}

func checkPrison(activity Activity, booking Booking) error {
	if booking.Prison != activity.Prison {
		return &PrisonMismatchError{BookingID: booking.ID, BookingPrison: booking.Prison, ActivityPrison: activity.Prison}
	}
	return nil
}

func checkEndDate(start generic.TimePoint, end *generic.TimePoint) error {
	if end != nil && end.Before(start) {
		return &generic.InvalidIntervalError{Subject: "allocation", Start: start.String(), End: end.String()}
	}
	return nil
}

func sameEnd(a Allocation, endDate generic.TimePoint, reason string) bool {
	return a.IsEnded() && a.EndDate != nil && a.EndDate.Equal(endDate) && a.EndReason == reason
}
