package activities

import (
	"fmt"

	"github.com/warp/activities-sync/generic"
)

// Reference kinds used in generic.ReferenceNotFoundError.
const (
	RefIncentiveLevel = "incentive_level"
	RefPayBand        = "pay_band"
	RefActivity       = "activity"
	RefBooking        = "booking"
	RefAllocation     = "allocation"
)

// ActivityEndedError rejects allocating to an activity past its end date.
type ActivityEndedError struct {
	ActivityID ActivityID
	EndDate    generic.TimePoint
}

func (e *ActivityEndedError) Error() string {
	return fmt.Sprintf("activity %s ended on %s", e.ActivityID, e.EndDate)
}

func (e *ActivityEndedError) Unwrap() error { return generic.ErrInvalidRequest }

// PrisonMismatchError rejects (re)allocating or resuming a booking that is
// not at the activity's prison.
type PrisonMismatchError struct {
	BookingID      BookingID
	BookingPrison  PrisonID
	ActivityPrison PrisonID
}

func (e *PrisonMismatchError) Error() string {
	return fmt.Sprintf("booking %s is at %s, activity is at %s", e.BookingID, e.BookingPrison, e.ActivityPrison)
}

func (e *PrisonMismatchError) Unwrap() error { return generic.ErrInvalidRequest }

// DuplicateAllocationError means more than one allocation row exists for a
// booking on an activity; the lifecycle only ever operates on one.
type DuplicateAllocationError struct {
	ActivityID ActivityID
	BookingID  BookingID
	Count      int
}

func (e *DuplicateAllocationError) Error() string {
	return fmt.Sprintf("%d allocations found for booking %s on activity %s", e.Count, e.BookingID, e.ActivityID)
}

func (e *DuplicateAllocationError) Unwrap() error { return generic.ErrConflict }

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), generic.ErrInvalidRequest)
}
