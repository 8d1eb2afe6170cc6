/*
service.go - Orchestrates load → validate → reconcile → persist

PURPOSE:
  Every write follows the same shape:
    1. Read "today" from the clock once
    2. Open a store transaction
    3. Load the aggregate snapshot
    4. Validate every requested code against reference data
    5. Call the pure reconciler
    6. Write back the returned snapshot (skipped when nothing changed)
    7. Log the change summary

  Any error in steps 3-5 aborts before anything is written.

SEE ALSO:
  - payrates.go, schedule.go, allocation.go: the pure reconcilers
  - store.go: the persistence contract
*/
package activities

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/warp/activities-sync/generic"
)

// Service exposes activity synchronisation operations.
type Service struct {
	Store  Store
	Clock  generic.Clock
	Logger *slog.Logger

	// NewID mints ids for activities, allocations and schedule rules.
	NewID func() string
}

// NewService creates a service with uuid v7 ids.
func NewService(store Store, clock generic.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:  store,
		Clock:  clock,
		Logger: logger,
		NewID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// =============================================================================
// ACTIVITIES
// =============================================================================

// NewActivity is the payload to create an activity.
type NewActivity struct {
	ID            ActivityID // optional; minted when empty
	Prison        PrisonID
	Description   string
	StartDate     generic.TimePoint
	EndDate       *generic.TimePoint
	PayRates      []RequestedPayRate
	ScheduleRules []RuleSpec
}

// CreateActivity stores a new activity with its initial rates and rules.
// Initial rates take effect today.
func (s *Service) CreateActivity(ctx context.Context, req NewActivity) (*Activity, error) {
	today := s.Clock.Today()

	if req.Prison == "" {
		return nil, invalidRequest("activity prison is required")
	}
	if req.EndDate != nil && req.EndDate.Before(req.StartDate) {
		return nil, &generic.InvalidIntervalError{Subject: "activity", Start: req.StartDate.String(), End: req.EndDate.String()}
	}
	id := req.ID
	if id == "" {
		id = ActivityID(s.NewID())
	}

	var created *Activity
	err := s.Store.WithTx(ctx, func(repo Repository) error {
		existing, err := repo.GetActivity(ctx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("activity %s already exists: %w", id, generic.ErrConflict)
		}
		if err := ValidatePayRates(ctx, repo, req.Prison, req.PayRates); err != nil {
			return err
		}
		rates, err := ReconcilePayRates(nil, req.PayRates, today)
		if err != nil {
			return err
		}
		rules, err := ReconcileScheduleRules(nil, req.ScheduleRules)
		if err != nil {
			return err
		}

		activity := Activity{
			ID:            id,
			Prison:        req.Prison,
			Description:   req.Description,
			StartDate:     req.StartDate,
			EndDate:       req.EndDate,
			PayRates:      rates.Intervals,
			ScheduleRules: s.assignRuleIDs(rules.Rules),
		}
		if err := repo.SaveActivity(ctx, activity); err != nil {
			return err
		}
		if err := repo.ReplacePayRates(ctx, id, activity.PayRates); err != nil {
			return err
		}
		if err := repo.ReplaceScheduleRules(ctx, id, activity.ScheduleRules); err != nil {
			return err
		}
		created = &activity
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("activity created",
		"activity", id, "prison", req.Prison,
		"pay_rates", len(created.PayRates), "schedule_rules", len(created.ScheduleRules))
	return created, nil
}

// GetActivity loads an activity with its rates and rules.
func (s *Service) GetActivity(ctx context.Context, id ActivityID) (*Activity, error) {
	return loadActivity(ctx, s.Store, id)
}

// UpdatePayRates reconciles an activity's rates to requested.
func (s *Service) UpdatePayRates(ctx context.Context, id ActivityID, requested []RequestedPayRate) (PayRateReconciliation, error) {
	today := s.Clock.Today()

	var rec PayRateReconciliation
	err := s.Store.WithTx(ctx, func(repo Repository) error {
		activity, err := loadActivity(ctx, repo, id)
		if err != nil {
			return err
		}
		if err := ValidatePayRates(ctx, repo, activity.Prison, requested); err != nil {
			return err
		}
		rec, err = ReconcilePayRates(activity.PayRates, requested, today)
		if err != nil {
			return err
		}
		if !rec.Changed() {
			return nil
		}
		return repo.ReplacePayRates(ctx, id, rec.Intervals)
	})
	if err != nil {
		return PayRateReconciliation{}, err
	}

	s.logReconciliation("pay rates reconciled", rec.Changed(),
		"activity", id, "today", today.String(),
		"created", keyStrings(rec.Created), "updated", keyStrings(rec.Updated),
		"expired", keyStrings(rec.Expired), "removed", keyStrings(rec.Removed))
	return rec, nil
}

// UpdateScheduleRules reconciles an activity's weekly rules to requested.
// Created rules are returned with their new ids.
func (s *Service) UpdateScheduleRules(ctx context.Context, id ActivityID, requested []RuleSpec) (RuleReconciliation, error) {
	var rec RuleReconciliation
	err := s.Store.WithTx(ctx, func(repo Repository) error {
		activity, err := loadActivity(ctx, repo, id)
		if err != nil {
			return err
		}
		rec, err = ReconcileScheduleRules(activity.ScheduleRules, requested)
		if err != nil {
			return err
		}
		rec.Rules = s.assignRuleIDs(rec.Rules)
		if !rec.Changed() {
			return nil
		}
		return repo.ReplaceScheduleRules(ctx, id, rec.Rules)
	})
	if err != nil {
		return RuleReconciliation{}, err
	}

	s.logReconciliation("schedule rules reconciled", rec.Changed(),
		"activity", id, "kept", len(rec.Kept), "created", len(rec.Created), "removed", rec.Removed)
	return rec, nil
}

func (s *Service) assignRuleIDs(rules []ScheduleRule) []ScheduleRule {
	out := make([]ScheduleRule, len(rules))
	for i, r := range rules {
		if r.Identity.IsNew() {
			r.Identity = ExistingRule(s.NewID())
		}
		out[i] = r
	}
	return out
}

// =============================================================================
// BOOKINGS
// =============================================================================

// SaveBooking records where a booking currently is.
func (s *Service) SaveBooking(ctx context.Context, booking Booking) error {
	if booking.ID == "" || booking.Prison == "" {
		return invalidRequest("booking id and prison are required")
	}
	return s.Store.SaveBooking(ctx, booking)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

// UpsertAllocation creates the allocation or moves it to the requested state.
func (s *Service) UpsertAllocation(ctx context.Context, activityID ActivityID, bookingID BookingID, req AllocationRequest) (*Allocation, AllocationChanges, error) {
	today := s.Clock.Today()

	var (
		result  Allocation
		changes AllocationChanges
	)
	err := s.Store.WithTx(ctx, func(repo Repository) error {
		activity, booking, existing, err := loadAllocationContext(ctx, repo, activityID, bookingID)
		if err != nil {
			return err
		}
		if req.PayBand != "" {
			if _, err := repo.ResolvePayBand(ctx, req.PayBand); err != nil {
				return err
			}
		}

		if existing == nil {
			result, changes, err = Allocate(*activity, *booking, req, today)
			if err != nil {
				return err
			}
			result.ID = s.NewID()
		} else {
			result, changes, err = UpsertAllocation(*activity, *booking, *existing, req, today)
			if err != nil {
				return err
			}
		}
		if changes.IsNoop() {
			return nil
		}
		return repo.SaveAllocation(ctx, result)
	})
	if err != nil {
		return nil, AllocationChanges{}, err
	}

	s.logAllocation("allocation upserted", result, changes)
	return &result, changes, nil
}

// GetAllocation loads the single allocation of a booking on an activity.
func (s *Service) GetAllocation(ctx context.Context, activityID ActivityID, bookingID BookingID) (*Allocation, error) {
	return loadAllocation(ctx, s.Store, activityID, bookingID)
}

// EndAllocation ends an allocation on endDate with reason.
func (s *Service) EndAllocation(ctx context.Context, activityID ActivityID, bookingID BookingID, endDate generic.TimePoint, reason string) (*Allocation, error) {
	return s.mutateAllocation(ctx, activityID, bookingID, "allocation ended",
		func(_ Repository, _ Activity, _ Booking, a Allocation, _ generic.TimePoint) (Allocation, AllocationChanges, error) {
			next, changed, err := EndAllocation(a, endDate, reason)
			return next, AllocationChanges{Ended: changed}, err
		})
}

// SuspendAllocation suspends an allocation.
func (s *Service) SuspendAllocation(ctx context.Context, activityID ActivityID, bookingID BookingID) (*Allocation, error) {
	return s.mutateAllocation(ctx, activityID, bookingID, "allocation suspended",
		func(_ Repository, _ Activity, _ Booking, a Allocation, _ generic.TimePoint) (Allocation, AllocationChanges, error) {
			next, changed := SuspendAllocation(a)
			return next, AllocationChanges{Suspended: changed}, nil
		})
}

// ResumeAllocation resumes a suspended allocation.
func (s *Service) ResumeAllocation(ctx context.Context, activityID ActivityID, bookingID BookingID) (*Allocation, error) {
	return s.mutateAllocation(ctx, activityID, bookingID, "allocation resumed",
		func(_ Repository, activity Activity, booking Booking, a Allocation, _ generic.TimePoint) (Allocation, AllocationChanges, error) {
			next, changed, err := ResumeAllocation(activity, booking, a)
			return next, AllocationChanges{Resumed: changed}, err
		})
}

// ChangeAllocationPayBand schedules a new pay band for an allocation.
func (s *Service) ChangeAllocationPayBand(ctx context.Context, activityID ActivityID, bookingID BookingID, band string) (*Allocation, error) {
	return s.mutateAllocation(ctx, activityID, bookingID, "allocation pay band changed",
		func(repo Repository, _ Activity, _ Booking, a Allocation, today generic.TimePoint) (Allocation, AllocationChanges, error) {
			if _, err := repo.ResolvePayBand(ctx, band); err != nil {
				return a, AllocationChanges{}, err
			}
			next, rec, err := ChangePayBand(a, band, today)
			return next, AllocationChanges{PayBand: rec}, err
		})
}

type allocationMutation func(Repository, Activity, Booking, Allocation, generic.TimePoint) (Allocation, AllocationChanges, error)

func (s *Service) mutateAllocation(ctx context.Context, activityID ActivityID, bookingID BookingID, msg string, fn allocationMutation) (*Allocation, error) {
	today := s.Clock.Today()

	var (
		result  Allocation
		changes AllocationChanges
	)
	err := s.Store.WithTx(ctx, func(repo Repository) error {
		activity, booking, existing, err := loadAllocationContext(ctx, repo, activityID, bookingID)
		if err != nil {
			return err
		}
		if existing == nil {
			return &generic.ReferenceNotFoundError{Kind: RefAllocation, Code: string(bookingID), Scope: "activity " + string(activityID)}
		}
		result, changes, err = fn(repo, *activity, *booking, *existing, today)
		if err != nil {
			return err
		}
		if changes.IsNoop() {
			return nil
		}
		return repo.SaveAllocation(ctx, result)
	})
	if err != nil {
		return nil, err
	}

	s.logAllocation(msg, result, changes)
	return &result, nil
}

// =============================================================================
// LOADING
// =============================================================================

func loadActivity(ctx context.Context, repo Repository, id ActivityID) (*Activity, error) {
	activity, err := repo.GetActivity(ctx, id)
	if err != nil {
		return nil, err
	}
	if activity == nil {
		return nil, generic.NotFound(RefActivity, string(id))
	}
	return activity, nil
}

func loadAllocation(ctx context.Context, repo Repository, activityID ActivityID, bookingID BookingID) (*Allocation, error) {
	a, err := findAllocation(ctx, repo, activityID, bookingID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, &generic.ReferenceNotFoundError{Kind: RefAllocation, Code: string(bookingID), Scope: "activity " + string(activityID)}
	}
	return a, nil
}

// findAllocation returns the single allocation row, nil if there is none.
// Duplicate rows are rejected here, before the lifecycle runs.
func findAllocation(ctx context.Context, repo Repository, activityID ActivityID, bookingID BookingID) (*Allocation, error) {
	rows, err := repo.FindAllocations(ctx, activityID, bookingID)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return &rows[0], nil
	default:
		return nil, &DuplicateAllocationError{ActivityID: activityID, BookingID: bookingID, Count: len(rows)}
	}
}

// loadAllocationContext loads the activity, the booking and the allocation if one exists.
func loadAllocationContext(ctx context.Context, repo Repository, activityID ActivityID, bookingID BookingID) (*Activity, *Booking, *Allocation, error) {
	activity, err := loadActivity(ctx, repo, activityID)
	if err != nil {
		return nil, nil, nil, err
	}
	booking, err := repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, nil, nil, err
	}
	if booking == nil {
		return nil, nil, nil, generic.NotFound(RefBooking, string(bookingID))
	}
	allocation, err := findAllocation(ctx, repo, activityID, bookingID)
	if err != nil {
		return nil, nil, nil, err
	}
	return activity, booking, allocation, nil
}

// =============================================================================
// LOGGING
// =============================================================================

func (s *Service) logReconciliation(msg string, changed bool, args ...any) {
	if changed {
		s.Logger.Info(msg, args...)
		return
	}
	s.Logger.Debug(msg+" (no change)", args...)
}

func (s *Service) logAllocation(msg string, a Allocation, c AllocationChanges) {
	s.logReconciliation(msg, !c.IsNoop(),
		"activity", a.ActivityID, "booking", a.BookingID, "allocation", a.ID,
		"status", a.Status, "suspended", a.Suspended,
		"created", c.Created, "ended", c.Ended, "reallocated", c.Reallocated,
		"pay_band_changed", c.PayBand.Changed())
}

func keyStrings[K fmt.Stringer](keys []K) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
