/*
store.go - Persistence contract for the activities service

PURPOSE:
  The reconcilers are pure; the service loads a snapshot, reconciles it and
  writes the returned snapshot back. Store is the seam between the two.

SNAPSHOT WRITES:
  ReplacePayRates / ReplaceScheduleRules / SaveAllocation write the whole
  owned collection of one parent. Implementations must make the replace
  atomic within WithTx.

TRANSACTIONS:
  WithTx runs fn against a transaction-scoped Repository. If fn returns an
  error nothing is written. Concurrent updates of the same activity or
  allocation are serialized by the implementation.

NOT FOUND:
  Getters return (nil, nil) when the row does not exist; the service turns
  that into a generic.ReferenceNotFoundError.

IMPLEMENTATIONS:
  - store/sqlite: SQLite
  - store/memory: in-memory, for tests and development
*/
package activities

import "context"

// Repository reads and writes aggregates.
type Repository interface {
	ReferenceResolver

	GetActivity(ctx context.Context, id ActivityID) (*Activity, error)
	SaveActivity(ctx context.Context, activity Activity) error
	ReplacePayRates(ctx context.Context, id ActivityID, rates []PayRate) error
	// ReplaceScheduleRules expects every rule to carry an existing identity.
	ReplaceScheduleRules(ctx context.Context, id ActivityID, rules []ScheduleRule) error

	GetBooking(ctx context.Context, id BookingID) (*Booking, error)
	SaveBooking(ctx context.Context, booking Booking) error

	// FindAllocations returns every allocation row for the pair. More than
	// one row is a data problem the service reports as a conflict.
	FindAllocations(ctx context.Context, activityID ActivityID, bookingID BookingID) ([]Allocation, error)
	// SaveAllocation inserts or updates the allocation and replaces its pay-band history.
	SaveAllocation(ctx context.Context, allocation Allocation) error
}

// Store is a Repository that can run transactions.
type Store interface {
	Repository

	WithTx(ctx context.Context, fn func(Repository) error) error
}
