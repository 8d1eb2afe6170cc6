// Package memory provides an in-memory activities.Store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/activities-sync/activities"
	"github.com/warp/activities-sync/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	data state
}

type state struct {
	activities      map[activities.ActivityID]activities.Activity
	bookings        map[activities.BookingID]activities.Booking
	allocations     map[string]activities.Allocation
	incentiveLevels map[levelKey]activities.IncentiveLevel
	payBands        map[string]activities.PayBand
}

type levelKey struct {
	Prison activities.PrisonID
	Code   string
}

func NewMemory() *Memory {
	return &Memory{data: state{
		activities:      make(map[activities.ActivityID]activities.Activity),
		bookings:        make(map[activities.BookingID]activities.Booking),
		allocations:     make(map[string]activities.Allocation),
		incentiveLevels: make(map[levelKey]activities.IncentiveLevel),
		payBands:        make(map[string]activities.PayBand),
	}}
}

var _ activities.Store = (*Memory)(nil)

// =============================================================================
// REFERENCE DATA
// =============================================================================

// AddIncentiveLevel registers a level offered at a prison.
func (m *Memory) AddIncentiveLevel(level activities.IncentiveLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.incentiveLevels[levelKey{level.Prison, level.Code}] = level
}

// AddPayBand registers a pay band.
func (m *Memory) AddPayBand(band activities.PayBand) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.payBands[band.Code] = band
}

// AddAllocationRow inserts a raw allocation row without any checks.
// Lets tests reproduce duplicate rows left behind by other writers.
func (m *Memory) AddAllocationRow(a activities.Allocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.allocations[a.ID] = cloneAllocation(a)
}

func (m *Memory) ResolveIncentiveLevel(ctx context.Context, prison activities.PrisonID, code string) (activities.IncentiveLevel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ResolveIncentiveLevel(ctx, prison, code)
}

func (m *Memory) ResolvePayBand(ctx context.Context, code string) (activities.PayBand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ResolvePayBand(ctx, code)
}

// =============================================================================
// REPOSITORY (locking wrappers around view)
// =============================================================================

func (m *Memory) GetActivity(ctx context.Context, id activities.ActivityID) (*activities.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetActivity(ctx, id)
}

func (m *Memory) SaveActivity(ctx context.Context, a activities.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SaveActivity(ctx, a)
}

func (m *Memory) ReplacePayRates(ctx context.Context, id activities.ActivityID, rates []activities.PayRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ReplacePayRates(ctx, id, rates)
}

func (m *Memory) ReplaceScheduleRules(ctx context.Context, id activities.ActivityID, rules []activities.ScheduleRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ReplaceScheduleRules(ctx, id, rules)
}

func (m *Memory) GetBooking(ctx context.Context, id activities.BookingID) (*activities.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetBooking(ctx, id)
}

func (m *Memory) SaveBooking(ctx context.Context, b activities.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SaveBooking(ctx, b)
}

func (m *Memory) FindAllocations(ctx context.Context, activityID activities.ActivityID, bookingID activities.BookingID) ([]activities.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().FindAllocations(ctx, activityID, bookingID)
}

func (m *Memory) SaveAllocation(ctx context.Context, a activities.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SaveAllocation(ctx, a)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// Simulated with a snapshot + rollback on error; the write lock is held
// throughout so transactions are serialized.
func (m *Memory) WithTx(ctx context.Context, fn func(activities.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(m.view()); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (s state) clone() state {
	c := state{
		activities:      make(map[activities.ActivityID]activities.Activity, len(s.activities)),
		bookings:        make(map[activities.BookingID]activities.Booking, len(s.bookings)),
		allocations:     make(map[string]activities.Allocation, len(s.allocations)),
		incentiveLevels: make(map[levelKey]activities.IncentiveLevel, len(s.incentiveLevels)),
		payBands:        make(map[string]activities.PayBand, len(s.payBands)),
	}
	for k, v := range s.activities {
		c.activities[k] = cloneActivity(v)
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.allocations {
		c.allocations[k] = cloneAllocation(v)
	}
	for k, v := range s.incentiveLevels {
		c.incentiveLevels[k] = v
	}
	for k, v := range s.payBands {
		c.payBands[k] = v
	}
	return c
}

// =============================================================================
// VIEW - Unlocked access; callers hold m.mu
// =============================================================================

type view struct {
	data *state
}

func (m *Memory) view() view { return view{data: &m.data} }

func (v view) ResolveIncentiveLevel(_ context.Context, prison activities.PrisonID, code string) (activities.IncentiveLevel, error) {
	level, ok := v.data.incentiveLevels[levelKey{prison, code}]
	if !ok {
		return activities.IncentiveLevel{}, &generic.ReferenceNotFoundError{Kind: activities.RefIncentiveLevel, Code: code, Scope: string(prison)}
	}
	return level, nil
}

func (v view) ResolvePayBand(_ context.Context, code string) (activities.PayBand, error) {
	band, ok := v.data.payBands[code]
	if !ok {
		return activities.PayBand{}, generic.NotFound(activities.RefPayBand, code)
	}
	return band, nil
}

func (v view) GetActivity(_ context.Context, id activities.ActivityID) (*activities.Activity, error) {
	a, ok := v.data.activities[id]
	if !ok {
		return nil, nil
	}
	a = cloneActivity(a)
	return &a, nil
}

func (v view) SaveActivity(_ context.Context, a activities.Activity) error {
	existing := v.data.activities[a.ID]
	a.PayRates = existing.PayRates
	a.ScheduleRules = existing.ScheduleRules
	v.data.activities[a.ID] = cloneActivity(a)
	return nil
}

func (v view) ReplacePayRates(_ context.Context, id activities.ActivityID, rates []activities.PayRate) error {
	a, ok := v.data.activities[id]
	if !ok {
		return generic.NotFound(activities.RefActivity, string(id))
	}
	a.PayRates = clonePayRates(rates)
	v.data.activities[id] = a
	return nil
}

func (v view) ReplaceScheduleRules(_ context.Context, id activities.ActivityID, rules []activities.ScheduleRule) error {
	a, ok := v.data.activities[id]
	if !ok {
		return generic.NotFound(activities.RefActivity, string(id))
	}
	a.ScheduleRules = append([]activities.ScheduleRule(nil), rules...)
	v.data.activities[id] = a
	return nil
}

func (v view) GetBooking(_ context.Context, id activities.BookingID) (*activities.Booking, error) {
	b, ok := v.data.bookings[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (v view) SaveBooking(_ context.Context, b activities.Booking) error {
	v.data.bookings[b.ID] = b
	return nil
}

func (v view) FindAllocations(_ context.Context, activityID activities.ActivityID, bookingID activities.BookingID) ([]activities.Allocation, error) {
	var result []activities.Allocation
	for _, a := range v.data.allocations {
		if a.ActivityID == activityID && a.BookingID == bookingID {
			result = append(result, cloneAllocation(a))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (v view) SaveAllocation(_ context.Context, a activities.Allocation) error {
	v.data.allocations[a.ID] = cloneAllocation(a)
	return nil
}

// =============================================================================
// COPYING - Stored values never alias caller values
// =============================================================================

func cloneActivity(a activities.Activity) activities.Activity {
	if a.EndDate != nil {
		a.EndDate = generic.DatePtr(*a.EndDate)
	}
	a.PayRates = clonePayRates(a.PayRates)
	a.ScheduleRules = append([]activities.ScheduleRule(nil), a.ScheduleRules...)
	return a
}

func clonePayRates(rates []activities.PayRate) []activities.PayRate {
	out := make([]activities.PayRate, len(rates))
	for i, r := range rates {
		if r.End != nil {
			r.End = generic.DatePtr(*r.End)
		}
		out[i] = r
	}
	return out
}

func cloneAllocation(a activities.Allocation) activities.Allocation {
	if a.EndDate != nil {
		a.EndDate = generic.DatePtr(*a.EndDate)
	}
	bands := make([]activities.AllocationPayBand, len(a.PayBands))
	for i, b := range a.PayBands {
		if b.End != nil {
			b.End = generic.DatePtr(*b.End)
		}
		bands[i] = b
	}
	a.PayBands = bands
	return a
}
