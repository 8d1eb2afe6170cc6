/*
interval.go - Effective-dated intervals and their reconciliation

PURPOSE:
  An Interval records that a keyed value was in force from Start to End
  (inclusive). A history is a list of intervals for many keys owned by one
  parent (an activity's pay rates, an allocation's pay bands).

  IntervalReconciler moves a history towards a requested target state
  without rewriting the past:

    current history + requested {key: value} + today
                    │
                    ▼
          new history + summary (created/updated/expired/removed)

RULES (per key):
  Requested, value unchanged      → kept verbatim (idempotent)
  Requested, open & in force      → closed at today, new open interval from today+1
  Requested, pending (future)     → pending value overwritten in place
  Requested, no live interval     → new open interval from today
  Not requested, pending          → pending interval deleted (never took effect)
  Not requested, in force         → closed at today
  Expired (End < today)           → never touched

INVARIANTS (checked on the current history before anything is computed):
  - End >= Start
  - At most one open-ended interval per key
  - No overlap between intervals of the same key
  - At most one pending (Start > today) interval per key

END DATES:
  End is inclusive. An interval closed at today is still in force today;
  its successor starts tomorrow.

SEE ALSO:
  - activities/payrates.go: Pay rates keyed by (incentive level, pay band)
  - activities/allocation.go: Allocation pay-band history
*/
package generic

import (
	"fmt"
	"sort"
)

// =============================================================================
// INTERVAL
// =============================================================================

// Interval is a keyed value in force over [Start, End]. A nil End means open-ended.
type Interval[K comparable, V any] struct {
	Key   K
	Start TimePoint
	End   *TimePoint
	Value V
}

// IsOpen returns true if the interval has no end date.
func (iv Interval[K, V]) IsOpen() bool { return iv.End == nil }

// Contains returns true if the interval is in force on date.
func (iv Interval[K, V]) Contains(date TimePoint) bool {
	if date.Before(iv.Start) {
		return false
	}
	return iv.End == nil || date.BeforeOrEqual(*iv.End)
}

// ExpiredBy returns true if the interval ended before today.
func (iv Interval[K, V]) ExpiredBy(today TimePoint) bool {
	return iv.End != nil && iv.End.Before(today)
}

// PendingAt returns true if the interval has not yet taken effect.
func (iv Interval[K, V]) PendingAt(today TimePoint) bool {
	return iv.Start.After(today)
}

func (iv Interval[K, V]) clone() Interval[K, V] {
	if iv.End != nil {
		end := *iv.End
		iv.End = &end
	}
	return iv
}

// ValueOn returns the value in force for key on date.
func ValueOn[K comparable, V any](intervals []Interval[K, V], key K, date TimePoint) (V, bool) {
	for _, iv := range intervals {
		if iv.Key == key && iv.Contains(date) {
			return iv.Value, true
		}
	}
	var zero V
	return zero, false
}

// =============================================================================
// RECONCILIATION RESULT
// =============================================================================

// Reconciliation is the new history plus which keys changed.
type Reconciliation[K comparable, V any] struct {
	Intervals []Interval[K, V]

	Created []K // new open interval with no live predecessor
	Updated []K // value change scheduled (or pending value overwritten)
	Expired []K // in-force interval closed at today
	Removed []K // pending interval deleted
}

// Changed returns true if any key was mutated.
func (r Reconciliation[K, V]) Changed() bool {
	return len(r.Created)+len(r.Updated)+len(r.Expired)+len(r.Removed) > 0
}

type change int

const (
	unchanged change = iota
	created
	updated
	expired
	removed
)

func (r *Reconciliation[K, V]) record(key K, c change) {
	switch c {
	case created:
		r.Created = append(r.Created, key)
	case updated:
		r.Updated = append(r.Updated, key)
	case expired:
		r.Expired = append(r.Expired, key)
	case removed:
		r.Removed = append(r.Removed, key)
	}
}

// =============================================================================
// INTERVAL RECONCILER
// =============================================================================

// IntervalReconciler reconciles histories keyed by K with values V.
//
// Equal decides whether a requested value matches the stored one; for money it
// must be an exact decimal comparison. Less orders keys so output is
// deterministic. Describe renders a key for error messages (fmt.Sprint if nil).
type IntervalReconciler[K comparable, V any] struct {
	Equal    func(a, b V) bool
	Less     func(a, b K) bool
	Describe func(K) string
}

// Reconcile computes the history that reflects requested from today onward.
// current is never modified. Fails with an InvariantViolationError before
// doing any work if current is corrupt.
func (r IntervalReconciler[K, V]) Reconcile(current []Interval[K, V], requested map[K]V, today TimePoint) (Reconciliation[K, V], error) {
	groups, err := r.partition(current, today)
	if err != nil {
		return Reconciliation[K, V]{}, err
	}

	keys := make([]K, 0, len(groups)+len(requested))
	for k := range groups {
		keys = append(keys, k)
	}
	for k := range requested {
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
	}
	r.sortKeys(keys)

	var rec Reconciliation[K, V]
	for _, k := range keys {
		history := groups[k]
		var (
			out []Interval[K, V]
			c   change
		)
		if value, ok := requested[k]; ok {
			out, c = r.apply(k, history, value, today)
		} else {
			out, c = r.withdraw(history, today)
		}
		rec.Intervals = append(rec.Intervals, out...)
		rec.record(k, c)
	}
	return rec, nil
}

// Validate checks the interval invariants of a history without reconciling it.
func (r IntervalReconciler[K, V]) Validate(current []Interval[K, V], today TimePoint) error {
	_, err := r.partition(current, today)
	return err
}

// apply moves one key's history to value.
func (r IntervalReconciler[K, V]) apply(key K, history []Interval[K, V], value V, today TimePoint) ([]Interval[K, V], change) {
	pending, active := locate(history, today)

	switch {
	case pending >= 0:
		// Second edit before the first took effect: one pending interval per key.
		if r.Equal(history[pending].Value, value) {
			return history, unchanged
		}
		history[pending].Value = value
		return history, updated

	case active >= 0 && history[active].IsOpen():
		if r.Equal(history[active].Value, value) {
			return history, unchanged
		}
		end := today
		history[active].End = &end
		return append(history, Interval[K, V]{Key: key, Start: today.AddDays(1), Value: value}), updated

	case active >= 0:
		// Closed but still in force: continue after it ends, or from tomorrow
		// if the value changes.
		cur := &history[active]
		start := cur.End.AddDays(1)
		if !r.Equal(cur.Value, value) && cur.End.After(today) {
			end := today
			cur.End = &end
			start = today.AddDays(1)
		}
		return append(history, Interval[K, V]{Key: key, Start: start, Value: value}), updated
	}

	// No prior live state to protect: immediate effect.
	return append(history, Interval[K, V]{Key: key, Start: today, Value: value}), created
}

// withdraw removes one key from the target state.
func (r IntervalReconciler[K, V]) withdraw(history []Interval[K, V], today TimePoint) ([]Interval[K, V], change) {
	pending, active := locate(history, today)

	if pending >= 0 {
		return append(history[:pending:pending], history[pending+1:]...), removed
	}
	if active >= 0 {
		cur := &history[active]
		if cur.End == nil || cur.End.After(today) {
			end := today
			cur.End = &end
			return history, expired
		}
	}
	return history, unchanged
}

// locate returns the indexes of the pending and in-force intervals, or -1.
func locate[K comparable, V any](history []Interval[K, V], today TimePoint) (pending, active int) {
	pending, active = -1, -1
	for i, iv := range history {
		switch {
		case iv.PendingAt(today):
			pending = i
		case !iv.ExpiredBy(today):
			active = i
		}
	}
	return pending, active
}

// partition groups a copy of current by key, sorted by start, and checks
// the invariants for every key.
func (r IntervalReconciler[K, V]) partition(current []Interval[K, V], today TimePoint) (map[K][]Interval[K, V], error) {
	groups := make(map[K][]Interval[K, V])
	for _, iv := range current {
		groups[iv.Key] = append(groups[iv.Key], iv.clone())
	}

	for k, history := range groups {
		sort.SliceStable(history, func(i, j int) bool {
			return history[i].Start.Before(history[j].Start)
		})

		var open, pending int
		for i, iv := range history {
			if iv.End != nil && iv.End.Before(iv.Start) {
				return nil, r.violation(k, fmt.Sprintf("interval starting %s ends %s", iv.Start, iv.End))
			}
			if iv.IsOpen() {
				open++
			}
			if iv.PendingAt(today) {
				pending++
			}
			if i > 0 {
				prev := history[i-1]
				if prev.End == nil || !prev.End.Before(iv.Start) {
					return nil, r.violation(k, fmt.Sprintf("interval starting %s overlaps interval starting %s", iv.Start, prev.Start))
				}
			}
		}
		if open > 1 {
			return nil, r.violation(k, fmt.Sprintf("%d open-ended intervals", open))
		}
		if pending > 1 {
			return nil, r.violation(k, fmt.Sprintf("%d pending intervals", pending))
		}
	}
	return groups, nil
}

func (r IntervalReconciler[K, V]) violation(key K, reason string) error {
	return &InvariantViolationError{Key: r.describe(key), Reason: reason}
}

func (r IntervalReconciler[K, V]) describe(key K) string {
	if r.Describe != nil {
		return r.Describe(key)
	}
	return fmt.Sprint(key)
}

func (r IntervalReconciler[K, V]) sortKeys(keys []K) {
	sort.Slice(keys, func(i, j int) bool {
		if r.Less != nil {
			return r.Less(keys[i], keys[j])
		}
		return r.describe(keys[i]) < r.describe(keys[j])
	})
}
