package generic_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/activities-sync/generic"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type rateKey struct {
	Level string
	Band  string
}

type rate = generic.Interval[rateKey, decimal.Decimal]

var today = generic.NewTimePoint(2025, time.June, 15)

func day(offset int) generic.TimePoint { return today.AddDays(offset) }

func end(offset int) *generic.TimePoint { return generic.DatePtr(day(offset)) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func reconciler() generic.IntervalReconciler[rateKey, decimal.Decimal] {
	return generic.IntervalReconciler[rateKey, decimal.Decimal]{
		Equal: func(a, b decimal.Decimal) bool { return a.Equal(b) },
		Less: func(a, b rateKey) bool {
			if a.Level != b.Level {
				return a.Level < b.Level
			}
			return a.Band < b.Band
		},
	}
}

func std(band string) rateKey { return rateKey{Level: "STD", Band: band} }

// assertSameHistory compares intervals field by field (decimal-exact, date-exact).
func assertSameHistory(t *testing.T, expected, actual []rate) {
	t.Helper()
	require.Len(t, actual, len(expected))
	for i := range expected {
		e, a := expected[i], actual[i]
		assert.Equal(t, e.Key, a.Key, "interval %d key", i)
		assert.True(t, e.Start.Equal(a.Start), "interval %d start: expected %s, got %s", i, e.Start, a.Start)
		if e.End == nil {
			assert.Nil(t, a.End, "interval %d should be open", i)
		} else if assert.NotNil(t, a.End, "interval %d should be closed", i) {
			assert.True(t, e.End.Equal(*a.End), "interval %d end: expected %s, got %s", i, e.End, a.End)
		}
		assert.True(t, e.Value.Equal(a.Value), "interval %d value: expected %s, got %s", i, e.Value, a.Value)
	}
}

// assertInvariants checks no-overlap and at-most-one-open per key.
func assertInvariants(t *testing.T, intervals []rate) {
	t.Helper()
	open := map[rateKey]int{}
	for i, a := range intervals {
		if a.End == nil {
			open[a.Key]++
		}
		for j, b := range intervals {
			if i == j || a.Key != b.Key {
				continue
			}
			overlap := (a.End == nil || !a.End.Before(b.Start)) && (b.End == nil || !b.End.Before(a.Start))
			assert.False(t, overlap, "intervals %d and %d overlap for %v", i, j, a.Key)
		}
	}
	for k, n := range open {
		assert.LessOrEqual(t, n, 1, "key %v has %d open intervals", k, n)
	}
}

// =============================================================================
// OBSERVED SCENARIOS
// =============================================================================

func TestReconcile_UnchangedRate_IsNoop(t *testing.T) {
	// GIVEN: STD/5 at 3.2 since T-30
	// WHEN: Requesting STD/5 at 3.20 (same decimal value, different scale)
	// THEN: History unchanged, nothing reported
	current := []rate{{Key: std("5"), Start: day(-30), Value: dec("3.2")}}

	rec, err := reconciler().Reconcile(current, map[rateKey]decimal.Decimal{std("5"): dec("3.20")}, today)
	require.NoError(t, err)

	assertSameHistory(t, current, rec.Intervals)
	assert.Empty(t, rec.Updated)
	assert.False(t, rec.Changed())
}

func TestReconcile_ChangedRate_TakesEffectTomorrow(t *testing.T) {
	// GIVEN: STD/5 at 3.2 since T-30
	// WHEN: Requesting 4.3 today
	// THEN: Old interval closed at T, new one open from T+1
	current := []rate{{Key: std("5"), Start: day(-30), Value: dec("3.2")}}

	rec, err := reconciler().Reconcile(current, map[rateKey]decimal.Decimal{std("5"): dec("4.3")}, today)
	require.NoError(t, err)

	assertSameHistory(t, []rate{
		{Key: std("5"), Start: day(-30), End: end(0), Value: dec("3.2")},
		{Key: std("5"), Start: day(1), Value: dec("4.3")},
	}, rec.Intervals)
	assert.Equal(t, []rateKey{std("5")}, rec.Updated)
	assertInvariants(t, rec.Intervals)
}

func TestReconcile_PendingEdit_OverwrittenInPlace(t *testing.T) {
	// GIVEN: An edit already pending from T+1
	// WHEN: Editing again the same day
	// THEN: The pending value changes; no third interval
	current := []rate{
		{Key: std("5"), Start: day(-10), End: end(0), Value: dec("3.2")},
		{Key: std("5"), Start: day(1), Value: dec("4.3")},
	}

	rec, err := reconciler().Reconcile(current, map[rateKey]decimal.Decimal{std("5"): dec("5.4")}, today)
	require.NoError(t, err)

	assertSameHistory(t, []rate{
		{Key: std("5"), Start: day(-10), End: end(0), Value: dec("3.2")},
		{Key: std("5"), Start: day(1), Value: dec("5.4")},
	}, rec.Intervals)
	assert.Equal(t, []rateKey{std("5")}, rec.Updated)
}

func TestReconcile_RemoveAll_ClosesActiveDeletesPending(t *testing.T) {
	// GIVEN: STD/5 active, STD/6 pending from T+1
	// WHEN: Requesting no rates
	// THEN: STD/5 closed at T; STD/6 deleted outright
	current := []rate{
		{Key: std("5"), Start: day(-10), Value: dec("3.2")},
		{Key: std("6"), Start: day(1), Value: dec("4.3")},
	}

	rec, err := reconciler().Reconcile(current, nil, today)
	require.NoError(t, err)

	assertSameHistory(t, []rate{
		{Key: std("5"), Start: day(-10), End: end(0), Value: dec("3.2")},
	}, rec.Intervals)
	assert.Equal(t, []rateKey{std("5")}, rec.Expired)
	assert.Equal(t, []rateKey{std("6")}, rec.Removed)
}

func TestReconcile_NewKey_EffectiveToday(t *testing.T) {
	// GIVEN: No STD/6 rate
	// WHEN: Requesting STD/6 at 6.5
	// THEN: New open interval starting today
	rec, err := reconciler().Reconcile(nil, map[rateKey]decimal.Decimal{std("6"): dec("6.5")}, today)
	require.NoError(t, err)

	assertSameHistory(t, []rate{{Key: std("6"), Start: today, Value: dec("6.5")}}, rec.Intervals)
	assert.Equal(t, []rateKey{std("6")}, rec.Created)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestReconcile_Idempotent(t *testing.T) {
	current := []rate{
		{Key: std("1"), Start: day(-100), End: end(-50), Value: dec("1.00")},
		{Key: std("1"), Start: day(-49), Value: dec("1.25")},
		{Key: std("2"), Start: day(-20), Value: dec("2.5")},
		{Key: std("3"), Start: day(3), Value: dec("3.5")},
		{Key: rateKey{"ENH", "1"}, Start: day(-5), Value: dec("4")},
	}
	requested := map[rateKey]decimal.Decimal{
		std("1"):             dec("1.30"),
		std("3"):             dec("3.75"),
		std("4"):             dec("0.5"),
		rateKey{"ENH", "1"}: dec("4.000"),
	}

	first, err := reconciler().Reconcile(current, requested, today)
	require.NoError(t, err)
	assert.True(t, first.Changed())
	assertInvariants(t, first.Intervals)

	second, err := reconciler().Reconcile(first.Intervals, requested, today)
	require.NoError(t, err)
	assert.False(t, second.Changed(), "second pass reported %+v", second)
	assertSameHistory(t, first.Intervals, second.Intervals)
}

func TestReconcile_HistoryImmutable(t *testing.T) {
	// GIVEN: Fully expired intervals for a key that is not requested,
	//        and for a key that is requested again
	current := []rate{
		{Key: std("1"), Start: day(-100), End: end(-50), Value: dec("1.00")},
		{Key: std("2"), Start: day(-100), End: end(-1), Value: dec("2.00")},
	}
	requested := map[rateKey]decimal.Decimal{std("2"): dec("2.50")}

	rec, err := reconciler().Reconcile(current, requested, today)
	require.NoError(t, err)

	// THEN: Expired intervals appear unchanged; the re-requested key starts fresh today
	assertSameHistory(t, []rate{
		{Key: std("1"), Start: day(-100), End: end(-50), Value: dec("1.00")},
		{Key: std("2"), Start: day(-100), End: end(-1), Value: dec("2.00")},
		{Key: std("2"), Start: today, Value: dec("2.50")},
	}, rec.Intervals)
	assert.Equal(t, []rateKey{std("2")}, rec.Created)
	assertInvariants(t, rec.Intervals)
}

func TestReconcile_SameDayDoubleEdit_SinglePending(t *testing.T) {
	current := []rate{{Key: std("5"), Start: day(-30), Value: dec("3.2")}}

	first, err := reconciler().Reconcile(current, map[rateKey]decimal.Decimal{std("5"): dec("4.3")}, today)
	require.NoError(t, err)
	second, err := reconciler().Reconcile(first.Intervals, map[rateKey]decimal.Decimal{std("5"): dec("5.4")}, today)
	require.NoError(t, err)

	var pending int
	for _, iv := range second.Intervals {
		if iv.PendingAt(today) {
			pending++
			assert.True(t, iv.Value.Equal(dec("5.4")))
		}
	}
	assert.Equal(t, 1, pending)
	assert.Len(t, second.Intervals, 2)
}

func TestReconcile_DoesNotMutateInput(t *testing.T) {
	current := []rate{{Key: std("5"), Start: day(-30), Value: dec("3.2")}}

	_, err := reconciler().Reconcile(current, map[rateKey]decimal.Decimal{std("5"): dec("4.3")}, today)
	require.NoError(t, err)

	assert.Nil(t, current[0].End)
	assert.True(t, current[0].Value.Equal(dec("3.2")))
}

func TestReconcile_ClosedTodayThenRequestedAgain(t *testing.T) {
	// GIVEN: A key withdrawn earlier today (closed at T)
	// WHEN: It is requested again with the same value
	// THEN: It resumes from tomorrow without touching the closed interval
	current := []rate{{Key: std("5"), Start: day(-30), End: end(0), Value: dec("3.2")}}

	rec, err := reconciler().Reconcile(current, map[rateKey]decimal.Decimal{std("5"): dec("3.2")}, today)
	require.NoError(t, err)

	assertSameHistory(t, []rate{
		{Key: std("5"), Start: day(-30), End: end(0), Value: dec("3.2")},
		{Key: std("5"), Start: day(1), Value: dec("3.2")},
	}, rec.Intervals)
	assertInvariants(t, rec.Intervals)
}

func TestReconcile_BoundedFutureEnd_ValueChange(t *testing.T) {
	// GIVEN: A rate in force until T+10
	// WHEN: A different value is requested
	// THEN: The old rate is cut back to today and the new one starts tomorrow
	current := []rate{{Key: std("5"), Start: day(-30), End: end(10), Value: dec("3.2")}}

	rec, err := reconciler().Reconcile(current, map[rateKey]decimal.Decimal{std("5"): dec("3.9")}, today)
	require.NoError(t, err)

	assertSameHistory(t, []rate{
		{Key: std("5"), Start: day(-30), End: end(0), Value: dec("3.2")},
		{Key: std("5"), Start: day(1), Value: dec("3.9")},
	}, rec.Intervals)
}

func TestReconcile_OutputSortedByKeyThenStart(t *testing.T) {
	current := []rate{
		{Key: std("2"), Start: day(-5), Value: dec("2")},
		{Key: rateKey{"BAS", "1"}, Start: day(-5), Value: dec("1")},
	}
	requested := map[rateKey]decimal.Decimal{
		std("2"):            dec("2.5"),
		rateKey{"BAS", "1"}: dec("1"),
		std("1"):            dec("9"),
	}

	rec, err := reconciler().Reconcile(current, requested, today)
	require.NoError(t, err)

	var keys []rateKey
	for _, iv := range rec.Intervals {
		keys = append(keys, iv.Key)
	}
	assert.Equal(t, []rateKey{{"BAS", "1"}, std("1"), std("2"), std("2")}, keys)
}

// =============================================================================
// INVARIANT VIOLATIONS
// =============================================================================

func TestReconcile_CorruptCurrentState_FailsLoudly(t *testing.T) {
	tests := []struct {
		name    string
		current []rate
	}{
		{
			name: "two open intervals",
			current: []rate{
				{Key: std("5"), Start: day(-30), Value: dec("3.2")},
				{Key: std("5"), Start: day(-10), Value: dec("3.3")},
			},
		},
		{
			name: "overlapping closed intervals",
			current: []rate{
				{Key: std("5"), Start: day(-30), End: end(-5), Value: dec("3.2")},
				{Key: std("5"), Start: day(-10), End: end(-1), Value: dec("3.3")},
			},
		},
		{
			name: "end before start",
			current: []rate{
				{Key: std("5"), Start: day(-5), End: end(-10), Value: dec("3.2")},
			},
		},
		{
			name: "two pending intervals",
			current: []rate{
				{Key: std("5"), Start: day(2), End: end(4), Value: dec("3.2")},
				{Key: std("5"), Start: day(5), Value: dec("3.3")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reconciler().Reconcile(tt.current, map[rateKey]decimal.Decimal{std("5"): dec("1")}, today)

			require.ErrorIs(t, err, generic.ErrInvariantViolation)
			var violation *generic.InvariantViolationError
			assert.ErrorAs(t, err, &violation)
		})
	}
}

func TestValueOn(t *testing.T) {
	history := []rate{
		{Key: std("5"), Start: day(-30), End: end(0), Value: dec("3.2")},
		{Key: std("5"), Start: day(1), Value: dec("4.3")},
	}

	v, ok := generic.ValueOn(history, std("5"), today)
	assert.True(t, ok)
	assert.True(t, v.Equal(dec("3.2")))

	v, ok = generic.ValueOn(history, std("5"), day(1))
	assert.True(t, ok)
	assert.True(t, v.Equal(dec("4.3")))

	_, ok = generic.ValueOn(history, std("5"), day(-31))
	assert.False(t, ok)
}
