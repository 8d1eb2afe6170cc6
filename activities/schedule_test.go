package activities_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/activities-sync/activities"
	"github.com/warp/activities-sync/generic"
)

var monWedFri = activities.NewWeekdays(time.Monday, time.Wednesday, time.Friday)

func spec(start, end string, days activities.Weekdays) activities.RuleSpec {
	return activities.RuleSpec{
		Start: activities.MustParseTimeOfDay(start),
		End:   activities.MustParseTimeOfDay(end),
		Days:  days,
	}
}

func stored(id string, s activities.RuleSpec) activities.ScheduleRule {
	r := activities.NewScheduleRule(s)
	r.Identity = activities.ExistingRule(id)
	return r
}

func TestReconcileScheduleRules_EndTimeChangeReplacesRule(t *testing.T) {
	// GIVEN: Mon/Wed/Fri 09:00-12:00 stored as rule 1
	current := []activities.ScheduleRule{stored("1", spec("09:00", "12:00", monWedFri))}

	// WHEN: the session now runs to 12:15
	rec, err := activities.ReconcileScheduleRules(current, []activities.RuleSpec{spec("09:00", "12:15", monWedFri)})
	require.NoError(t, err)

	// THEN: rule 1 is removed and a new rule created
	assert.Equal(t, []string{"1"}, rec.Removed)
	require.Len(t, rec.Created, 1)
	require.Len(t, rec.Rules, 1)
	assert.True(t, rec.Rules[0].Identity.IsNew())
	assert.Equal(t, "12:15", rec.Rules[0].End.String())
	assert.Equal(t, activities.SlotMorning, rec.Rules[0].Slot)
	assert.True(t, rec.Changed())
}

func TestReconcileScheduleRules_StartTimeChangeRecomputesSlot(t *testing.T) {
	current := []activities.ScheduleRule{stored("1", spec("11:00", "13:00", monWedFri))}

	rec, err := activities.ReconcileScheduleRules(current, []activities.RuleSpec{spec("13:00", "15:00", monWedFri)})
	require.NoError(t, err)

	require.Len(t, rec.Rules, 1)
	assert.Equal(t, activities.SlotAfternoon, rec.Rules[0].Slot)
}

func TestReconcileScheduleRules_IdenticalKeepsIdentity(t *testing.T) {
	current := []activities.ScheduleRule{
		stored("1", spec("09:00", "12:00", monWedFri)),
		stored("2", spec("13:30", "16:30", activities.NewWeekdays(time.Tuesday))),
	}

	rec, err := activities.ReconcileScheduleRules(current, []activities.RuleSpec{
		spec("13:30", "16:30", activities.NewWeekdays(time.Tuesday)),
		spec("09:00", "12:00", monWedFri),
	})
	require.NoError(t, err)

	assert.False(t, rec.Changed())
	assert.ElementsMatch(t, []string{"1", "2"}, rec.Kept)
	require.Len(t, rec.Rules, 2)
	id, _ := rec.Rules[0].Identity.ID()
	assert.Equal(t, "1", id, "rules come back sorted by start time")
}

func TestReconcileScheduleRules_KeptRuleIsReturnedAsStored(t *testing.T) {
	// GIVEN: a 13:00 rule stored with a morning slot
	rule := stored("1", spec("13:00", "15:00", monWedFri))
	rule.Slot = activities.SlotMorning

	// WHEN: the same session is requested
	rec, err := activities.ReconcileScheduleRules([]activities.ScheduleRule{rule},
		[]activities.RuleSpec{spec("13:00", "15:00", monWedFri)})
	require.NoError(t, err)

	// THEN: nothing changes, so the result matches what is stored
	assert.False(t, rec.Changed())
	require.Len(t, rec.Rules, 1)
	assert.Equal(t, rule, rec.Rules[0])
}

func TestReconcileScheduleRules_DayChangeReplacesRule(t *testing.T) {
	current := []activities.ScheduleRule{stored("1", spec("09:00", "12:00", monWedFri))}

	rec, err := activities.ReconcileScheduleRules(current, []activities.RuleSpec{
		spec("09:00", "12:00", activities.NewWeekdays(time.Monday, time.Wednesday)),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"1"}, rec.Removed)
	assert.Len(t, rec.Created, 1)
	assert.Empty(t, rec.Kept)
}

func TestReconcileScheduleRules_DuplicatesMatchOneForOne(t *testing.T) {
	s := spec("09:00", "12:00", monWedFri)
	current := []activities.ScheduleRule{stored("1", s)}

	rec, err := activities.ReconcileScheduleRules(current, []activities.RuleSpec{s, s})
	require.NoError(t, err)

	assert.Equal(t, []string{"1"}, rec.Kept)
	assert.Len(t, rec.Created, 1)
	assert.Len(t, rec.Rules, 2)
}

func TestReconcileScheduleRules_StoredDuplicatesPairInOrder(t *testing.T) {
	s := spec("09:00", "12:00", monWedFri)
	current := []activities.ScheduleRule{
		stored("1", s),
		stored("2", spec("13:00", "15:00", monWedFri)),
		stored("3", s),
	}

	rec, err := activities.ReconcileScheduleRules(current, []activities.RuleSpec{
		spec("13:00", "15:00", monWedFri), s,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"2", "1"}, rec.Kept)
	assert.Equal(t, []string{"3"}, rec.Removed)
	assert.Empty(t, rec.Created)
}

func TestReconcileScheduleRules_EmptyRequestRemovesAll(t *testing.T) {
	current := []activities.ScheduleRule{
		stored("1", spec("09:00", "12:00", monWedFri)),
		stored("2", spec("18:00", "19:00", monWedFri)),
	}

	rec, err := activities.ReconcileScheduleRules(current, nil)
	require.NoError(t, err)

	assert.Empty(t, rec.Rules)
	assert.ElementsMatch(t, []string{"1", "2"}, rec.Removed)
}

func TestReconcileScheduleRules_Errors(t *testing.T) {
	t.Run("start not before end", func(t *testing.T) {
		_, err := activities.ReconcileScheduleRules(nil, []activities.RuleSpec{spec("12:00", "12:00", monWedFri)})
		assert.ErrorIs(t, err, generic.ErrInvalidInterval)
		assert.True(t, generic.IsClientError(err))
	})

	t.Run("stored rule without id", func(t *testing.T) {
		current := []activities.ScheduleRule{activities.NewScheduleRule(spec("09:00", "12:00", monWedFri))}
		_, err := activities.ReconcileScheduleRules(current, nil)
		assert.ErrorIs(t, err, generic.ErrInvariantViolation)
	})
}

func TestSlotFor(t *testing.T) {
	tests := []struct {
		start string
		want  activities.SlotCategory
	}{
		{"00:00", activities.SlotMorning},
		{"11:59", activities.SlotMorning},
		{"12:00", activities.SlotAfternoon},
		{"16:59", activities.SlotAfternoon},
		{"17:00", activities.SlotEvening},
		{"23:30", activities.SlotEvening},
	}

	for _, tt := range tests {
		t.Run(tt.start, func(t *testing.T) {
			assert.Equal(t, tt.want, activities.SlotFor(activities.MustParseTimeOfDay(tt.start)))
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := activities.ParseTimeOfDay("09:05")
	require.NoError(t, err)
	assert.Equal(t, activities.TimeOfDay(9*60+5), tod)
	assert.Equal(t, "09:05", tod.String())

	_, err = activities.ParseTimeOfDay("25:00")
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)
}

func TestWeekdays(t *testing.T) {
	w := activities.NewWeekdays(time.Sunday, time.Monday, time.Wednesday)

	assert.True(t, w.Has(time.Monday))
	assert.False(t, w.Has(time.Tuesday))
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday, time.Sunday}, w.Days())
	assert.Equal(t, "MON,WED,SUN", w.String())
	assert.True(t, activities.Weekdays(0).IsEmpty())
}

func TestRuleIdentity(t *testing.T) {
	n := activities.NewRuleIdentity()
	assert.True(t, n.IsNew())
	_, ok := n.ID()
	assert.False(t, ok)
	assert.Equal(t, "new", n.String())

	e := activities.ExistingRule("42")
	id, ok := e.ID()
	assert.True(t, ok)
	assert.Equal(t, "42", id)
}
