package activities

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/warp/activities-sync/generic"
)

// =============================================================================
// TIME OF DAY
// =============================================================================

// TimeOfDay is minutes since midnight.
type TimeOfDay int

const timeOfDayLayout = "15:04"

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse(timeOfDayLayout, s)
	if err != nil {
		return 0, invalidRequest("invalid time %q (use HH:MM)", s)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

// MustParseTimeOfDay is ParseTimeOfDay for fixtures.
func MustParseTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60) }

// =============================================================================
// WEEKDAYS
// =============================================================================

// Weekdays is a set of days, one bit per time.Weekday.
type Weekdays uint8

// NewWeekdays builds a set from individual days.
func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

func (w Weekdays) Has(d time.Weekday) bool { return w&(1<<uint(d)) != 0 }
func (w Weekdays) IsEmpty() bool           { return w == 0 }

// weekOrder lists days Monday first, as the timetable does.
var weekOrder = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// Days lists members Monday first.
func (w Weekdays) Days() []time.Weekday {
	var days []time.Weekday
	for _, d := range weekOrder {
		if w.Has(d) {
			days = append(days, d)
		}
	}
	return days
}

func (w Weekdays) String() string {
	var names []string
	for _, d := range w.Days() {
		names = append(names, strings.ToUpper(d.String()[:3]))
	}
	return strings.Join(names, ",")
}

// =============================================================================
// SLOT CATEGORY
// =============================================================================

type SlotCategory string

const (
	SlotMorning   SlotCategory = "AM"
	SlotAfternoon SlotCategory = "PM"
	SlotEvening   SlotCategory = "ED"
)

const (
	noon   TimeOfDay = 12 * 60
	fivePM TimeOfDay = 17 * 60
)

// SlotFor derives the slot from a session's start time.
func SlotFor(start TimeOfDay) SlotCategory {
	switch {
	case start < noon:
		return SlotMorning
	case start < fivePM:
		return SlotAfternoon
	default:
		return SlotEvening
	}
}

// =============================================================================
// SCHEDULE RULES
// =============================================================================

// RuleIdentity is either an existing stored id or New (not yet persisted).
type RuleIdentity struct {
	id string
}

// NewRuleIdentity marks a rule that has not been persisted yet.
func NewRuleIdentity() RuleIdentity { return RuleIdentity{} }

// ExistingRule marks a stored rule.
func ExistingRule(id string) RuleIdentity { return RuleIdentity{id: id} }

func (r RuleIdentity) IsNew() bool { return r.id == "" }

// ID returns the stored id; ok is false for New.
func (r RuleIdentity) ID() (id string, ok bool) { return r.id, r.id != "" }

func (r RuleIdentity) String() string {
	if r.IsNew() {
		return "new"
	}
	return r.id
}

// RuleSpec is a requested weekly session.
type RuleSpec struct {
	Start TimeOfDay
	End   TimeOfDay
	Days  Weekdays
}

// Validate requires start before end.
func (s RuleSpec) Validate() error {
	if s.Start >= s.End {
		return &generic.InvalidIntervalError{Subject: "schedule rule " + s.Days.String(), Start: s.Start.String(), End: s.End.String()}
	}
	return nil
}

func (s RuleSpec) String() string { return fmt.Sprintf("%s %s-%s", s.Days, s.Start, s.End) }

// ScheduleRule is a recurring weekly session of an activity.
type ScheduleRule struct {
	Identity RuleIdentity
	Start    TimeOfDay
	End      TimeOfDay
	Days     Weekdays
	Slot     SlotCategory
}

// Spec returns the rule's comparable content.
func (r ScheduleRule) Spec() RuleSpec { return RuleSpec{Start: r.Start, End: r.End, Days: r.Days} }

// NewScheduleRule builds an unpersisted rule with its slot derived from start.
func NewScheduleRule(spec RuleSpec) ScheduleRule {
	return ScheduleRule{
		Identity: NewRuleIdentity(),
		Start:    spec.Start,
		End:      spec.End,
		Days:     spec.Days,
		Slot:     SlotFor(spec.Start),
	}
}

// RuleReconciliation is the new rule set and what happened to get there.
type RuleReconciliation struct {
	Rules   []ScheduleRule
	Kept    []string   // ids of current rules matched exactly
	Created []RuleSpec // new rules (Identity is New in Rules)
	Removed []string   // ids of current rules with no match
}

func (r RuleReconciliation) Changed() bool { return len(r.Created)+len(r.Removed) > 0 }

// ReconcileScheduleRules replaces the current rule set with requested.
// Rules match only if start, end and every weekday flag are identical; any
// difference is a removal of the old rule plus a creation.
func ReconcileScheduleRules(current []ScheduleRule, requested []RuleSpec) (RuleReconciliation, error) {
	for _, spec := range requested {
		if err := spec.Validate(); err != nil {
			return RuleReconciliation{}, err
		}
	}
	for _, rule := range current {
		if rule.Identity.IsNew() {
			return RuleReconciliation{}, &generic.InvariantViolationError{Key: "schedule rule " + rule.Spec().String(), Reason: "stored rule has no id"}
		}
	}

	unmatched := make(map[RuleSpec][]int, len(current))
	for i, rule := range current {
		unmatched[rule.Spec()] = append(unmatched[rule.Spec()], i)
	}

	var rec RuleReconciliation
	kept := make([]bool, len(current))
	for _, spec := range requested {
		candidates := unmatched[spec]
		if len(candidates) == 0 {
			rec.Rules = append(rec.Rules, NewScheduleRule(spec))
			rec.Created = append(rec.Created, spec)
			continue
		}
		i := candidates[0]
		unmatched[spec] = candidates[1:]
		kept[i] = true
		// Kept rules are returned exactly as stored.
		rec.Rules = append(rec.Rules, current[i])
		rec.Kept = append(rec.Kept, current[i].Identity.String())
	}
	for i, rule := range current {
		if !kept[i] {
			rec.Removed = append(rec.Removed, rule.Identity.String())
		}
	}

	sort.SliceStable(rec.Rules, func(i, j int) bool {
		a, b := rec.Rules[i], rec.Rules[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End < b.End
		}
		return a.Days < b.Days
	})
	return rec, nil
}
