package recurrence

import (
	"fmt"
	"time"

	"github.com/hray3182/loopmatic/internal/models"
	"github.com/teambition/rrule-go"
)

// maxSteps bounds the catch-up loop in NextAfter.
const maxSteps = 1000

// options maps each repeating rule to an rrule template. Dtstart is filled
// in per call. ONCE has no entry.
var options = map[models.Rule]rrule.ROption{
	models.RuleDaily:      {Freq: rrule.DAILY, Interval: 1},
	models.RuleEvery2Days: {Freq: rrule.DAILY, Interval: 2},
	models.RuleWeekly:     {Freq: rrule.DAILY, Interval: 7},
	models.RuleBiweekly:   {Freq: rrule.DAILY, Interval: 14},
	models.RuleMonthly:    {Freq: rrule.DAILY, Interval: 30},
	models.RuleWeekdays: {
		Freq:      rrule.DAILY,
		Interval:  1,
		Byweekday: []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR},
	},
	models.RuleWeekends: {
		Freq:      rrule.DAILY,
		Interval:  1,
		Byweekday: []rrule.Weekday{rrule.SA, rrule.SU},
	},
	models.RuleWedFri: {
		Freq:      rrule.DAILY,
		Interval:  1,
		Byweekday: []rrule.Weekday{rrule.WE, rrule.FR},
	},
}

func build(rule models.Rule, dtstart time.Time) (*rrule.RRule, error) {
	opt, ok := options[rule]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidRule, rule)
	}
	opt.Dtstart = dtstart
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule %s: %w", rule, err)
	}
	return r, nil
}

// Next returns the occurrence that follows current under rule, keeping the
// wall clock of current. It returns nil for ONCE.
func Next(current time.Time, rule models.Rule) (*time.Time, error) {
	if rule == models.RuleOnce {
		return nil, nil
	}
	r, err := build(rule, current)
	if err != nil {
		return nil, err
	}
	next := r.After(current, false)
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}

// AppliesToday reports whether rule authorizes a delivery on the calendar
// day of day. anchor is the day the item was created and only matters for
// BIWEEKLY.
func AppliesToday(day, anchor time.Time, rule models.Rule) bool {
	switch rule {
	case models.RuleBiweekly:
		return mod(DaysBetween(anchor, day), 14) == 0
	case models.RuleWeekdays, models.RuleWeekends, models.RuleWedFri:
		want := isoDay(day.Weekday())
		for _, wd := range options[rule].Byweekday {
			if wd.Day() == want {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// FirstSend returns the first due instant for an item created at now.
// Today's clock counts if it has not passed yet; rules restricted to some
// weekdays are moved forward to the first authorized day.
func FirstSend(now time.Time, clock models.Clock, rule models.Rule) (time.Time, error) {
	first := clock.On(now, now.Location())
	if first.Before(now) {
		first = first.AddDate(0, 0, 1)
	}
	if AppliesToday(first, first, rule) {
		return first, nil
	}
	next, err := Next(first, rule)
	if err != nil {
		return time.Time{}, err
	}
	if next == nil {
		return first, nil
	}
	return *next, nil
}

// NextAfter returns the first occurrence of rule at clock strictly after
// now. Stepping starts from the latest clock instant not after now, so a
// late or postponed delivery does not shift the schedule. BIWEEKLY stays
// on the 14-day phase of anchor, the same phase AppliesToday checks.
func NextAfter(now, anchor time.Time, clock models.Clock, rule models.Rule) (*time.Time, error) {
	switch rule {
	case models.RuleOnce:
		return nil, nil
	case models.RuleBiweekly:
		day := StartOfDay(now)
		day = day.AddDate(0, 0, mod(-DaysBetween(anchor, day), 14))
		next := clock.On(day, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 14)
		}
		return &next, nil
	}

	start := clock.On(now, now.Location())
	if start.After(now) {
		start = start.AddDate(0, 0, -1)
	}

	current := start
	for i := 0; i < maxSteps; i++ {
		next, err := Next(current, rule)
		if err != nil || next == nil {
			return next, err
		}
		if next.After(now) {
			return next, nil
		}
		current = *next
	}
	return nil, fmt.Errorf("no occurrence of %s after %s", rule, now.Format(time.RFC3339))
}

// DaysBetween counts calendar days from a to b, each taken in its own
// location.
func DaysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// StartOfDay returns midnight of t's calendar day in t's location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// isoDay converts to rrule's weekday numbering (Monday is 0).
func isoDay(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
