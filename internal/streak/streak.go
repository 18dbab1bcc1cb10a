package streak

import (
	"fmt"
	"time"
)

// Next returns the streak after a new completion today. A completion on the
// previous calendar day extends the streak, any gap restarts it at 1.
func Next(prev int, completedYesterday bool) int {
	if completedYesterday && prev > 0 {
		return prev + 1
	}
	return 1
}

// Window is the inclusive range of calendar days used for stats.
type Window struct {
	From time.Time
	To   time.Time
	Days int
}

// NewWindow returns the last days days ending with today's date.
func NewWindow(today time.Time, days int) Window {
	if days < 1 {
		days = 1
	}
	to := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())
	return Window{
		From: to.AddDate(0, 0, -(days - 1)),
		To:   to,
		Days: days,
	}
}

// Label renders the window as "02.01 - 08.01".
func (w Window) Label() string {
	return fmt.Sprintf("%s - %s", w.From.Format("02.01"), w.To.Format("02.01"))
}

// Contains reports whether the calendar day of t lies in the window.
func (w Window) Contains(t time.Time) bool {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, w.To.Location())
	return !d.Before(w.From) && !d.After(w.To)
}

// Marks returns one flag per window day, oldest first, set when the day is
// in completed.
func (w Window) Marks(completed []time.Time) []bool {
	marks := make([]bool, w.Days)
	for _, c := range completed {
		if !w.Contains(c) {
			continue
		}
		d := time.Date(c.Year(), c.Month(), c.Day(), 0, 0, 0, 0, w.To.Location())
		idx := int(d.Sub(w.From).Hours()/24 + 0.5)
		if idx >= 0 && idx < w.Days {
			marks[idx] = true
		}
	}
	return marks
}

// Count returns how many distinct window days are in completed.
func (w Window) Count(completed []time.Time) int {
	n := 0
	for _, m := range w.Marks(completed) {
		if m {
			n++
		}
	}
	return n
}
