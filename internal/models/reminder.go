package models

import (
	"fmt"
	"strconv"
	"time"
)

type Reminder struct {
	ReminderID    int64      `json:"reminder_id"`
	UserID        int64      `json:"user_id"`
	Text          string     `json:"text"`
	TimeOfDay     Clock      `json:"time"`
	Rule          Rule       `json:"rule"`
	IsHabit       bool       `json:"is_habit"`
	AnchorDate    time.Time  `json:"anchor_date"` // Local date the item was created, BIWEEKLY counts from it
	NextSend      *time.Time `json:"next_send"`   // nil once a one-shot item is consumed
	LastSent      *time.Time `json:"last_sent"`
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
	Postponed     bool       `json:"postponed"` // NextSend was set by a postpone, not by the rule
	HabitStreak   int        `json:"habit_streak"`
	Version       int64      `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
}

// DeliveryState is the set of fields the scheduler writes after handling
// an occurrence. They are always persisted together.
type DeliveryState struct {
	NextSend      *time.Time
	LastSent      *time.Time
	RetryCount    int
	LastAttemptAt *time.Time
	Postponed     bool
}

// Delivery returns the current delivery fields of r.
func (r *Reminder) Delivery() DeliveryState {
	return DeliveryState{
		NextSend:      r.NextSend,
		LastSent:      r.LastSent,
		RetryCount:    r.RetryCount,
		LastAttemptAt: r.LastAttemptAt,
		Postponed:     r.Postponed,
	}
}

func (r *Reminder) Apply(s DeliveryState) {
	r.NextSend = s.NextSend
	r.LastSent = s.LastSent
	r.RetryCount = s.RetryCount
	r.LastAttemptAt = s.LastAttemptAt
	r.Postponed = s.Postponed
}

// Closed reports whether a one-shot item has no occurrence left.
func (r *Reminder) Closed() bool {
	return r.NextSend == nil && r.RetryCount == 0
}

type Completion struct {
	UserID        int64     `json:"user_id"`
	ReminderID    int64     `json:"reminder_id"`
	CompletedOn   time.Time `json:"completed_on"`
	CompletedTime Clock     `json:"completed_time"`
}

type User struct {
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock accepts exactly "HH:MM" with two digits each.
func ParseClock(s string) (Clock, error) {
	if len(s) != 5 || s[2] != ':' {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, err := strconv.Atoi(s[:2])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	m, err := strconv.Atoi(s[3:])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

func ClockOf(t time.Time) Clock {
	return Clock{Hour: t.Hour(), Minute: t.Minute()}
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// On returns the instant at this clock on the calendar day of day, in loc.
func (c Clock) On(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour, c.Minute, 0, 0, loc)
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// HabitStats is the per-habit summary over the stats window.
type HabitStats struct {
	ReminderID int64       `json:"reminder_id"`
	Text       string      `json:"text"`
	Streak     int         `json:"streak"`
	Period     string      `json:"period"`
	Days       int         `json:"days"`
	Completed  int         `json:"completed"`
	Dates      []time.Time `json:"dates"`
}

// UserOverview backs the mini-app stats page.
type UserOverview struct {
	TotalReminders    int          `json:"total_reminders"`
	Habits            int          `json:"habits"`
	CompletedToday    int          `json:"completed_today"`
	BestStreak        int          `json:"best_streak"`
	WindowCompletions int          `json:"window_completions"`
	HabitBreakdown    []HabitStats `json:"habit_breakdown"`
}

type BotStats struct {
	Users       int `json:"users"`
	Reminders   int `json:"reminders"`
	Habits      int `json:"habits"`
	ActiveToday int `json:"active_today"`
}
