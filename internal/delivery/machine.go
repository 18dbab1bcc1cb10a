package delivery

import (
	"fmt"
	"time"

	"github.com/hray3182/loopmatic/internal/models"
	"github.com/hray3182/loopmatic/internal/recurrence"
)

// Policy holds the retry budget of every occurrence.
type Policy struct {
	RetryInterval time.Duration
	MaxRetries    int
}

// Decision is what the scheduler does with an item on this tick.
type Decision int

const (
	// Wait means nothing is due yet.
	Wait Decision = iota
	// Skip closes an occurrence that landed on a day the rule does not
	// authorize, without delivering.
	Skip
	// Send is the first delivery of an occurrence.
	Send
	// Retry re-delivers an occurrence that was not acknowledged in time.
	Retry
	// Exhaust means the retry budget is spent and the item is deleted.
	Exhaust
)

func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case Skip:
		return "skip"
	case Send:
		return "send"
	case Retry:
		return "retry"
	case Exhaust:
		return "exhaust"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Outcome is how a Send or Retry went at the sink.
type Outcome int

const (
	Delivered Outcome = iota
	Failed
)

// RetryBefore is the latest attempt time whose retry window has elapsed.
func (p Policy) RetryBefore(now time.Time) time.Time {
	return now.Add(-p.RetryInterval)
}

// Decide evaluates r at now. now must be in the location the item's
// wall-clock fields are interpreted in.
func (p Policy) Decide(r *models.Reminder, now time.Time) Decision {
	if r.RetryCount > 0 {
		if r.LastAttemptAt != nil && now.Before(r.LastAttemptAt.Add(p.RetryInterval)) {
			return Wait
		}
		if r.RetryCount+1 > p.MaxRetries {
			return Exhaust
		}
		return Retry
	}

	if r.NextSend == nil || r.NextSend.After(now) {
		return Wait
	}
	if !r.Postponed && !recurrence.AppliesToday(now, r.AnchorDate, r.Rule) {
		return Skip
	}
	return Send
}

// Advance returns the delivery state to persist after handling decision d
// with outcome o at now. Exhaust and Wait have no follow-up state.
func (p Policy) Advance(r *models.Reminder, d Decision, o Outcome, now time.Time) (models.DeliveryState, error) {
	state := r.Delivery()
	switch d {
	case Skip, Send:
		next, err := recurrence.NextAfter(now, r.AnchorDate, r.TimeOfDay, r.Rule)
		if err != nil {
			return state, fmt.Errorf("failed to compute next occurrence: %w", err)
		}
		state.NextSend = next
		state.LastSent = timePtr(now)
		state.Postponed = false
		if d == Skip {
			return state, nil
		}
		// Habits do not wait for an acknowledgment once delivered.
		if o == Delivered && r.IsHabit {
			state.RetryCount = 0
			state.LastAttemptAt = nil
		} else {
			state.RetryCount = 1
			state.LastAttemptAt = timePtr(now)
		}
		return state, nil

	case Retry:
		state.LastSent = timePtr(now)
		if o == Delivered && r.IsHabit {
			state.RetryCount = 0
			state.LastAttemptAt = nil
			return state, nil
		}
		state.RetryCount = r.RetryCount + 1
		state.LastAttemptAt = timePtr(now)
		return state, nil
	}
	return state, fmt.Errorf("no state transition for %s", d)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
