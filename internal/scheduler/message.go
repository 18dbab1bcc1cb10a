package scheduler

import (
	"fmt"
	"strings"

	"github.com/hray3182/loopmatic/internal/delivery"
	"github.com/hray3182/loopmatic/internal/models"
)

func render(r *models.Reminder, d delivery.Decision, p delivery.Policy) delivery.Notification {
	var b strings.Builder
	if r.IsHabit {
		fmt.Fprintf(&b, "🌱 Habit: %s (%s)", r.Text, r.TimeOfDay)
	} else {
		fmt.Fprintf(&b, "⏰ %s (%s)", r.Text, r.TimeOfDay)
	}
	if !r.Rule.IsOnce() {
		fmt.Fprintf(&b, " [%s]", r.Rule.Label())
	}
	if r.IsHabit && r.HabitStreak > 0 {
		fmt.Fprintf(&b, "\n🔥 Streak: %d", r.HabitStreak)
	}
	if d == delivery.Retry {
		fmt.Fprintf(&b, "\n🔄 Reminder %d of %d", r.RetryCount+1, p.MaxRetries)
	}

	actions := []delivery.Action{delivery.ActionAck, delivery.ActionPostpone}
	if r.IsHabit {
		actions = []delivery.Action{delivery.ActionComplete, delivery.ActionPostpone, delivery.ActionStats}
	}
	return delivery.Notification{
		UserID:     r.UserID,
		ReminderID: r.ReminderID,
		Text:       b.String(),
		Actions:    actions,
	}
}

func exhaustedNotice(r *models.Reminder) delivery.Notification {
	return delivery.Notification{
		UserID:     r.UserID,
		ReminderID: r.ReminderID,
		Text:       "🔕 Reminder removed automatically:\n" + r.Text,
	}
}
