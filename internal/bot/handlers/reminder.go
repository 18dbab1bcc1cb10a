package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hray3182/loopmatic/internal/ai"
	"github.com/hray3182/loopmatic/internal/format"
	"github.com/hray3182/loopmatic/internal/models"
	"github.com/hray3182/loopmatic/internal/notify"
	"github.com/hray3182/loopmatic/internal/repository"
	"github.com/hray3182/loopmatic/internal/service"
	"github.com/hray3182/loopmatic/internal/session"
	"go.uber.org/zap"
)

const ruleCallback = "rule"

func (h *Handlers) handleAdd(ctx context.Context, msg *tgbotapi.Message, habit bool) {
	userID := msg.From.ID
	if text, clock, ok := parseEntry(msg.CommandArguments()); ok {
		h.askRule(ctx, msg.Chat.ID, userID, session.State{IsHabit: habit, Text: text, Clock: clock})
		return
	}

	if err := h.sessions.Set(ctx, userID, session.State{Step: session.StepText, IsHabit: habit}); err != nil {
		h.logger.Error("failed to store session", zap.Int64("user_id", userID), zap.Error(err))
		h.sendMessage(msg.Chat.ID, userError(err))
		return
	}
	if habit {
		h.sendMessage(msg.Chat.ID, "🌱 Which habit do you want to build?")
	} else {
		h.sendMessage(msg.Chat.ID, "⏰ What should I remind you about?")
	}
}

// handleText continues a pending entry or treats the message as a new one.
func (h *Handlers) handleText(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	st, ok, err := h.sessions.Get(ctx, userID)
	if err != nil {
		h.logger.Error("failed to load session", zap.Int64("user_id", userID), zap.Error(err))
	}
	if ok {
		h.continueEntry(ctx, msg, st, text)
		return
	}

	if entry, clock, ok := parseEntry(text); ok {
		h.askRule(ctx, msg.Chat.ID, userID, session.State{Text: entry, Clock: clock})
		return
	}

	if h.parser == nil {
		h.sendMessage(msg.Chat.ID, "Send the reminder as \"text HH:MM\", for example: water plants 18:30")
		return
	}
	h.handleAIMessage(ctx, msg, text)
}

func (h *Handlers) continueEntry(ctx context.Context, msg *tgbotapi.Message, st *session.State, text string) {
	userID := msg.From.ID
	switch st.Step {
	case session.StepText:
		// "text HH:MM" answers both questions at once.
		if entry, clock, ok := parseEntry(text); ok {
			st.Text, st.Clock = entry, clock
			h.askRule(ctx, msg.Chat.ID, userID, *st)
			return
		}
		st.Text = text
		st.Step = session.StepTime
		if err := h.sessions.Set(ctx, userID, *st); err != nil {
			h.logger.Error("failed to store session", zap.Int64("user_id", userID), zap.Error(err))
			h.sendMessage(msg.Chat.ID, userError(err))
			return
		}
		h.sendMessage(msg.Chat.ID, "🕘 At what time? (HH:MM)")

	case session.StepTime:
		clock, err := models.ParseClock(text)
		if err != nil {
			h.sendMessage(msg.Chat.ID, userError(err))
			return
		}
		st.Clock = clock
		h.askRule(ctx, msg.Chat.ID, userID, *st)

	case session.StepRule:
		h.sendMessage(msg.Chat.ID, "Pick how often to repeat it with the buttons above, or /cancel")
	}
}

// askRule stores a complete text and time and shows the rule picker.
func (h *Handlers) askRule(ctx context.Context, chatID, userID int64, st session.State) {
	st.Step = session.StepRule
	if err := h.sessions.Set(ctx, userID, st); err != nil {
		h.logger.Error("failed to store session", zap.Int64("user_id", userID), zap.Error(err))
		h.sendMessage(chatID, userError(err))
		return
	}

	var b format.Builder
	b.Text("🔁 How often should ").Bold(st.Text).Textf(" at %s repeat?", st.Clock)
	reply := b.Message(chatID)
	reply.ReplyMarkup = ruleKeyboard(userID)
	if _, err := h.api.Send(reply); err != nil {
		h.logger.Warn("failed to send rule picker", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func ruleKeyboard(userID int64) tgbotapi.InlineKeyboardMarkup {
	const perRow = 3
	var rows [][]tgbotapi.InlineKeyboardButton
	for i, r := range models.Rules {
		if i%perRow == 0 {
			rows = append(rows, nil)
		}
		data := notify.CallbackData(ruleCallback, userID) + ":" + string(r)
		rows[len(rows)-1] = append(rows[len(rows)-1], tgbotapi.NewInlineKeyboardButtonData(r.Label(), data))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (h *Handlers) handleAIMessage(ctx context.Context, msg *tgbotapi.Message, text string) {
	s, err := h.parser.ParseReminder(ctx, text)
	if errors.Is(err, ai.ErrNotUnderstood) {
		h.sendMessage(msg.Chat.ID, "I could not find a reminder in that. Try \"text HH:MM\" or /help")
		return
	}
	if err != nil {
		h.logger.Warn("AI parse failed", zap.Int64("user_id", msg.From.ID), zap.Error(err))
		h.sendMessage(msg.Chat.ID, "I could not understand that right now. Try \"text HH:MM\"")
		return
	}

	r, err := h.svc.Create(ctx, service.CreateInput{
		UserID:  msg.From.ID,
		Text:    s.Text,
		Time:    s.Time,
		Rule:    s.Rule,
		IsHabit: s.IsHabit,
	})
	if err != nil {
		h.sendMessage(msg.Chat.ID, userError(err))
		return
	}
	h.sendFormatted(msg.Chat.ID, describeCreated(r))
}

func (h *Handlers) handleCancel(ctx context.Context, msg *tgbotapi.Message) {
	if err := h.sessions.Clear(ctx, msg.From.ID); err != nil {
		h.logger.Warn("failed to clear session", zap.Int64("user_id", msg.From.ID), zap.Error(err))
	}
	h.sendMessage(msg.Chat.ID, "Cancelled")
}

func (h *Handlers) handleList(ctx context.Context, msg *tgbotapi.Message, habitsOnly bool) {
	items, err := h.svc.List(ctx, msg.From.ID, habitsOnly)
	if err != nil {
		h.logger.Error("failed to list reminders", zap.Int64("user_id", msg.From.ID), zap.Error(err))
		h.sendMessage(msg.Chat.ID, userError(err))
		return
	}

	if len(items) == 0 {
		if habitsOnly {
			h.sendMessage(msg.Chat.ID, "🌱 No habits yet, add one with /habit")
		} else {
			h.sendMessage(msg.Chat.ID, "⏰ No reminders yet, add one with /add")
		}
		return
	}

	var b format.Builder
	if habitsOnly {
		b.Bold("🌱 Habits").Line().Line()
	} else {
		b.Bold("⏰ Reminders").Line().Line()
	}
	for _, r := range items {
		icon := "⏰"
		if r.IsHabit {
			icon = "🌱"
		}
		b.Textf("%s ", icon).Bold(strconv.FormatInt(r.ReminderID, 10)+".").Textf(" %s", r.Text).Line()
		b.Textf("    %s, %s", r.TimeOfDay, r.Rule.Label())
		if r.IsHabit && r.HabitStreak > 0 {
			b.Textf(", 🔥 %d", r.HabitStreak)
		}
		b.Line()
	}
	b.Line().Text("Delete with /delete <id>")
	h.sendFormatted(msg.Chat.ID, &b)
}

func (h *Handlers) handleDelete(ctx context.Context, msg *tgbotapi.Message) {
	id, err := strconv.ParseInt(strings.TrimSpace(msg.CommandArguments()), 10, 64)
	if err != nil {
		h.sendMessage(msg.Chat.ID, "Usage: /delete <id>, ids are shown in /list")
		return
	}
	if err := h.svc.Delete(ctx, msg.From.ID, id); err != nil {
		h.sendMessage(msg.Chat.ID, userError(err))
		return
	}
	h.sendMessage(msg.Chat.ID, "🗑 Deleted")
}

func (h *Handlers) handleStats(ctx context.Context, msg *tgbotapi.Message) {
	o, err := h.svc.Overview(ctx, msg.From.ID)
	if err != nil {
		h.logger.Error("failed to load overview", zap.Int64("user_id", msg.From.ID), zap.Error(err))
		h.sendMessage(msg.Chat.ID, userError(err))
		return
	}

	var b format.Builder
	b.Bold("📊 Your statistics").Line().Line().
		Textf("Reminders: %d", o.TotalReminders).Line().
		Textf("Habits: %d", o.Habits).Line().
		Textf("Completed today: %d", o.CompletedToday).Line().
		Textf("Best streak: %d", o.BestStreak).Line().
		Textf("Completions in the last %d days: %d", h.svc.StatsDays(), o.WindowCompletions).Line()
	if len(o.HabitBreakdown) > 0 {
		b.Line()
		for _, hs := range o.HabitBreakdown {
			b.Bold(hs.Text).Textf(": %d/%d days, 🔥 %d", hs.Completed, hs.Days, hs.Streak).Line()
		}
	}
	h.sendFormatted(msg.Chat.ID, &b)
}

func describeCreated(r *models.Reminder) *format.Builder {
	var b format.Builder
	if r.IsHabit {
		b.Text("🌱 Habit saved: ")
	} else {
		b.Text("✅ Reminder saved: ")
	}
	b.Bold(r.Text).Line().Textf("🕘 %s, %s", r.TimeOfDay, r.Rule.Label())
	if r.NextSend != nil {
		b.Line().Textf("Next: %s", r.NextSend.Format("Mon 02.01 15:04"))
	}
	return &b
}

func describeStats(s *models.HabitStats) *format.Builder {
	var b format.Builder
	b.Text("📊 ").Bold(s.Text).Line().
		Textf("%s: %d of %d days", s.Period, s.Completed, s.Days).Line().
		Textf("🔥 Streak: %d", s.Streak)
	if len(s.Dates) > 0 {
		days := make([]string, len(s.Dates))
		for i, d := range s.Dates {
			days[i] = d.Format("02.01")
		}
		b.Line().Textf("Done on %s", strings.Join(days, ", "))
	}
	return &b
}

// parseEntry splits "text HH:MM" into its parts.
func parseEntry(s string) (string, models.Clock, bool) {
	s = strings.TrimSpace(s)
	i := strings.LastIndexAny(s, " \t\n")
	if i < 0 {
		return "", models.Clock{}, false
	}
	clock, err := models.ParseClock(s[i+1:])
	if err != nil {
		return "", models.Clock{}, false
	}
	text := strings.TrimSpace(s[:i])
	if text == "" {
		return "", models.Clock{}, false
	}
	return text, clock, true
}

func userError(err error) string {
	switch {
	case errors.Is(err, models.ErrEmptyText):
		return "The text cannot be empty"
	case errors.Is(err, models.ErrInvalidTime):
		return "Time must be HH:MM, for example 09:30"
	case errors.Is(err, models.ErrInvalidRule):
		return "Unknown repeat rule"
	case errors.Is(err, models.ErrNotHabit):
		return "That is not a habit"
	case errors.Is(err, models.ErrInvalidPostpone):
		return "Invalid postpone delay"
	case errors.Is(err, repository.ErrDuplicate):
		return "You already have exactly this reminder"
	case errors.Is(err, repository.ErrNotFound):
		return "Reminder not found"
	}
	return "Something went wrong, please try again later"
}
