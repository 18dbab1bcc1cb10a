package handlers

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hray3182/loopmatic/internal/delivery"
	"github.com/hray3182/loopmatic/internal/models"
	"github.com/hray3182/loopmatic/internal/notify"
	"github.com/hray3182/loopmatic/internal/service"
	"github.com/hray3182/loopmatic/internal/session"
	"go.uber.org/zap"
)

var postponeDelays = map[string]service.Delay{
	"15":       service.Delay15Minutes,
	"60":       service.DelayHour,
	"tomorrow": service.DelayTomorrow,
}

func (h *Handlers) HandleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	if callback.Message == nil || !h.touch(ctx, callback.From) {
		h.answerCallback(callback.ID, "")
		return
	}

	cb, err := notify.ParseCallback(callback.Data)
	if err != nil {
		h.logger.Debug("ignoring callback", zap.String("data", callback.Data), zap.Error(err))
		h.answerCallback(callback.ID, "")
		return
	}

	userID := callback.From.ID
	chatID := callback.Message.Chat.ID
	messageID := callback.Message.MessageID

	switch cb.Action {
	case ruleCallback:
		// The id slot carries the user the picker was shown to.
		if cb.ReminderID != userID {
			h.answerCallback(callback.ID, "This is not your entry")
			return
		}
		h.answerCallback(callback.ID, "")
		h.finishEntry(ctx, chatID, messageID, userID, cb.Arg)

	case string(delivery.ActionAck):
		if _, err := h.svc.Acknowledge(ctx, userID, cb.ReminderID); err != nil {
			h.answerCallback(callback.ID, userError(err))
			return
		}
		h.answerCallback(callback.ID, "👍")
		h.editMessage(chatID, messageID, callback.Message.Text+"\n\n✅ Done", nil)

	case string(delivery.ActionComplete):
		res, err := h.svc.CompleteHabit(ctx, userID, cb.ReminderID)
		if err != nil {
			h.answerCallback(callback.ID, userError(err))
			return
		}
		if !res.Accepted {
			h.answerCallback(callback.ID, "Already completed today")
			return
		}
		h.answerCallback(callback.ID, fmt.Sprintf("🔥 Streak: %d", res.Streak))
		h.editMessage(chatID, messageID,
			fmt.Sprintf("%s\n\n✅ Completed, streak %d", callback.Message.Text, res.Streak), nil)

	case string(delivery.ActionPostpone):
		h.answerCallback(callback.ID, "")
		h.editMarkup(chatID, messageID, notify.PostponeKeyboard(cb.ReminderID))

	case notify.PostponeDelay:
		d, ok := postponeDelays[cb.Arg]
		if !ok {
			h.answerCallback(callback.ID, userError(models.ErrInvalidPostpone))
			return
		}
		r, err := h.svc.Postpone(ctx, userID, cb.ReminderID, d)
		if err != nil {
			h.answerCallback(callback.ID, userError(err))
			return
		}
		h.answerCallback(callback.ID, "")
		h.editMessage(chatID, messageID,
			fmt.Sprintf("%s\n\n⏳ Postponed to %s", callback.Message.Text, r.NextSend.Format("Mon 02.01 15:04")), nil)

	case notify.PostponeCancel:
		r, err := h.svc.Get(ctx, userID, cb.ReminderID)
		if err != nil {
			h.answerCallback(callback.ID, userError(err))
			return
		}
		h.answerCallback(callback.ID, "")
		h.editMarkup(chatID, messageID, notify.ActionKeyboard(r.ReminderID, actionsFor(r)))

	case string(delivery.ActionStats):
		s, err := h.svc.HabitStats(ctx, userID, cb.ReminderID)
		if err != nil {
			h.answerCallback(callback.ID, userError(err))
			return
		}
		h.answerCallback(callback.ID, "")
		h.sendFormatted(chatID, describeStats(s))

	default:
		h.answerCallback(callback.ID, "")
	}
}

// finishEntry creates the item once the user picked a rule.
func (h *Handlers) finishEntry(ctx context.Context, chatID int64, messageID int, userID int64, rule string) {
	st, ok, err := h.sessions.Get(ctx, userID)
	if err != nil {
		h.logger.Error("failed to load session", zap.Int64("user_id", userID), zap.Error(err))
	}
	if !ok || st.Step != session.StepRule {
		h.editMessage(chatID, messageID, "⌛ This entry expired, start again with /add", nil)
		return
	}

	r, err := h.svc.Create(ctx, service.CreateInput{
		UserID:  userID,
		Text:    st.Text,
		Time:    st.Clock.String(),
		Rule:    rule,
		IsHabit: st.IsHabit,
	})
	if cerr := h.sessions.Clear(ctx, userID); cerr != nil {
		h.logger.Warn("failed to clear session", zap.Int64("user_id", userID), zap.Error(cerr))
	}
	if err != nil {
		h.editMessage(chatID, messageID, userError(err), nil)
		return
	}

	b := describeCreated(r)
	edit := tgbotapi.NewEditMessageText(chatID, messageID, b.String())
	edit.Entities = b.Entities()
	if _, err := h.api.Send(edit); err != nil {
		h.logger.Warn("failed to edit message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func actionsFor(r *models.Reminder) []delivery.Action {
	if r.IsHabit {
		return []delivery.Action{delivery.ActionComplete, delivery.ActionPostpone, delivery.ActionStats}
	}
	return []delivery.Action{delivery.ActionAck, delivery.ActionPostpone}
}
