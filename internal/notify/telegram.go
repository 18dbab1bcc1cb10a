package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hray3182/loopmatic/internal/delivery"
	"go.uber.org/zap"
)

// Sender is the part of *tgbotapi.BotAPI the sink needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Callback prefixes of the postpone submenu.
const (
	PostponeDelay  = "delay"
	PostponeCancel = "cancel"
)

var buttonLabels = map[delivery.Action]string{
	delivery.ActionAck:      "✅ Done",
	delivery.ActionComplete: "✅ Completed",
	delivery.ActionPostpone: "⏳ Postpone",
	delivery.ActionStats:    "📊 Stats",
}

// TelegramSink delivers notifications as chat messages with inline buttons.
type TelegramSink struct {
	api    Sender
	logger *zap.Logger
}

func NewTelegramSink(api Sender, logger *zap.Logger) *TelegramSink {
	return &TelegramSink{api: api, logger: logger}
}

func (s *TelegramSink) Deliver(ctx context.Context, n delivery.Notification) error {
	msg := tgbotapi.NewMessage(n.UserID, n.Text)
	if len(n.Actions) > 0 {
		msg.ReplyMarkup = ActionKeyboard(n.ReminderID, n.Actions)
	}

	// BotAPI.Send has no context; the result channel is buffered so the
	// goroutine finishes even after the caller gave up.
	done := make(chan error, 1)
	go func() {
		_, err := s.api.Send(msg)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("telegram send: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			return nil
		}
		if isUnreachable(err) {
			s.logger.Debug("telegram recipient unreachable", zap.Int64("user_id", n.UserID), zap.Error(err))
			return delivery.Permanent(err)
		}
		return fmt.Errorf("telegram send: %w", err)
	}
}

var unreachableMessages = []string{
	"bot was blocked by the user",
	"chat not found",
	"user is deactivated",
	"bot was kicked",
}

// isUnreachable reports whether err means the chat can never receive
// messages from the bot again.
func isUnreachable(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 403 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range unreachableMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// ActionKeyboard renders actions as one row of buttons whose callback data
// is "action:reminderID".
func ActionKeyboard(reminderID int64, actions []delivery.Action) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, a := range actions {
		label, ok := buttonLabels[a]
		if !ok {
			label = string(a)
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, CallbackData(string(a), reminderID)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

// PostponeKeyboard is the submenu shown after the postpone button.
func PostponeKeyboard(reminderID int64) tgbotapi.InlineKeyboardMarkup {
	id := strconv.FormatInt(reminderID, 10)
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("15 min", PostponeDelay+":"+id+":15"),
			tgbotapi.NewInlineKeyboardButtonData("1 hour", PostponeDelay+":"+id+":60"),
			tgbotapi.NewInlineKeyboardButtonData("Tomorrow", PostponeDelay+":"+id+":tomorrow"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("↩️ Back", PostponeCancel+":"+id),
		),
	)
}

func CallbackData(action string, reminderID int64) string {
	return action + ":" + strconv.FormatInt(reminderID, 10)
}

// Callback is decoded inline button data.
type Callback struct {
	Action     string
	ReminderID int64
	Arg        string
}

func ParseCallback(data string) (Callback, error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return Callback{}, fmt.Errorf("malformed callback data %q", data)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Callback{}, fmt.Errorf("malformed callback id %q: %w", parts[1], err)
	}
	cb := Callback{Action: parts[0], ReminderID: id}
	if len(parts) == 3 {
		cb.Arg = parts[2]
	}
	return cb, nil
}
