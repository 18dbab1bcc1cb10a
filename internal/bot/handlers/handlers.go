package handlers

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hray3182/loopmatic/internal/ai"
	"github.com/hray3182/loopmatic/internal/format"
	"github.com/hray3182/loopmatic/internal/service"
	"github.com/hray3182/loopmatic/internal/session"
	"go.uber.org/zap"
)

// API is the subset of *tgbotapi.BotAPI used by the handlers.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// ReminderParser extracts a reminder from free text.
type ReminderParser interface {
	ParseReminder(ctx context.Context, message string) (*ai.Suggestion, error)
}

type Options struct {
	// Parser is optional; without it free text must be "text HH:MM".
	Parser         ReminderParser
	IsAdmin        func(userID int64) bool
	BroadcastDelay time.Duration
}

type Handlers struct {
	api            API
	svc            *service.ReminderService
	sessions       session.Store
	parser         ReminderParser
	isAdmin        func(int64) bool
	broadcastDelay time.Duration
	logger         *zap.Logger
}

func New(api API, svc *service.ReminderService, sessions session.Store, logger *zap.Logger, opts Options) *Handlers {
	h := &Handlers{
		api:            api,
		svc:            svc,
		sessions:       sessions,
		parser:         opts.Parser,
		isAdmin:        opts.IsAdmin,
		broadcastDelay: opts.BroadcastDelay,
		logger:         logger,
	}
	if h.isAdmin == nil {
		h.isAdmin = func(int64) bool { return false }
	}
	if h.broadcastDelay <= 0 {
		h.broadcastDelay = 100 * time.Millisecond
	}
	return h
}

func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if !h.touch(ctx, msg.From) {
		return
	}

	switch msg.Command() {
	case "start":
		h.handleStart(ctx, msg)
	case "help":
		h.handleHelp(ctx, msg)
	case "add":
		h.handleAdd(ctx, msg, false)
	case "habit":
		h.handleAdd(ctx, msg, true)
	case "list":
		h.handleList(ctx, msg, false)
	case "habits":
		h.handleList(ctx, msg, true)
	case "delete":
		h.handleDelete(ctx, msg)
	case "stats":
		h.handleStats(ctx, msg)
	case "cancel":
		h.handleCancel(ctx, msg)
	case "admin":
		h.handleAdminStats(ctx, msg)
	case "broadcast":
		h.handleBroadcast(ctx, msg)
	default:
		h.sendMessage(msg.Chat.ID, "Unknown command, see /help")
	}
}

func (h *Handlers) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !h.touch(ctx, msg.From) {
		return
	}
	h.handleText(ctx, msg)
}

// touch records the user on every interaction.
func (h *Handlers) touch(ctx context.Context, from *tgbotapi.User) bool {
	if from == nil {
		return false
	}
	if _, err := h.svc.TouchUser(ctx, from.ID, from.UserName); err != nil {
		h.logger.Error("failed to upsert user", zap.Int64("user_id", from.ID), zap.Error(err))
		return false
	}
	return true
}

func (h *Handlers) answerCallback(callbackID, text string) {
	if _, err := h.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		h.logger.Warn("failed to answer callback", zap.Error(err))
	}
}

func (h *Handlers) editMessage(chatID int64, messageID int, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ReplyMarkup = markup
	if _, err := h.api.Send(edit); err != nil {
		h.logger.Warn("failed to edit message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (h *Handlers) editMarkup(chatID int64, messageID int, markup tgbotapi.InlineKeyboardMarkup) {
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, markup)
	if _, err := h.api.Send(edit); err != nil {
		h.logger.Warn("failed to edit keyboard", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (h *Handlers) sendMessage(chatID int64, text string) {
	if _, err := h.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		h.logger.Warn("failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (h *Handlers) sendFormatted(chatID int64, b *format.Builder) {
	if _, err := h.api.Send(b.Message(chatID)); err != nil {
		h.logger.Warn("failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (h *Handlers) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	var b format.Builder
	b.Textf("👋 Hi %s!", msg.From.FirstName).Line().Line().
		Text("I send reminders at a time of day and repeat them on a schedule. ").
		Text("Habits also track your daily streak.").Line().Line().
		Text("Send ").Code("water plants 18:30").Text(" to get started, or use /add and /habit.").Line().
		Text("See /help for every command.")
	h.sendFormatted(msg.Chat.ID, &b)
}

func (h *Handlers) handleHelp(ctx context.Context, msg *tgbotapi.Message) {
	var b format.Builder
	b.Bold("Commands").Line().Line().
		Text("/add [text HH:MM] - new reminder").Line().
		Text("/habit [text HH:MM] - new habit").Line().
		Text("/list - your reminders").Line().
		Text("/habits - your habits").Line().
		Text("/delete <id> - delete a reminder").Line().
		Text("/stats - your statistics").Line().
		Text("/cancel - abort the current entry").Line()
	if h.isAdmin(msg.From.ID) {
		b.Line().Bold("Admin").Line().
			Text("/admin - bot statistics").Line().
			Text("/broadcast <text> - message every user").Line()
	}
	h.sendFormatted(msg.Chat.ID, &b)
}
