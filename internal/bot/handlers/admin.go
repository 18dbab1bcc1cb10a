package handlers

import (
	"context"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hray3182/loopmatic/internal/format"
	"go.uber.org/zap"
)

func (h *Handlers) handleAdminStats(ctx context.Context, msg *tgbotapi.Message) {
	if !h.isAdmin(msg.From.ID) {
		h.sendMessage(msg.Chat.ID, "Unknown command, see /help")
		return
	}

	s, err := h.svc.BotStats(ctx)
	if err != nil {
		h.logger.Error("failed to load bot stats", zap.Error(err))
		h.sendMessage(msg.Chat.ID, userError(err))
		return
	}

	var b format.Builder
	b.Bold("🤖 Bot statistics").Line().Line().
		Textf("Users: %d", s.Users).Line().
		Textf("Reminders: %d", s.Reminders).Line().
		Textf("Habits: %d", s.Habits).Line().
		Textf("Active today: %d", s.ActiveToday)
	h.sendFormatted(msg.Chat.ID, &b)
}

// BroadcastResult counts the outcome of a broadcast.
type BroadcastResult struct {
	Sent   int
	Failed int
}

func (h *Handlers) handleBroadcast(ctx context.Context, msg *tgbotapi.Message) {
	if !h.isAdmin(msg.From.ID) {
		h.sendMessage(msg.Chat.ID, "Unknown command, see /help")
		return
	}
	text := strings.TrimSpace(msg.CommandArguments())
	if text == "" {
		h.sendMessage(msg.Chat.ID, "Usage: /broadcast <text>")
		return
	}

	res, err := h.Broadcast(ctx, "📢 "+text)
	if err != nil {
		h.logger.Error("broadcast aborted", zap.Error(err))
	}
	var b format.Builder
	b.Bold("📢 Broadcast finished").Line().
		Textf("Sent: %d", res.Sent).Line().
		Textf("Failed: %d", res.Failed)
	h.sendFormatted(msg.Chat.ID, &b)
}

// Broadcast sends text to every known user, one message per delay.
func (h *Handlers) Broadcast(ctx context.Context, text string) (BroadcastResult, error) {
	var res BroadcastResult
	ids, err := h.svc.Recipients(ctx)
	if err != nil {
		return res, err
	}

	for i, id := range ids {
		if i > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(h.broadcastDelay):
			}
		}
		if _, err := h.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
			h.logger.Debug("broadcast delivery failed", zap.Int64("user_id", id), zap.Error(err))
			res.Failed++
			continue
		}
		res.Sent++
	}
	h.logger.Info("broadcast finished", zap.Int("sent", res.Sent), zap.Int("failed", res.Failed))
	return res, nil
}
