package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Type string

const (
	DeliveryAttempted    Type = "delivery.attempted"
	DeliveryFailed       Type = "delivery.failed"
	OccurrenceSkipped    Type = "occurrence.skipped"
	OccurrenceExhausted  Type = "occurrence.exhausted"
	ReminderRemoved      Type = "reminder.removed"
	StreakUpdated        Type = "streak.updated"
	CompletionDuplicate  Type = "completion.duplicate"
	ReminderCreated      Type = "reminder.created"
	ReminderAcknowledged Type = "reminder.acknowledged"
	ReminderPostponed    Type = "reminder.postponed"
)

type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       Type           `json:"type"`
	At         time.Time      `json:"at"`
	UserID     int64          `json:"user_id"`
	ReminderID int64          `json:"reminder_id"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

func New(t Type, at time.Time, userID, reminderID int64, attrs map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		At:         at,
		UserID:     userID,
		ReminderID: reminderID,
		Attrs:      attrs,
	}
}

// Emitter receives engine events. Emit must not block for long and never
// reports failure to the caller.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		em.Emit(ctx, e)
	}
}

// LogEmitter writes every event as a structured log line.
type LogEmitter struct {
	logger *zap.Logger
}

func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("event_id", e.ID.String()),
		zap.Int64("user_id", e.UserID),
		zap.Int64("reminder_id", e.ReminderID),
	}
	for k, v := range e.Attrs {
		fields = append(fields, zap.Any(k, v))
	}
	l.logger.Info(string(e.Type), fields...)
}
