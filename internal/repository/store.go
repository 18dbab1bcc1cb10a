package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hray3182/loopmatic/internal/models"
)

var (
	ErrNotFound  = errors.New("reminder not found")
	ErrDuplicate = errors.New("reminder already exists")
	// ErrConflict means the row changed since it was read.
	ErrConflict = errors.New("reminder was modified concurrently")
)

// Store is the persistence contract shared by the PostgreSQL and SQLite
// repositories. Each method runs as one write transaction.
type Store interface {
	UpsertUser(ctx context.Context, userID int64, username string) (*models.User, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
	BotStats(ctx context.Context, day time.Time) (*models.BotStats, error)
	UserOverview(ctx context.Context, userID int64, day, windowStart time.Time) (*models.UserOverview, error)

	// CreateReminder inserts r and fills its id, version and created_at.
	// An identical (user, text, time, rule) item yields ErrDuplicate.
	CreateReminder(ctx context.Context, r *models.Reminder) error
	GetReminder(ctx context.Context, id int64) (*models.Reminder, error)
	ListReminders(ctx context.Context, userID int64, habitsOnly bool) ([]*models.Reminder, error)
	DeleteReminder(ctx context.Context, userID, id int64) error
	DeleteReminderVersion(ctx context.Context, id, version int64) error

	// ListDue returns items whose next send has passed or whose retry
	// window closed at or before retryBefore.
	ListDue(ctx context.Context, now, retryBefore time.Time) ([]*models.Reminder, error)
	SaveDelivery(ctx context.Context, id, version int64, st models.DeliveryState) error

	// Acknowledge clears the retry state of the current occurrence and
	// returns the row as it was written. A one-shot item is deleted in the
	// same transaction.
	Acknowledge(ctx context.Context, userID, id int64) (*models.Reminder, error)
	Postpone(ctx context.Context, userID, id int64, until time.Time) (*models.Reminder, error)

	// RecordCompletion stores today's completion of a habit and updates its
	// streak. accepted is false when the habit was already completed today.
	// Completing a one-shot habit deletes it in the same transaction.
	RecordCompletion(ctx context.Context, userID, id int64, at time.Time) (accepted bool, streak int, err error)
	CompletionDates(ctx context.Context, userID, id int64, from, to time.Time) ([]time.Time, error)

	// SweepClosed deletes consumed one-shot items last sent before before.
	SweepClosed(ctx context.Context, userID int64, before time.Time) (int64, error)

	Close() error
}

const dateLayout = "2006-01-02"

func dateOf(t time.Time) string {
	return t.Format(dateLayout)
}

var (
	_ Store = (*SQLiteRepository)(nil)
	_ Store = (*PostgresRepository)(nil)
)
