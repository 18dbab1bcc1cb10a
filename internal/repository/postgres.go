package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hray3182/loopmatic/internal/database"
	"github.com/hray3182/loopmatic/internal/models"
	"github.com/hray3182/loopmatic/internal/streak"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgReminderColumns = `reminder_id, user_id, text, time_of_day, rule, is_habit, anchor_date,
	next_send, last_sent, retry_count, last_attempt_at, postponed, habit_streak, version, created_at`

const pgUniqueViolation = "23505"

type PostgresRepository struct {
	db *database.DB
}

func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Close() error {
	r.db.Close()
	return nil
}

func (r *PostgresRepository) UpsertUser(ctx context.Context, userID int64, username string) (*models.User, error) {
	u := &models.User{}
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO users (user_id, username) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET username = EXCLUDED.username
		 RETURNING user_id, username, joined_at`,
		userID, username,
	).Scan(&u.UserID, &u.Username, &u.JoinedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *PostgresRepository) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	u := &models.User{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT user_id, username, joined_at FROM users WHERE user_id = $1`,
		userID,
	).Scan(&u.UserID, &u.Username, &u.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *PostgresRepository) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *PostgresRepository) BotStats(ctx context.Context, day time.Time) (*models.BotStats, error) {
	s := &models.BotStats{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM reminders),
			(SELECT COUNT(*) FROM reminders WHERE is_habit),
			(SELECT COUNT(DISTINCT user_id) FROM habit_completions WHERE completed_on = $1)`,
		pgDate(day),
	).Scan(&s.Users, &s.Reminders, &s.Habits, &s.ActiveToday)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepository) UserOverview(ctx context.Context, userID int64, day, windowStart time.Time) (*models.UserOverview, error) {
	from, to := pgDate(windowStart), pgDate(day)
	o := &models.UserOverview{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM reminders WHERE user_id = $1),
			(SELECT COUNT(*) FROM reminders WHERE user_id = $1 AND is_habit),
			(SELECT COUNT(*) FROM habit_completions WHERE user_id = $1 AND completed_on = $3),
			(SELECT COALESCE(MAX(habit_streak), 0) FROM reminders WHERE user_id = $1 AND is_habit),
			(SELECT COUNT(*) FROM habit_completions WHERE user_id = $1 AND completed_on BETWEEN $2 AND $3)`,
		userID, from, to,
	).Scan(&o.TotalReminders, &o.Habits, &o.CompletedToday, &o.BestStreak, &o.WindowCompletions)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT r.reminder_id, r.text, r.habit_streak,
			(SELECT COUNT(*) FROM habit_completions hc
			 WHERE hc.reminder_id = r.reminder_id AND hc.completed_on BETWEEN $2 AND $3)
		 FROM reminders r
		 WHERE r.user_id = $1 AND r.is_habit
		 ORDER BY r.habit_streak DESC, r.reminder_id`,
		userID, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var h models.HabitStats
		if err := rows.Scan(&h.ReminderID, &h.Text, &h.Streak, &h.Completed); err != nil {
			return nil, err
		}
		o.HabitBreakdown = append(o.HabitBreakdown, h)
	}
	return o, rows.Err()
}

func (r *PostgresRepository) CreateReminder(ctx context.Context, rem *models.Reminder) error {
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO reminders (user_id, text, time_of_day, rule, is_habit, anchor_date, next_send)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING reminder_id, version, created_at`,
		rem.UserID, rem.Text, rem.TimeOfDay.String(), string(rem.Rule), rem.IsHabit,
		pgDate(rem.AnchorDate), rem.NextSend,
	).Scan(&rem.ReminderID, &rem.Version, &rem.CreatedAt)
	if isPgUnique(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepository) GetReminder(ctx context.Context, id int64) (*models.Reminder, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+pgReminderColumns+` FROM reminders WHERE reminder_id = $1`, id)
	return scanPgOne(row)
}

func (r *PostgresRepository) ListReminders(ctx context.Context, userID int64, habitsOnly bool) ([]*models.Reminder, error) {
	query := `SELECT ` + pgReminderColumns + ` FROM reminders WHERE user_id = $1`
	if habitsOnly {
		query += ` AND is_habit`
	}
	query += ` ORDER BY time_of_day, reminder_id`
	return r.queryReminders(ctx, query, userID)
}

func (r *PostgresRepository) DeleteReminder(ctx context.Context, userID, id int64) error {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM reminders WHERE reminder_id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteReminderVersion(ctx context.Context, id, version int64) error {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM reminders WHERE reminder_id = $1 AND version = $2`, id, version)
	if err != nil {
		return err
	}
	return r.versionResult(ctx, tag, id)
}

func (r *PostgresRepository) ListDue(ctx context.Context, now, retryBefore time.Time) ([]*models.Reminder, error) {
	return r.queryReminders(ctx,
		`SELECT `+pgReminderColumns+` FROM reminders
		 WHERE (next_send IS NOT NULL AND next_send <= $1)
		    OR (retry_count > 0 AND last_attempt_at <= $2)
		 ORDER BY reminder_id`,
		now, retryBefore,
	)
}

func (r *PostgresRepository) SaveDelivery(ctx context.Context, id, version int64, st models.DeliveryState) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminders
		 SET next_send = $1, last_sent = $2, retry_count = $3, last_attempt_at = $4, postponed = $5,
		     version = version + 1
		 WHERE reminder_id = $6 AND version = $7`,
		st.NextSend, st.LastSent, st.RetryCount, st.LastAttemptAt, st.Postponed, id, version,
	)
	if err != nil {
		return err
	}
	return r.versionResult(ctx, tag, id)
}

func (r *PostgresRepository) Acknowledge(ctx context.Context, userID, id int64) (*models.Reminder, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rem, err := scanPgOne(tx.QueryRow(ctx,
		`UPDATE reminders SET retry_count = 0, last_attempt_at = NULL, version = version + 1
		 WHERE reminder_id = $1 AND user_id = $2
		 RETURNING `+pgReminderColumns,
		id, userID,
	))
	if err != nil {
		return nil, err
	}
	if rem.Rule.IsOnce() {
		if _, err := tx.Exec(ctx, `DELETE FROM reminders WHERE reminder_id = $1`, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rem, nil
}

func (r *PostgresRepository) Postpone(ctx context.Context, userID, id int64, until time.Time) (*models.Reminder, error) {
	row := r.db.Pool.QueryRow(ctx,
		`UPDATE reminders
		 SET next_send = $1, retry_count = 0, last_attempt_at = NULL, postponed = TRUE, version = version + 1
		 WHERE reminder_id = $2 AND user_id = $3
		 RETURNING `+pgReminderColumns,
		until, id, userID,
	)
	return scanPgOne(row)
}

func (r *PostgresRepository) RecordCompletion(ctx context.Context, userID, id int64, at time.Time) (bool, int, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback(ctx)

	var isHabit bool
	var prev int
	var rule string
	err = tx.QueryRow(ctx,
		`SELECT is_habit, habit_streak, rule FROM reminders
		 WHERE reminder_id = $1 AND user_id = $2
		 FOR UPDATE`,
		id, userID,
	).Scan(&isHabit, &prev, &rule)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, ErrNotFound
	}
	if err != nil {
		return false, 0, err
	}
	if !isHabit {
		return false, 0, models.ErrNotHabit
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO habit_completions (user_id, reminder_id, completed_on, completed_time)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, reminder_id, completed_on) DO NOTHING`,
		userID, id, pgDate(at), models.ClockOf(at).String(),
	)
	if err != nil {
		return false, 0, err
	}
	if tag.RowsAffected() == 0 {
		return false, prev, nil
	}

	var yesterday bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM habit_completions
		 WHERE user_id = $1 AND reminder_id = $2 AND completed_on = $3)`,
		userID, id, pgDate(at.AddDate(0, 0, -1)),
	).Scan(&yesterday)
	if err != nil {
		return false, 0, err
	}

	next := streak.Next(prev, yesterday)
	if models.Rule(rule).IsOnce() {
		_, err = tx.Exec(ctx, `DELETE FROM reminders WHERE reminder_id = $1`, id)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE reminders
			 SET habit_streak = $1, retry_count = 0, last_attempt_at = NULL, version = version + 1
			 WHERE reminder_id = $2`,
			next, id,
		)
	}
	if err != nil {
		return false, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, 0, err
	}
	return true, next, nil
}

func (r *PostgresRepository) CompletionDates(ctx context.Context, userID, id int64, from, to time.Time) ([]time.Time, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT completed_on FROM habit_completions
		 WHERE user_id = $1 AND reminder_id = $2 AND completed_on BETWEEN $3 AND $4
		 ORDER BY completed_on`,
		userID, id, pgDate(from), pgDate(to),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[time.Time])
}

func (r *PostgresRepository) SweepClosed(ctx context.Context, userID int64, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM reminders
		 WHERE user_id = $1 AND next_send IS NULL AND retry_count = 0
		   AND last_sent IS NOT NULL AND last_sent < $2`,
		userID, before,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) queryReminders(ctx context.Context, query string, args ...any) ([]*models.Reminder, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Reminder
	for rows.Next() {
		rem, err := scanPgReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rem)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) versionResult(ctx context.Context, tag pgconn.CommandTag, id int64) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM reminders WHERE reminder_id = $1)`, id,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func scanPgOne(row pgx.Row) (*models.Reminder, error) {
	rem, err := scanPgReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rem, err
}

func scanPgReminder(row pgx.Row) (*models.Reminder, error) {
	var rem models.Reminder
	var clock, rule string
	if err := row.Scan(&rem.ReminderID, &rem.UserID, &rem.Text, &clock, &rule, &rem.IsHabit, &rem.AnchorDate,
		&rem.NextSend, &rem.LastSent, &rem.RetryCount, &rem.LastAttemptAt, &rem.Postponed,
		&rem.HabitStreak, &rem.Version, &rem.CreatedAt); err != nil {
		return nil, err
	}
	c, err := models.ParseClock(clock)
	if err != nil {
		return nil, err
	}
	rem.TimeOfDay = c
	rem.Rule = models.Rule(rule)
	return &rem, nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// pgDate strips the clock and zone so pgx encodes the calendar date as seen
// in t's own location.
func pgDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
