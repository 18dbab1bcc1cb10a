package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hray3182/loopmatic/internal/models"
	"github.com/hray3182/loopmatic/internal/streak"
	"github.com/mattn/go-sqlite3"
)

// Fixed width so that text comparison orders like time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteReminderColumns = `reminder_id, user_id, text, time_of_day, rule, is_habit, anchor_date,
	next_send, last_sent, retry_count, last_attempt_at, postponed, habit_streak, version, created_at`

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) (*SQLiteRepository, error) {
	if db == nil {
		return nil, errors.New("repository: nil db")
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) UpsertUser(ctx context.Context, userID int64, username string) (*models.User, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO users (user_id, username, joined_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET username = excluded.username
		 RETURNING user_id, username, joined_at`,
		userID, username, mustTime(time.Now()),
	)
	return scanSQLiteUser(row)
}

func (r *SQLiteRepository) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT user_id, username, joined_at FROM users WHERE user_id = ?`, userID)
	u, err := scanSQLiteUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (r *SQLiteRepository) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SQLiteRepository) BotStats(ctx context.Context, day time.Time) (*models.BotStats, error) {
	s := &models.BotStats{}
	err := r.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM reminders),
			(SELECT COUNT(*) FROM reminders WHERE is_habit = 1),
			(SELECT COUNT(DISTINCT user_id) FROM habit_completions WHERE completed_on = ?)`,
		dateOf(day),
	).Scan(&s.Users, &s.Reminders, &s.Habits, &s.ActiveToday)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SQLiteRepository) UserOverview(ctx context.Context, userID int64, day, windowStart time.Time) (*models.UserOverview, error) {
	from, to := dateOf(windowStart), dateOf(day)
	o := &models.UserOverview{}
	err := r.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM reminders WHERE user_id = ?),
			(SELECT COUNT(*) FROM reminders WHERE user_id = ? AND is_habit = 1),
			(SELECT COUNT(*) FROM habit_completions WHERE user_id = ? AND completed_on = ?),
			(SELECT COALESCE(MAX(habit_streak), 0) FROM reminders WHERE user_id = ? AND is_habit = 1),
			(SELECT COUNT(*) FROM habit_completions WHERE user_id = ? AND completed_on BETWEEN ? AND ?)`,
		userID, userID, userID, to, userID, userID, from, to,
	).Scan(&o.TotalReminders, &o.Habits, &o.CompletedToday, &o.BestStreak, &o.WindowCompletions)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT r.reminder_id, r.text, r.habit_streak,
			(SELECT COUNT(*) FROM habit_completions hc
			 WHERE hc.reminder_id = r.reminder_id AND hc.completed_on BETWEEN ? AND ?)
		 FROM reminders r
		 WHERE r.user_id = ? AND r.is_habit = 1
		 ORDER BY r.habit_streak DESC, r.reminder_id`,
		from, to, userID,
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

func (r *SQLiteRepository) CreateReminder(ctx context.Context, rem *models.Reminder) error {
	now := time.Now()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO reminders (user_id, text, time_of_day, rule, is_habit, anchor_date, next_send,
			retry_count, postponed, habit_streak, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 1, ?)`,
		rem.UserID, rem.Text, rem.TimeOfDay.String(), string(rem.Rule), boolInt(rem.IsHabit),
		dateOf(rem.AnchorDate), nullTime(rem.NextSend), mustTime(now),
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return ErrDuplicate
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rem.ReminderID = id
	rem.Version = 1
	rem.CreatedAt = now.UTC()
	return nil
}

func (r *SQLiteRepository) GetReminder(ctx context.Context, id int64) (*models.Reminder, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteReminderColumns+` FROM reminders WHERE reminder_id = ?`, id)
	return r.scanOne(row)
}

func (r *SQLiteRepository) ListReminders(ctx context.Context, userID int64, habitsOnly bool) ([]*models.Reminder, error) {
	query := `SELECT ` + sqliteReminderColumns + ` FROM reminders WHERE user_id = ?`
	if habitsOnly {
		query += ` AND is_habit = 1`
	}
	query += ` ORDER BY time_of_day, reminder_id`
	return r.queryReminders(ctx, query, userID)
}

func (r *SQLiteRepository) DeleteReminder(ctx context.Context, userID, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE reminder_id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (r *SQLiteRepository) DeleteReminderVersion(ctx context.Context, id, version int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE reminder_id = ? AND version = ?`, id, version)
	if err != nil {
		return err
	}
	return r.versionResult(ctx, res, id)
}

func (r *SQLiteRepository) ListDue(ctx context.Context, now, retryBefore time.Time) ([]*models.Reminder, error) {
	return r.queryReminders(ctx,
		`SELECT `+sqliteReminderColumns+` FROM reminders
		 WHERE (next_send IS NOT NULL AND next_send <= ?)
		    OR (retry_count > 0 AND last_attempt_at <= ?)
		 ORDER BY reminder_id`,
		mustTime(now), mustTime(retryBefore),
	)
}

func (r *SQLiteRepository) SaveDelivery(ctx context.Context, id, version int64, st models.DeliveryState) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE reminders
		 SET next_send = ?, last_sent = ?, retry_count = ?, last_attempt_at = ?, postponed = ?,
		     version = version + 1
		 WHERE reminder_id = ? AND version = ?`,
		nullTime(st.NextSend), nullTime(st.LastSent), st.RetryCount, nullTime(st.LastAttemptAt),
		boolInt(st.Postponed), id, version,
	)
	if err != nil {
		return err
	}
	return r.versionResult(ctx, res, id)
}

func (r *SQLiteRepository) Acknowledge(ctx context.Context, userID, id int64) (*models.Reminder, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rem, err := r.scanOne(tx.QueryRowContext(ctx,
		`UPDATE reminders SET retry_count = 0, last_attempt_at = NULL, version = version + 1
		 WHERE reminder_id = ? AND user_id = ?
		 RETURNING `+sqliteReminderColumns,
		id, userID,
	))
	if err != nil {
		return nil, err
	}
	if rem.Rule.IsOnce() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE reminder_id = ?`, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rem, nil
}

func (r *SQLiteRepository) Postpone(ctx context.Context, userID, id int64, until time.Time) (*models.Reminder, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE reminders
		 SET next_send = ?, retry_count = 0, last_attempt_at = NULL, postponed = 1, version = version + 1
		 WHERE reminder_id = ? AND user_id = ?
		 RETURNING `+sqliteReminderColumns,
		mustTime(until), id, userID,
	)
	return r.scanOne(row)
}

func (r *SQLiteRepository) RecordCompletion(ctx context.Context, userID, id int64, at time.Time) (bool, int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	var isHabit bool
	var prev int
	var rule string
	err = tx.QueryRowContext(ctx,
		`SELECT is_habit, habit_streak, rule FROM reminders WHERE reminder_id = ? AND user_id = ?`,
		id, userID,
	).Scan(&isHabit, &prev, &rule)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, ErrNotFound
	}
	if err != nil {
		return false, 0, err
	}
	if !isHabit {
		return false, 0, models.ErrNotHabit
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO habit_completions (user_id, reminder_id, completed_on, completed_time)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, reminder_id, completed_on) DO NOTHING`,
		userID, id, dateOf(at), models.ClockOf(at).String(),
	)
	if err != nil {
		return false, 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, 0, err
	} else if n == 0 {
		return false, prev, nil
	}

	var yesterday bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM habit_completions
		 WHERE user_id = ? AND reminder_id = ? AND completed_on = ?)`,
		userID, id, dateOf(at.AddDate(0, 0, -1)),
	).Scan(&yesterday)
	if err != nil {
		return false, 0, err
	}

	next := streak.Next(prev, yesterday)
	update := `UPDATE reminders
		 SET habit_streak = ?, retry_count = 0, last_attempt_at = NULL, version = version + 1
		 WHERE reminder_id = ?`
	args := []any{next, id}
	// A one-shot habit is finished by its completion.
	if models.Rule(rule).IsOnce() {
		update, args = `DELETE FROM reminders WHERE reminder_id = ?`, []any{id}
	}
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return false, 0, err
	}
	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, next, nil
}

func (r *SQLiteRepository) CompletionDates(ctx context.Context, userID, id int64, from, to time.Time) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT completed_on FROM habit_completions
		 WHERE user_id = ? AND reminder_id = ? AND completed_on BETWEEN ? AND ?
		 ORDER BY completed_on`,
		userID, id, dateOf(from), dateOf(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("parse completed_on %q: %w", s, err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

func (r *SQLiteRepository) SweepClosed(ctx context.Context, userID int64, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM reminders
		 WHERE user_id = ? AND next_send IS NULL AND retry_count = 0
		   AND last_sent IS NOT NULL AND last_sent < ?`,
		userID, mustTime(before),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) queryReminders(ctx context.Context, query string, args ...any) ([]*models.Reminder, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Reminder
	for rows.Next() {
		rem, err := scanSQLiteReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rem)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) scanOne(row *sql.Row) (*models.Reminder, error) {
	rem, err := scanSQLiteReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rem, err
}

// versionResult turns a zero-row guarded write into ErrNotFound or
// ErrConflict.
func (r *SQLiteRepository) versionResult(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM reminders WHERE reminder_id = ?)`, id,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteReminder(row rowScanner) (*models.Reminder, error) {
	var (
		rem                     models.Reminder
		clock, rule, anchor     string
		created                 string
		next, last, lastAttempt sql.NullString
	)
	if err := row.Scan(&rem.ReminderID, &rem.UserID, &rem.Text, &clock, &rule, &rem.IsHabit, &anchor,
		&next, &last, &rem.RetryCount, &lastAttempt, &rem.Postponed, &rem.HabitStreak, &rem.Version, &created); err != nil {
		return nil, err
	}

	var err error
	if rem.TimeOfDay, err = models.ParseClock(clock); err != nil {
		return nil, err
	}
	rem.Rule = models.Rule(rule)
	if rem.AnchorDate, err = time.Parse(dateLayout, anchor); err != nil {
		return nil, fmt.Errorf("parse anchor_date: %w", err)
	}
	if rem.NextSend, err = parseNullableTime(next); err != nil {
		return nil, fmt.Errorf("parse next_send: %w", err)
	}
	if rem.LastSent, err = parseNullableTime(last); err != nil {
		return nil, fmt.Errorf("parse last_sent: %w", err)
	}
	if rem.LastAttemptAt, err = parseNullableTime(lastAttempt); err != nil {
		return nil, fmt.Errorf("parse last_attempt_at: %w", err)
	}
	if rem.CreatedAt, err = time.Parse(sqliteTimeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &rem, nil
}

func scanSQLiteUser(row rowScanner) (*models.User, error) {
	var u models.User
	var joined string
	if err := row.Scan(&u.UserID, &u.Username, &joined); err != nil {
		return nil, err
	}
	t, err := time.Parse(sqliteTimeLayout, joined)
	if err != nil {
		return nil, fmt.Errorf("parse joined_at: %w", err)
	}
	u.JoinedAt = t
	return &u, nil
}

func isSQLiteUnique(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC().Format(sqliteTimeLayout)
}

func mustTime(v time.Time) string {
	return v.UTC().Format(sqliteTimeLayout)
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
