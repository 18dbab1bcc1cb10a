package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hray3182/loopmatic/internal/database"
	"github.com/hray3182/loopmatic/internal/models"
	"github.com/hray3182/loopmatic/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	now   time.Time
	store repository.Store
	svc   *ReminderService
	woken int
}

func setup(t *testing.T, start string) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	require.NoError(t, database.MigrateSQLite(context.Background(), db, zap.NewNop()))
	repo, err := repository.NewSQLiteRepository(db)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	f := &fixture{now: at(start), store: repo}
	f.svc = NewReminderService(repo, zap.NewNop(), Options{
		Location:  time.UTC,
		StatsDays: 7,
		Now:       func() time.Time { return f.now },
		Wake:      func() { f.woken++ },
	})
	return f
}

func at(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func (f *fixture) create(t *testing.T, userID int64, text, clock string, rule models.Rule, habit bool) *models.Reminder {
	t.Helper()
	r, err := f.svc.Create(context.Background(), CreateInput{
		UserID: userID, Text: text, Time: clock, Rule: string(rule), IsHabit: habit,
	})
	require.NoError(t, err)
	return r
}

func TestCreateSchedulesFirstSend(t *testing.T) {
	f := setup(t, "2026-02-13 08:00")

	r := f.create(t, 1, "stretch", "09:00", models.RuleDaily, false)
	assert.True(t, r.NextSend.Equal(at("2026-02-13 09:00")))
	assert.Equal(t, 1, f.woken)

	f.now = at("2026-02-13 10:00")
	r = f.create(t, 1, "walk", "09:00", models.RuleDaily, false)
	assert.True(t, r.NextSend.Equal(at("2026-02-14 09:00")))
	assert.True(t, r.AnchorDate.Equal(at("2026-02-14 00:00")))

	// Saturday creation of a weekday item lands on Monday.
	f.now = at("2026-02-14 07:00")
	r = f.create(t, 1, "commute", "08:30", models.RuleWeekdays, false)
	assert.True(t, r.NextSend.Equal(at("2026-02-16 08:30")))
}

func TestCreateValidation(t *testing.T) {
	f := setup(t, "2026-02-13 08:00")
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"empty text", CreateInput{UserID: 1, Text: "  ", Time: "09:00", Rule: "daily"}, models.ErrEmptyText},
		{"bad time", CreateInput{UserID: 1, Text: "x", Time: "25:00", Rule: "daily"}, models.ErrInvalidTime},
		{"loose time", CreateInput{UserID: 1, Text: "x", Time: "9:00", Rule: "daily"}, models.ErrInvalidTime},
		{"bad rule", CreateInput{UserID: 1, Text: "x", Time: "09:00", Rule: "hourly"}, models.ErrInvalidRule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.in)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}

	f.create(t, 1, "water plants", "18:00", models.RuleWeekly, false)
	_, err := f.svc.Create(ctx, CreateInput{UserID: 1, Text: "water plants", Time: "18:00", Rule: "weekly"})
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	// Same text for another user is fine.
	f.create(t, 2, "water plants", "18:00", models.RuleWeekly, false)
}

func TestAcknowledgeOnceDeletes(t *testing.T) {
	f := setup(t, "2026-02-13 08:00")
	ctx := context.Background()
	once := f.create(t, 1, "dentist", "09:00", models.RuleOnce, false)
	daily := f.create(t, 1, "vitamins", "09:00", models.RuleDaily, false)

	_, err := f.svc.Acknowledge(ctx, 1, once.ReminderID)
	require.NoError(t, err)
	_, err = f.store.GetReminder(ctx, once.ReminderID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	got, err := f.svc.Acknowledge(ctx, 1, daily.ReminderID)
	require.NoError(t, err)
	assert.True(t, got.NextSend.Equal(*daily.NextSend))

	_, err = f.svc.Acknowledge(ctx, 2, daily.ReminderID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPostpone(t *testing.T) {
	f := setup(t, "2026-02-13 08:00")
	ctx := context.Background()
	r := f.create(t, 1, "laundry", "09:00", models.RuleDaily, false)

	f.now = at("2026-02-13 09:03")
	got, err := f.svc.Postpone(ctx, 1, r.ReminderID, DelayHour)
	require.NoError(t, err)
	assert.True(t, got.NextSend.Equal(at("2026-02-13 10:03")))
	assert.True(t, got.Postponed)

	got, err = f.svc.Postpone(ctx, 1, r.ReminderID, DelayTomorrow)
	require.NoError(t, err)
	assert.True(t, got.NextSend.Equal(at("2026-02-14 09:03")))

	got, err = f.svc.Postpone(ctx, 1, r.ReminderID, Delay15Minutes)
	require.NoError(t, err)
	assert.True(t, got.NextSend.Equal(at("2026-02-13 09:18")))

	for _, d := range []Delay{{}, {Minutes: -5}, {Minutes: 10, Days: 1}} {
		_, err = f.svc.Postpone(ctx, 1, r.ReminderID, d)
		assert.ErrorIs(t, err, models.ErrInvalidPostpone)
	}

	_, err = f.svc.Postpone(ctx, 1, 999, DelayHour)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCompleteHabitStreak(t *testing.T) {
	f := setup(t, "2026-02-10 08:00")
	ctx := context.Background()
	h := f.create(t, 1, "read", "21:00", models.RuleDaily, true)

	steps := []struct {
		when   string
		streak int
	}{
		{"2026-02-10 21:05", 1},
		{"2026-02-11 20:00", 2},
		{"2026-02-12 23:59", 3},
		{"2026-02-14 09:00", 1},
	}
	for _, s := range steps {
		f.now = at(s.when)
		c, err := f.svc.CompleteHabit(ctx, 1, h.ReminderID)
		require.NoError(t, err)
		assert.True(t, c.Accepted, s.when)
		assert.Equal(t, s.streak, c.Streak, s.when)
	}

	f.now = at("2026-02-14 22:00")
	c, err := f.svc.CompleteHabit(ctx, 1, h.ReminderID)
	require.NoError(t, err)
	assert.False(t, c.Accepted)
	assert.Equal(t, 1, c.Streak)

	plain := f.create(t, 1, "bins", "19:00", models.RuleWeekly, false)
	_, err = f.svc.CompleteHabit(ctx, 1, plain.ReminderID)
	assert.ErrorIs(t, err, models.ErrNotHabit)
}

func TestCompleteOnceHabitFinishesIt(t *testing.T) {
	f := setup(t, "2026-02-13 08:00")
	ctx := context.Background()
	h := f.create(t, 1, "first run", "18:00", models.RuleOnce, true)

	c, err := f.svc.CompleteHabit(ctx, 1, h.ReminderID)
	require.NoError(t, err)
	assert.True(t, c.Accepted)

	_, err = f.store.GetReminder(ctx, h.ReminderID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestHabitStatsWindow(t *testing.T) {
	f := setup(t, "2026-02-01 08:00")
	ctx := context.Background()
	h := f.create(t, 1, "pushups", "07:00", models.RuleDaily, true)

	for _, d := range []string{"2026-02-01 09:00", "2026-02-05 09:00", "2026-02-06 09:00", "2026-02-08 09:00"} {
		f.now = at(d)
		_, err := f.svc.CompleteHabit(ctx, 1, h.ReminderID)
		require.NoError(t, err)
	}

	f.now = at("2026-02-08 12:00")
	st, err := f.svc.HabitStats(ctx, 1, h.ReminderID)
	require.NoError(t, err)
	assert.Equal(t, "02.02 - 08.02", st.Period)
	assert.Equal(t, 7, st.Days)
	assert.Equal(t, 3, st.Completed)
	assert.Equal(t, 1, st.Streak)

	_, err = f.svc.HabitStats(ctx, 2, h.ReminderID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	plain := f.create(t, 1, "call mom", "19:00", models.RuleWeekly, false)
	_, err = f.svc.HabitStats(ctx, 1, plain.ReminderID)
	assert.ErrorIs(t, err, models.ErrNotHabit)
}

func TestOverview(t *testing.T) {
	f := setup(t, "2026-02-10 08:00")
	ctx := context.Background()
	a := f.create(t, 1, "floss", "22:00", models.RuleDaily, true)
	b := f.create(t, 1, "journal", "21:00", models.RuleDaily, true)
	f.create(t, 1, "rent", "10:00", models.RuleMonthly, false)

	for _, d := range []string{"2026-02-09", "2026-02-10"} {
		f.now = at(d + " 23:00")
		_, err := f.svc.CompleteHabit(ctx, 1, a.ReminderID)
		require.NoError(t, err)
	}
	_, err := f.svc.CompleteHabit(ctx, 1, b.ReminderID)
	require.NoError(t, err)

	o, err := f.svc.Overview(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, o.TotalReminders)
	assert.Equal(t, 2, o.Habits)
	assert.Equal(t, 2, o.CompletedToday)
	assert.Equal(t, 2, o.BestStreak)
	assert.Equal(t, 3, o.WindowCompletions)
	require.Len(t, o.HabitBreakdown, 2)
	for _, h := range o.HabitBreakdown {
		assert.Equal(t, "04.02 - 10.02", h.Period)
	}
}

func TestListSweepsConsumedOnceItems(t *testing.T) {
	f := setup(t, "2026-02-13 08:00")
	ctx := context.Background()
	once := f.create(t, 1, "parcel", "09:00", models.RuleOnce, false)
	f.create(t, 1, "stretch", "09:00", models.RuleDaily, false)

	// Delivered and acknowledged without being removed.
	sent := at("2026-02-13 09:00")
	require.NoError(t, f.store.SaveDelivery(ctx, once.ReminderID, once.Version, models.DeliveryState{LastSent: &sent}))

	list, err := f.svc.List(ctx, 1, false)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	f.now = at("2026-02-14 08:00")
	list, err = f.svc.List(ctx, 1, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "stretch", list[0].Text)

	habits, err := f.svc.List(ctx, 1, true)
	require.NoError(t, err)
	assert.Empty(t, habits)
}

func TestDeleteScopedToOwner(t *testing.T) {
	f := setup(t, "2026-02-13 08:00")
	ctx := context.Background()
	r := f.create(t, 1, "bins", "19:00", models.RuleWeekly, false)

	assert.ErrorIs(t, f.svc.Delete(ctx, 2, r.ReminderID), repository.ErrNotFound)
	require.NoError(t, f.svc.Delete(ctx, 1, r.ReminderID))
	_, err := f.svc.Get(ctx, 1, r.ReminderID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
