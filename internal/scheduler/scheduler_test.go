package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hray3182/loopmatic/internal/database"
	"github.com/hray3182/loopmatic/internal/delivery"
	"github.com/hray3182/loopmatic/internal/events"
	"github.com/hray3182/loopmatic/internal/models"
	"github.com/hray3182/loopmatic/internal/repository"
	"github.com/hray3182/loopmatic/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu    sync.Mutex
	sent  []delivery.Notification
	fail  map[int64]error
	calls int
}

func (s *recordingSink) Deliver(_ context.Context, n delivery.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.fail[n.UserID]; err != nil {
		return err
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSink) last() delivery.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

type eventLog struct {
	mu  sync.Mutex
	got []events.Type
}

func (l *eventLog) Emit(_ context.Context, e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, e.Type)
}

func (l *eventLog) has(t events.Type) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, g := range l.got {
		if g == t {
			return true
		}
	}
	return false
}

// failingStore breaks SaveDelivery for one item.
type failingStore struct {
	repository.Store
	failID int64
}

func (f *failingStore) SaveDelivery(ctx context.Context, id, version int64, st models.DeliveryState) error {
	if id == f.failID {
		return errors.New("disk full")
	}
	return f.Store.SaveDelivery(ctx, id, version, st)
}

type harness struct {
	now    time.Time
	store  repository.Store
	sink   *recordingSink
	events *eventLog
	svc    *service.ReminderService
	sched  *Scheduler
}

var policy = delivery.Policy{RetryInterval: 10 * time.Minute, MaxRetries: 3}

func newHarness(t *testing.T, start string) *harness {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	require.NoError(t, database.MigrateSQLite(context.Background(), db, zap.NewNop()))
	repo, err := repository.NewSQLiteRepository(db)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	h := &harness{now: at(start), store: repo, sink: &recordingSink{fail: map[int64]error{}}, events: &eventLog{}}
	h.build()
	return h
}

func (h *harness) build() {
	clock := func() time.Time { return h.now }
	h.svc = service.NewReminderService(h.store, zap.NewNop(), service.Options{
		Location: time.UTC, StatsDays: 7, Now: clock, Emitter: h.events,
	})
	h.sched = New(h.store, h.sink, zap.NewNop(), Options{
		Policy:          policy,
		DeliveryTimeout: time.Second,
		Workers:         4,
		Location:        time.UTC,
		Now:             clock,
		Emitter:         h.events,
	})
}

func (h *harness) tickAt(t *testing.T, s string) {
	t.Helper()
	h.now = at(s)
	h.sched.RunOnce(context.Background())
}

func (h *harness) create(t *testing.T, userID int64, text, clock string, rule models.Rule, habit bool) *models.Reminder {
	t.Helper()
	r, err := h.svc.Create(context.Background(), service.CreateInput{
		UserID: userID, Text: text, Time: clock, Rule: string(rule), IsHabit: habit,
	})
	require.NoError(t, err)
	return r
}

func (h *harness) get(t *testing.T, id int64) *models.Reminder {
	t.Helper()
	r, err := h.store.GetReminder(context.Background(), id)
	require.NoError(t, err)
	return r
}

func at(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func TestPlainReminderRetriesUntilAcknowledged(t *testing.T) {
	h := newHarness(t, "2026-02-13 08:00")
	r := h.create(t, 1, "take pills", "09:00", models.RuleDaily, false)
	assert.True(t, r.NextSend.Equal(at("2026-02-13 09:00")))

	h.tickAt(t, "2026-02-13 08:59")
	assert.Zero(t, h.sink.count())

	h.tickAt(t, "2026-02-13 09:00")
	require.Equal(t, 1, h.sink.count())
	n := h.sink.last()
	assert.Equal(t, []delivery.Action{delivery.ActionAck, delivery.ActionPostpone}, n.Actions)
	assert.Contains(t, n.Text, "take pills")

	got := h.get(t, r.ReminderID)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.LastAttemptAt.Equal(at("2026-02-13 09:00")))
	assert.True(t, got.NextSend.Equal(at("2026-02-14 09:00")))
	assert.True(t, got.LastSent.Equal(at("2026-02-13 09:00")))

	h.tickAt(t, "2026-02-13 09:05")
	assert.Equal(t, 1, h.sink.count())

	h.tickAt(t, "2026-02-13 09:10")
	require.Equal(t, 2, h.sink.count())
	assert.Contains(t, h.sink.last().Text, "Reminder 2 of 3")
	assert.Equal(t, 2, h.get(t, r.ReminderID).RetryCount)

	_, err := h.svc.Acknowledge(context.Background(), 1, r.ReminderID)
	require.NoError(t, err)

	h.tickAt(t, "2026-02-13 09:20")
	h.tickAt(t, "2026-02-13 09:30")
	assert.Equal(t, 2, h.sink.count())

	got = h.get(t, r.ReminderID)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.LastAttemptAt)

	h.tickAt(t, "2026-02-14 09:00")
	assert.Equal(t, 3, h.sink.count())
}

func TestOnceReminderExhaustsAndIsDeleted(t *testing.T) {
	h := newHarness(t, "2026-02-13 08:00")
	r := h.create(t, 1, "renew passport", "09:00", models.RuleOnce, false)

	h.tickAt(t, "2026-02-13 09:00")
	h.tickAt(t, "2026-02-13 09:10")
	h.tickAt(t, "2026-02-13 09:20")
	require.Equal(t, 3, h.sink.count())
	assert.Nil(t, h.get(t, r.ReminderID).NextSend)

	h.tickAt(t, "2026-02-13 09:30")
	require.Equal(t, 4, h.sink.count())
	notice := h.sink.last()
	assert.Contains(t, notice.Text, "removed automatically")
	assert.Empty(t, notice.Actions)
	assert.True(t, h.events.has(events.OccurrenceExhausted))

	_, err := h.store.GetReminder(context.Background(), r.ReminderID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	for _, s := range []string{"2026-02-13 09:40", "2026-02-13 10:00", "2026-02-14 09:00"} {
		h.tickAt(t, s)
	}
	assert.Equal(t, 4, h.sink.count())
}

func TestExhaustionRemovesCompletions(t *testing.T) {
	h := newHarness(t, "2026-02-13 08:00")
	ctx := context.Background()
	r := h.create(t, 1, "meditate", "07:00", models.RuleDaily, true)

	_, err := h.svc.CompleteHabit(ctx, 1, r.ReminderID)
	require.NoError(t, err)

	r = h.get(t, r.ReminderID)
	attempt := at("2026-02-13 08:00")
	require.NoError(t, h.store.SaveDelivery(ctx, r.ReminderID, r.Version, models.DeliveryState{
		NextSend: r.NextSend, RetryCount: policy.MaxRetries, LastAttemptAt: &attempt,
	}))

	h.tickAt(t, "2026-02-13 08:10")
	_, err = h.store.GetReminder(ctx, r.ReminderID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	dates, err := h.store.CompletionDates(ctx, 1, r.ReminderID, at("2026-02-01 00:00"), at("2026-02-28 00:00"))
	require.NoError(t, err)
	assert.Empty(t, dates)
	assert.Equal(t, 1, h.sink.count())
}

func TestHabitDeliveryDoesNotArmRetry(t *testing.T) {
	h := newHarness(t, "2026-02-13 06:00")
	r := h.create(t, 1, "drink water", "07:00", models.RuleDaily, true)

	h.tickAt(t, "2026-02-13 07:00")
	require.Equal(t, 1, h.sink.count())
	assert.Equal(t,
		[]delivery.Action{delivery.ActionComplete, delivery.ActionPostpone, delivery.ActionStats},
		h.sink.last().Actions)

	got := h.get(t, r.ReminderID)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.LastAttemptAt)

	h.tickAt(t, "2026-02-13 07:10")
	h.tickAt(t, "2026-02-13 07:30")
	assert.Equal(t, 1, h.sink.count())
}

func TestTransientFailureUsesRetryBudget(t *testing.T) {
	h := newHarness(t, "2026-02-13 08:00")
	r := h.create(t, 1, "standup", "09:00", models.RuleWeekdays, true)
	h.sink.fail[1] = errors.New("connection reset")

	h.tickAt(t, "2026-02-13 09:00")
	assert.Zero(t, h.sink.count())
	got := h.get(t, r.ReminderID)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.NextSend.Equal(at("2026-02-16 09:00")))
	assert.True(t, h.events.has(events.DeliveryFailed))

	delete(h.sink.fail, 1)
	h.tickAt(t, "2026-02-13 09:10")
	require.Equal(t, 1, h.sink.count())
	got = h.get(t, r.ReminderID)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.LastAttemptAt)
}

func TestPermanentFailureDeletesItem(t *testing.T) {
	h := newHarness(t, "2026-02-13 08:00")
	ctx := context.Background()
	blocked := h.create(t, 1, "blocked", "09:00", models.RuleDaily, false)
	fine := h.create(t, 2, "fine", "09:00", models.RuleDaily, false)
	h.sink.fail[1] = delivery.Permanent(errors.New("Forbidden: bot was blocked by the user"))

	h.tickAt(t, "2026-02-13 09:00")

	_, err := h.store.GetReminder(ctx, blocked.ReminderID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, 1, h.get(t, fine.ReminderID).RetryCount)
	require.Equal(t, 1, h.sink.count())
	assert.Equal(t, int64(2), h.sink.last().UserID)
	assert.True(t, h.events.has(events.ReminderRemoved))
}

func TestSkipUnauthorizedDay(t *testing.T) {
	h := newHarness(t, "2026-02-13 08:00")
	ctx := context.Background()
	r := h.create(t, 1, "commute", "09:00", models.RuleWeekdays, false)

	// Force a stored next send on a Saturday.
	sat := at("2026-02-14 09:00")
	require.NoError(t, h.store.SaveDelivery(ctx, r.ReminderID, r.Version, models.DeliveryState{NextSend: &sat}))

	h.tickAt(t, "2026-02-14 09:00")
	assert.Zero(t, h.sink.count())
	got := h.get(t, r.ReminderID)
	assert.True(t, got.NextSend.Equal(at("2026-02-16 09:00")))
	assert.Zero(t, got.RetryCount)
	assert.True(t, h.events.has(events.OccurrenceSkipped))
}

func TestStalledSchedulerSendsOnce(t *testing.T) {
	h := newHarness(t, "2026-02-13 08:00")
	r := h.create(t, 1, "journal", "09:00", models.RuleDaily, true)

	// Nothing ran for several days.
	h.tickAt(t, "2026-02-16 15:00")
	assert.Equal(t, 1, h.sink.count())
	assert.True(t, h.get(t, r.ReminderID).NextSend.Equal(at("2026-02-17 09:00")))

	h.tickAt(t, "2026-02-16 15:00")
	assert.Equal(t, 1, h.sink.count())
}

func TestStoreFailureDoesNotBlockBatch(t *testing.T) {
	h := newHarness(t, "2026-02-13 08:00")
	broken := h.create(t, 1, "broken", "09:00", models.RuleDaily, false)
	ok := h.create(t, 2, "ok", "09:00", models.RuleDaily, false)

	h.store = &failingStore{Store: h.store, failID: broken.ReminderID}
	h.build()

	h.tickAt(t, "2026-02-13 09:00")
	assert.Equal(t, 2, h.sink.count())
	assert.Equal(t, 1, h.get(t, ok.ReminderID).RetryCount)

	// State of the broken item was not advanced, so it is retried next tick.
	got := h.get(t, broken.ReminderID)
	assert.Zero(t, got.RetryCount)
	assert.True(t, got.NextSend.Equal(at("2026-02-13 09:00")))
}

func TestPostponedDeliveryResumesRule(t *testing.T) {
	h := newHarness(t, "2026-02-13 08:00")
	ctx := context.Background()
	r := h.create(t, 1, "call bank", "09:00", models.RuleDaily, false)

	h.tickAt(t, "2026-02-13 09:00")
	h.now = at("2026-02-13 09:02")
	p, err := h.svc.Postpone(ctx, 1, r.ReminderID, service.Delay15Minutes)
	require.NoError(t, err)
	assert.True(t, p.NextSend.Equal(at("2026-02-13 09:17")))
	assert.Zero(t, p.RetryCount)

	h.tickAt(t, "2026-02-13 09:12")
	assert.Equal(t, 1, h.sink.count())

	h.tickAt(t, "2026-02-13 09:17")
	assert.Equal(t, 2, h.sink.count())
	got := h.get(t, r.ReminderID)
	assert.False(t, got.Postponed)
	assert.True(t, got.NextSend.Equal(at("2026-02-14 09:00")))
}

func TestBiweeklyPostponedByADayKeepsItsPhase(t *testing.T) {
	h := newHarness(t, "2026-02-09 08:00")
	ctx := context.Background()
	r := h.create(t, 1, "pay rent", "09:00", models.RuleBiweekly, false)

	h.tickAt(t, "2026-02-09 09:00")
	require.Equal(t, 1, h.sink.count())
	_, err := h.svc.Acknowledge(ctx, 1, r.ReminderID)
	require.NoError(t, err)
	assert.True(t, h.get(t, r.ReminderID).NextSend.Equal(at("2026-02-23 09:00")))

	h.now = at("2026-02-23 08:00")
	_, err = h.svc.Postpone(ctx, 1, r.ReminderID, service.DelayTomorrow)
	require.NoError(t, err)

	h.tickAt(t, "2026-02-23 09:00")
	assert.Equal(t, 1, h.sink.count())

	h.tickAt(t, "2026-02-24 08:00")
	require.Equal(t, 2, h.sink.count())
	_, err = h.svc.Acknowledge(ctx, 1, r.ReminderID)
	require.NoError(t, err)
	assert.True(t, h.get(t, r.ReminderID).NextSend.Equal(at("2026-03-09 09:00")))

	h.tickAt(t, "2026-03-09 09:00")
	assert.Equal(t, 3, h.sink.count())
	_, err = h.svc.Acknowledge(ctx, 1, r.ReminderID)
	require.NoError(t, err)

	h.tickAt(t, "2026-03-23 09:00")
	assert.Equal(t, 4, h.sink.count())
}

func TestBiweeklyStallAcrossDayResumesOnPhase(t *testing.T) {
	h := newHarness(t, "2026-02-09 08:00")
	ctx := context.Background()
	r := h.create(t, 1, "pay rent", "09:00", models.RuleBiweekly, false)

	h.tickAt(t, "2026-02-09 09:00")
	_, err := h.svc.Acknowledge(ctx, 1, r.ReminderID)
	require.NoError(t, err)

	// Down from before 02-23 09:00 until the next morning.
	h.tickAt(t, "2026-02-24 10:00")
	assert.Equal(t, 1, h.sink.count())
	assert.True(t, h.events.has(events.OccurrenceSkipped))
	assert.True(t, h.get(t, r.ReminderID).NextSend.Equal(at("2026-03-09 09:00")))

	h.tickAt(t, "2026-03-09 09:00")
	assert.Equal(t, 2, h.sink.count())
	_, err = h.svc.Acknowledge(ctx, 1, r.ReminderID)
	require.NoError(t, err)

	h.tickAt(t, "2026-03-23 09:00")
	assert.Equal(t, 3, h.sink.count())
}

func TestNotifyIsNonBlocking(t *testing.T) {
	h := newHarness(t, "2026-02-13 08:00")
	h.sched.Notify()
	h.sched.Notify()
	assert.Len(t, h.sched.notifyCh, 1)
}

func TestStartStopsOnCancel(t *testing.T) {
	h := newHarness(t, "2026-02-13 08:00")
	h.create(t, 1, "tea", "08:00", models.RuleDaily, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sched.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
