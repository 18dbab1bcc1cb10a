package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hray3182/loopmatic/internal/events"
	"github.com/hray3182/loopmatic/internal/models"
	"github.com/hray3182/loopmatic/internal/recurrence"
	"github.com/hray3182/loopmatic/internal/repository"
	"github.com/hray3182/loopmatic/internal/streak"
	"go.uber.org/zap"
)

// Delay is a postponement of whole minutes or whole days. Exactly one of
// the two must be positive.
type Delay struct {
	Minutes int
	Days    int
}

var (
	Delay15Minutes = Delay{Minutes: 15}
	DelayHour      = Delay{Minutes: 60}
	DelayTomorrow  = Delay{Days: 1}
)

func (d Delay) from(now time.Time) (time.Time, error) {
	switch {
	case d.Minutes > 0 && d.Days == 0:
		return now.Add(time.Duration(d.Minutes) * time.Minute), nil
	case d.Days > 0 && d.Minutes == 0:
		return now.AddDate(0, 0, d.Days), nil
	}
	return time.Time{}, fmt.Errorf("%w: %d minutes, %d days", models.ErrInvalidPostpone, d.Minutes, d.Days)
}

type CreateInput struct {
	UserID  int64
	Text    string
	Time    string
	Rule    string
	IsHabit bool
}

type Completion struct {
	Accepted bool `json:"accepted"`
	Streak   int  `json:"streak"`
}

type Options struct {
	Location  *time.Location
	StatsDays int
	Now       func() time.Time
	Emitter   events.Emitter
	// Wake is called after a change that may make an item due sooner.
	Wake func()
}

// ReminderService is the mutation and query surface shared by the chat
// and HTTP adapters.
type ReminderService struct {
	store     repository.Store
	logger    *zap.Logger
	emitter   events.Emitter
	loc       *time.Location
	statsDays int
	now       func() time.Time
	wake      func()
}

func NewReminderService(store repository.Store, logger *zap.Logger, opts Options) *ReminderService {
	s := &ReminderService{
		store:     store,
		logger:    logger,
		emitter:   opts.Emitter,
		loc:       opts.Location,
		statsDays: opts.StatsDays,
		now:       opts.Now,
		wake:      opts.Wake,
	}
	if s.emitter == nil {
		s.emitter = events.Nop{}
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.statsDays <= 0 {
		s.statsDays = 7
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.wake == nil {
		s.wake = func() {}
	}
	return s
}

func (s *ReminderService) clock() time.Time {
	return s.now().In(s.loc)
}

// StatsDays is the length of the stats window.
func (s *ReminderService) StatsDays() int {
	return s.statsDays
}

func (s *ReminderService) TouchUser(ctx context.Context, userID int64, username string) (*models.User, error) {
	return s.store.UpsertUser(ctx, userID, username)
}

func (s *ReminderService) User(ctx context.Context, userID int64) (*models.User, error) {
	return s.store.GetUser(ctx, userID)
}

// Create validates the input and stores a new item whose first send is the
// next authorized instant at its time of day.
func (s *ReminderService) Create(ctx context.Context, in CreateInput) (*models.Reminder, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, models.ErrEmptyText
	}
	clock, err := models.ParseClock(strings.TrimSpace(in.Time))
	if err != nil {
		return nil, err
	}
	rule, err := models.ParseRule(in.Rule)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	first, err := recurrence.FirstSend(now, clock, rule)
	if err != nil {
		return nil, err
	}

	r := &models.Reminder{
		UserID:     in.UserID,
		Text:       text,
		TimeOfDay:  clock,
		Rule:       rule,
		IsHabit:    in.IsHabit,
		AnchorDate: recurrence.StartOfDay(first),
		NextSend:   &first,
	}
	if err := s.store.CreateReminder(ctx, r); err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.ReminderCreated, now, r.UserID, r.ReminderID, map[string]any{
		"rule":      string(rule),
		"time":      clock.String(),
		"habit":     r.IsHabit,
		"next_send": first,
	}))
	s.wake()
	return r, nil
}

func (s *ReminderService) Get(ctx context.Context, userID, id int64) (*models.Reminder, error) {
	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return r, nil
}

// List returns the user's items after dropping one-shot items that were
// consumed before today.
func (s *ReminderService) List(ctx context.Context, userID int64, habitsOnly bool) ([]*models.Reminder, error) {
	today := recurrence.StartOfDay(s.clock())
	if n, err := s.store.SweepClosed(ctx, userID, today); err != nil {
		s.logger.Warn("failed to sweep closed reminders", zap.Int64("user_id", userID), zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("swept closed reminders", zap.Int64("user_id", userID), zap.Int64("count", n))
	}
	return s.store.ListReminders(ctx, userID, habitsOnly)
}

func (s *ReminderService) Delete(ctx context.Context, userID, id int64) error {
	if err := s.store.DeleteReminder(ctx, userID, id); err != nil {
		return err
	}
	s.logger.Info("reminder deleted", zap.Int64("user_id", userID), zap.Int64("reminder_id", id))
	return nil
}

// Acknowledge cancels pending retries of the current occurrence. A one-shot
// item is finished by it and deleted.
func (s *ReminderService) Acknowledge(ctx context.Context, userID, id int64) (*models.Reminder, error) {
	r, err := s.store.Acknowledge(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	s.emitter.Emit(ctx, events.New(events.ReminderAcknowledged, s.clock(), userID, id, nil))
	return r, nil
}

// Postpone moves the next send to now plus d, outside the recurrence rule.
func (s *ReminderService) Postpone(ctx context.Context, userID, id int64, d Delay) (*models.Reminder, error) {
	now := s.clock()
	until, err := d.from(now)
	if err != nil {
		return nil, err
	}
	r, err := s.store.Postpone(ctx, userID, id, until)
	if err != nil {
		return nil, err
	}
	s.emitter.Emit(ctx, events.New(events.ReminderPostponed, now, userID, id, map[string]any{
		"until": until,
	}))
	s.wake()
	return r, nil
}

// CompleteHabit records today's completion. A second completion on the
// same day is not accepted and leaves the streak as it was.
func (s *ReminderService) CompleteHabit(ctx context.Context, userID, id int64) (Completion, error) {
	now := s.clock()
	accepted, n, err := s.store.RecordCompletion(ctx, userID, id, now)
	if err != nil {
		return Completion{}, err
	}
	if !accepted {
		s.emitter.Emit(ctx, events.New(events.CompletionDuplicate, now, userID, id, map[string]any{
			"streak": n,
		}))
		return Completion{Accepted: false, Streak: n}, nil
	}

	s.emitter.Emit(ctx, events.New(events.StreakUpdated, now, userID, id, map[string]any{
		"streak": n,
	}))
	return Completion{Accepted: true, Streak: n}, nil
}

// HabitStats summarizes a habit over the stats window ending today.
func (s *ReminderService) HabitStats(ctx context.Context, userID, id int64) (*models.HabitStats, error) {
	r, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !r.IsHabit {
		return nil, models.ErrNotHabit
	}

	w := streak.NewWindow(s.clock(), s.statsDays)
	dates, err := s.store.CompletionDates(ctx, userID, id, w.From, w.To)
	if err != nil {
		return nil, err
	}
	return &models.HabitStats{
		ReminderID: r.ReminderID,
		Text:       r.Text,
		Streak:     r.HabitStreak,
		Period:     w.Label(),
		Days:       w.Days,
		Completed:  w.Count(dates),
		Dates:      dates,
	}, nil
}

func (s *ReminderService) Overview(ctx context.Context, userID int64) (*models.UserOverview, error) {
	w := streak.NewWindow(s.clock(), s.statsDays)
	o, err := s.store.UserOverview(ctx, userID, w.To, w.From)
	if err != nil {
		return nil, err
	}
	for i := range o.HabitBreakdown {
		o.HabitBreakdown[i].Period = w.Label()
		o.HabitBreakdown[i].Days = w.Days
	}
	return o, nil
}

func (s *ReminderService) BotStats(ctx context.Context) (*models.BotStats, error) {
	return s.store.BotStats(ctx, s.clock())
}

// Recipients lists every known user, for broadcasts.
func (s *ReminderService) Recipients(ctx context.Context) ([]int64, error) {
	return s.store.ListUserIDs(ctx)
}
