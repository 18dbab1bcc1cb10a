package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/hray3182/loopmatic/internal/delivery"
	"github.com/hray3182/loopmatic/internal/events"
	"github.com/hray3182/loopmatic/internal/metrics"
	"github.com/hray3182/loopmatic/internal/models"
	"github.com/hray3182/loopmatic/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Policy          delivery.Policy
	PollInterval    time.Duration
	DeliveryTimeout time.Duration
	Workers         int
	Location        *time.Location
	Now             func() time.Time
	Emitter         events.Emitter
	// StartDelay is waited once before the first tick.
	StartDelay time.Duration
}

type Scheduler struct {
	store         repository.Store
	sink          delivery.Sink
	logger        *zap.Logger
	policy        delivery.Policy
	emitter       events.Emitter
	checkInterval time.Duration
	timeout       time.Duration
	workers       int
	loc           *time.Location
	now           func() time.Time
	startDelay    time.Duration
	notifyCh      chan struct{}
}

func New(store repository.Store, sink delivery.Sink, logger *zap.Logger, opts Options) *Scheduler {
	s := &Scheduler{
		store:         store,
		sink:          sink,
		logger:        logger,
		policy:        opts.Policy,
		emitter:       opts.Emitter,
		checkInterval: opts.PollInterval,
		timeout:       opts.DeliveryTimeout,
		workers:       opts.Workers,
		loc:           opts.Location,
		now:           opts.Now,
		startDelay:    opts.StartDelay,
		notifyCh:      make(chan struct{}, 1),
	}
	if s.checkInterval <= 0 {
		s.checkInterval = 10 * time.Second
	}
	if s.timeout <= 0 {
		s.timeout = 15 * time.Second
	}
	if s.workers <= 0 {
		s.workers = 1
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.emitter == nil {
		s.emitter = events.Nop{}
	}
	return s
}

// Notify triggers an immediate check. Non-blocking if a check is already pending.
func (s *Scheduler) Notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Start runs ticks until ctx is cancelled. Missed ticks are not replayed;
// each tick handles whatever is due at that moment.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.checkInterval),
		zap.Duration("retry_interval", s.policy.RetryInterval),
		zap.Int("max_retries", s.policy.MaxRetries),
	)
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	if s.startDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.startDelay):
		}
	}

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.notifyCh:
			s.logger.Debug("scheduler triggered by notification")
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single tick. Items are processed independently: a
// failure on one is logged and does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	started := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	now := s.now().In(s.loc)
	items, err := s.store.ListDue(ctx, now, s.policy.RetryBefore(now))
	if err != nil {
		s.logger.Error("failed to list due reminders", zap.Error(err))
		return
	}
	metrics.DueItems.Set(float64(len(items)))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, r := range items {
		g.Go(func() error {
			s.process(ctx, r, now)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) process(ctx context.Context, r *models.Reminder, now time.Time) {
	log := s.logger.With(zap.Int64("reminder_id", r.ReminderID), zap.Int64("user_id", r.UserID))

	decision := s.policy.Decide(r, now)
	switch decision {
	case delivery.Wait:
		return
	case delivery.Exhaust:
		s.exhaust(ctx, r, now, log)
		return
	case delivery.Skip:
		st, err := s.policy.Advance(r, decision, delivery.Delivered, now)
		if err != nil {
			log.Error("failed to advance skipped occurrence", zap.Error(err))
			return
		}
		if s.save(ctx, r, st, log) {
			s.emitter.Emit(ctx, events.New(events.OccurrenceSkipped, now, r.UserID, r.ReminderID, map[string]any{
				"rule": string(r.Rule),
			}))
		}
		return
	}

	err := s.deliver(ctx, render(r, decision, s.policy))
	if delivery.IsPermanent(err) {
		s.remove(ctx, r, now, err, log)
		return
	}

	outcome := delivery.Delivered
	if err != nil {
		outcome = delivery.Failed
		log.Warn("delivery failed", zap.String("decision", decision.String()), zap.Error(err))
		s.emitter.Emit(ctx, events.New(events.DeliveryFailed, now, r.UserID, r.ReminderID, map[string]any{
			"attempt": r.RetryCount + 1,
			"error":   err.Error(),
		}))
	} else {
		s.emitter.Emit(ctx, events.New(events.DeliveryAttempted, now, r.UserID, r.ReminderID, map[string]any{
			"attempt": r.RetryCount + 1,
			"retry":   decision == delivery.Retry,
		}))
	}

	st, err := s.policy.Advance(r, decision, outcome, now)
	if err != nil {
		log.Error("failed to advance occurrence", zap.Error(err))
		return
	}
	s.save(ctx, r, st, log)
}

// deliver bounds a sink call by the delivery timeout.
func (s *Scheduler) deliver(ctx context.Context, n delivery.Notification) error {
	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	err := s.sink.Deliver(dctx, n)
	outcome := "ok"
	switch {
	case delivery.IsPermanent(err):
		outcome = "permanent"
	case err != nil:
		outcome = "transient"
	}
	metrics.DeliveryDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	return err
}

func (s *Scheduler) save(ctx context.Context, r *models.Reminder, st models.DeliveryState, log *zap.Logger) bool {
	err := s.store.SaveDelivery(ctx, r.ReminderID, r.Version, st)
	switch {
	case err == nil:
		return true
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrNotFound):
		log.Debug("reminder changed during tick, will re-evaluate", zap.Error(err))
	default:
		log.Error("failed to save delivery state", zap.Error(err))
	}
	return false
}

// exhaust deletes an item whose retry budget is spent and tells the owner.
func (s *Scheduler) exhaust(ctx context.Context, r *models.Reminder, now time.Time, log *zap.Logger) {
	err := s.store.DeleteReminderVersion(ctx, r.ReminderID, r.Version)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrNotFound):
		log.Debug("reminder changed before exhaustion", zap.Error(err))
		return
	default:
		log.Error("failed to delete exhausted reminder", zap.Error(err))
		return
	}

	s.emitter.Emit(ctx, events.New(events.OccurrenceExhausted, now, r.UserID, r.ReminderID, map[string]any{
		"retries": r.RetryCount,
	}))
	if err := s.deliver(ctx, exhaustedNotice(r)); err != nil {
		log.Debug("failed to send exhaustion notice", zap.Error(err))
	}
}

// remove drops an item whose recipient is unreachable, with its history.
func (s *Scheduler) remove(ctx context.Context, r *models.Reminder, now time.Time, cause error, log *zap.Logger) {
	log.Warn("recipient unreachable, removing reminder", zap.Error(cause))
	if err := s.store.DeleteReminder(ctx, r.UserID, r.ReminderID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.Error("failed to remove reminder", zap.Error(err))
		return
	}
	s.emitter.Emit(ctx, events.New(events.ReminderRemoved, now, r.UserID, r.ReminderID, map[string]any{
		"reason": cause.Error(),
	}))
}
