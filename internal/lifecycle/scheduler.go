// Package lifecycle drives events through their time-based transitions and
// fires the associated reminders. A poll loop reconciles the active event set
// on every pass; future transitions get a one-shot timer so they land on time
// instead of up to one poll interval late.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"muster/internal/event"
	"muster/internal/reminder"
	"muster/internal/telemetry"
	"muster/internal/transport"
	"muster/pkg/logx"
)

// Config holds the tunables that may change at runtime via Apply.
type Config struct {
	PollInterval time.Duration
	Grace        time.Duration
	Location     *time.Location
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 15 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

type actionKey struct {
	EntityID int64
	Kind     event.TransitionKind
}

type deferredAction struct {
	timer *time.Timer
	due   time.Time
}

type Option func(*Scheduler)

// WithClock overrides the scheduler's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.nowFunc = now
		}
	}
}

type Scheduler struct {
	repo    event.Repository
	disp    *reminder.Dispatcher
	log     logx.Logger
	nowFunc func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	// mu guards the deferred-action table; per-entity serialization is the
	// lock registry's job.
	mu      sync.Mutex
	actions map[actionKey]*deferredAction

	locks lockRegistry

	runCtx context.Context
}

func New(repo event.Repository, disp *reminder.Dispatcher, cfg Config, log logx.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:    repo,
		disp:    disp,
		log:     log,
		nowFunc: time.Now,
		cfg:     cfg.normalized(),
		actions: map[actionKey]*deferredAction{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the runtime tunables. Takes effect from the next pass; already
// scheduled one-shot timers keep their original due time.
func (s *Scheduler) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg.normalized()
	s.cfgMu.Unlock()
}

func (s *Scheduler) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Run is the supervised poll loop. It reconciles immediately, then once per
// interval until ctx is cancelled. Pass failures are logged and counted,
// never returned: one bad pass must not take the task down.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer s.cancelAll()

	for {
		s.reconcile(ctx)
		timer := time.NewTimer(s.config().PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context) {
	pass := uuid.NewString()[:8]
	events, err := s.repo.ListActive(ctx)
	if err != nil {
		telemetry.PollFailures.Inc()
		if !s.log.IsZero() {
			s.log.Warn("reconcile pass aborted", logx.String("pass", pass), logx.Err(err))
		}
		return
	}

	alive := make(map[int64]bool, len(events))
	for _, ev := range events {
		alive[ev.ID] = true
	}
	s.pruneVanished(alive)

	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		s.processEntity(ctx, ev.ID, pass)
	}

	telemetry.PollPasses.Inc()
	if !s.log.IsZero() {
		s.log.Debug("reconcile pass done",
			logx.String("pass", pass),
			logx.Int("events", len(events)))
	}
}

// pruneVanished drops deferred timers for entities no longer in the active
// set, e.g. cancelled between passes.
func (s *Scheduler) pruneVanished(alive map[int64]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, act := range s.actions {
		if alive[key.EntityID] {
			continue
		}
		act.timer.Stop()
		delete(s.actions, key)
		telemetry.DeferredActions.Dec()
	}
}

// processEntity runs one event's critical section: refetch, transition if
// due, schedule near-future transitions, dispatch live reminder windows. The
// per-entity lock serializes it against deferred timer fires for the same
// event.
func (s *Scheduler) processEntity(ctx context.Context, id int64, pass string) {
	lock := s.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	ev, err := s.repo.Get(ctx, id)
	if err != nil {
		if !s.log.IsZero() {
			s.log.Warn("event refetch failed", logx.String("pass", pass), logx.Int64("event", id), logx.Err(err))
		}
		return
	}
	if !ev.Active() {
		s.cancelEntity(id)
		return
	}

	cfg := s.config()
	now := s.nowFunc()

	// Overdue transitions are applied synchronously on this pass (covers
	// downtime through the trigger instant); future ones get a one-shot timer.
	if ev.ClosesAt != nil && ev.Status == event.StatusPending {
		if !now.Before(*ev.ClosesAt) {
			s.performTransition(ctx, &ev, event.KindClose)
		} else {
			s.scheduleTransition(id, event.KindClose, *ev.ClosesAt, now)
		}
	}
	if !ev.Started {
		if !now.Before(ev.OccursAt) {
			s.performTransition(ctx, &ev, event.KindStart)
		} else {
			s.scheduleTransition(id, event.KindStart, ev.OccursAt, now)
		}
	}

	s.dispatchReminders(ctx, ev, now, cfg)
}

// performTransition applies a due transition. Transition is idempotent at the
// repository, so a lost race with another fire path is an ordinary false.
func (s *Scheduler) performTransition(ctx context.Context, ev *event.Event, kind event.TransitionKind) {
	done, err := s.repo.Transition(ctx, ev.ID, kind)
	if err != nil {
		if !s.log.IsZero() {
			s.log.Warn("transition failed",
				logx.Int64("event", ev.ID),
				logx.String("kind", string(kind)),
				logx.Err(err))
		}
		return
	}
	if !done {
		return
	}
	telemetry.Transitions.Inc()
	// Keep the local copy coherent for the rest of this critical section.
	switch kind {
	case event.KindClose:
		ev.Status = event.StatusLocked
	case event.KindStart:
		ev.Started = true
	}
	if !s.log.IsZero() {
		s.log.Info("event transitioned",
			logx.Int64("event", ev.ID),
			logx.String("kind", string(kind)))
	}
}

// scheduleTransition arms a one-shot timer for a future transition. At most
// one timer exists per (entity, kind); a second arm attempt is a no-op.
func (s *Scheduler) scheduleTransition(id int64, kind event.TransitionKind, due, now time.Time) {
	key := actionKey{EntityID: id, Kind: kind}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actions[key]; exists {
		return
	}
	d := due.Sub(now)
	if d < 0 {
		d = 0
	}
	s.actions[key] = &deferredAction{
		timer: time.AfterFunc(d, func() { s.fireDeferred(key) }),
		due:   due,
	}
	telemetry.DeferredActions.Inc()
	if !s.log.IsZero() {
		s.log.Debug("transition deferred",
			logx.Int64("event", id),
			logx.String("kind", string(kind)),
			logx.Time("due", due))
	}
}

func (s *Scheduler) fireDeferred(key actionKey) {
	s.mu.Lock()
	_, ok := s.actions[key]
	if ok {
		delete(s.actions, key)
		telemetry.DeferredActions.Dec()
	}
	s.mu.Unlock()
	if !ok {
		// Cancelled after the timer fired but before we ran.
		return
	}

	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	lock := s.locks.get(key.EntityID)
	lock.Lock()
	defer lock.Unlock()

	ev, err := s.repo.Get(ctx, key.EntityID)
	if err != nil {
		if !s.log.IsZero() {
			s.log.Warn("deferred refetch failed", logx.Int64("event", key.EntityID), logx.Err(err))
		}
		return
	}
	if !ev.Active() {
		return
	}
	s.performTransition(ctx, &ev, key.Kind)
}

func (s *Scheduler) cancelEntity(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, act := range s.actions {
		if key.EntityID != id {
			continue
		}
		act.timer.Stop()
		delete(s.actions, key)
		telemetry.DeferredActions.Dec()
	}
}

func (s *Scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, act := range s.actions {
		act.timer.Stop()
		delete(s.actions, key)
		telemetry.DeferredActions.Dec()
	}
}

// deferredCount is a test hook.
func (s *Scheduler) deferredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

// dispatchReminders fires every window that is live right now. The dispatcher
// owns dedupe, so calling into a window on consecutive passes is harmless;
// the time pre-check here just avoids loading state for windows that cannot
// fire.
func (s *Scheduler) dispatchReminders(ctx context.Context, ev event.Event, now time.Time, cfg Config) {
	var (
		recipients []int64
		fetched    bool
	)
	channel := transport.ChannelRef{ChatID: ev.ChatID, ThreadID: ev.ThreadID}

	for _, w := range eventWindows(ev, cfg.Location) {
		if now.Before(w.At) || now.Sub(w.At) > cfg.Grace {
			continue
		}

		if _, err := s.disp.DispatchChannel(ctx, ev.ID, w.Type, channel, channelText(ev, w), w.At, cfg.Grace); err != nil {
			if !s.log.IsZero() {
				s.log.Error("channel dispatch failed",
					logx.Int64("event", ev.ID),
					logx.String("type", w.Type),
					logx.Err(err))
			}
		}

		if !fetched {
			fetched = true
			var err error
			recipients, err = s.repo.Recipients(ctx, ev.ID)
			if err != nil {
				if !s.log.IsZero() {
					s.log.Warn("recipient fetch failed", logx.Int64("event", ev.ID), logx.Err(err))
				}
				recipients = nil
			}
		}
		if len(recipients) == 0 {
			continue
		}

		text := directText(ev, w)
		c, err := s.disp.DispatchDirect(ctx, ev.ID, w.Type, recipients, w.At, cfg.Grace, func(int64) string { return text })
		if err != nil {
			if !s.log.IsZero() {
				s.log.Error("direct dispatch failed",
					logx.Int64("event", ev.ID),
					logx.String("type", w.Type),
					logx.Err(err))
			}
			continue
		}
		if c.Attempted > 0 || c.Failed > 0 {
			if !s.log.IsZero() {
				s.log.Info("direct reminders dispatched",
					logx.Int64("event", ev.ID),
					logx.String("type", w.Type),
					logx.Int("attempted", c.Attempted),
					logx.Int("sent", c.Sent),
					logx.Int("opted_out", c.SkippedOptOut),
					logx.Int("deduped", c.SkippedDedupe),
					logx.Int("failed", c.Failed))
			}
		}
	}
}

func channelText(ev event.Event, w Window) string {
	switch w.Type {
	case TypeT24h:
		return fmt.Sprintf("⏰ %s starts in 24 hours.", ev.Title)
	case TypeT4h:
		return fmt.Sprintf("⏰ %s starts in 4 hours.", ev.Title)
	case TypeT1h:
		return fmt.Sprintf("⏰ %s starts in 1 hour.", ev.Title)
	case TypeStart:
		return fmt.Sprintf("🚀 %s is starting now!", ev.Title)
	case TypeCloseEve:
		return fmt.Sprintf("📋 Signups for %s close tomorrow.", ev.Title)
	case TypeCloseFinalDay:
		return fmt.Sprintf("📋 Last day to sign up for %s.", ev.Title)
	}
	return fmt.Sprintf("Reminder: %s", ev.Title)
}

func directText(ev event.Event, w Window) string {
	switch w.Type {
	case TypeStart:
		return fmt.Sprintf("🚀 %s is starting now. See you there!", ev.Title)
	case TypeCloseEve, TypeCloseFinalDay:
		return fmt.Sprintf("📋 Signups for %s are closing soon.", ev.Title)
	}
	return fmt.Sprintf("⏰ Heads up: %s at %s.", ev.Title, ev.OccursAt.Format("15:04 MST"))
}
