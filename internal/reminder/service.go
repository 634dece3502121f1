// Package reminder is the public surface of the reminder engine. It owns the
// lifecycle glue between the durable store, the trigger engine, and the
// delivery dispatcher: create/list/cancel operations, the fire callback, and
// the rehydrate/reconcile/prune background loops.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"remindbot/internal/dispatch"
	"remindbot/internal/eventbus"
	"remindbot/internal/recurrence"
	"remindbot/internal/store"
	"remindbot/internal/trigger"
	logx "remindbot/pkg/logx"
)

var ErrEmptyText = errors.New("reminder: text must not be empty")

const opTimeout = 5 * time.Second

type Config struct {
	ReconcileEvery time.Duration // re-arm sweep; default 5m
	PruneEvery     time.Duration // inactive row cleanup; default 1h
	PruneAfter     time.Duration // how long fired one-offs are kept; default 7d
}

func (c *Config) normalize() {
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = 5 * time.Minute
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = time.Hour
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = 7 * 24 * time.Hour
	}
}

// Service coordinates reminders end to end. The store stays the source of
// truth; timers are derived state that Start rebuilds and the reconcile loop
// repairs.
type Service struct {
	log logx.Logger
	st  store.Store
	eng *trigger.Engine
	dis *dispatch.Service
	bus eventbus.Bus
	cfg Config

	now func() time.Time

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	loopWG  sync.WaitGroup
}

func New(cfg Config, st store.Store, eng *trigger.Engine, dis *dispatch.Service, log logx.Logger, bus eventbus.Bus) *Service {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log,
		st:  st,
		eng: eng,
		dis: dis,
		bus: bus,
		cfg: cfg,
		now: time.Now,
	}
}

// Start rehydrates timers from the store and launches the background loops.
// It must be called after the trigger engine has started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	n, err := s.rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("reminder: rehydrate: %w", err)
	}
	s.log.Info("reminders rehydrated", logx.Int("count", n))

	s.loopWG.Add(2)
	go s.reconcileLoop()
	go s.pruneLoop()
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// CreateOneOff persists a single-shot reminder and arms its timer.
func (s *Service) CreateOneOff(ctx context.Context, owner int64, text string, at time.Time) (store.Reminder, error) {
	if text == "" {
		return store.Reminder{}, ErrEmptyText
	}
	sched := store.OneOff(at)
	if err := sched.Validate(); err != nil {
		return store.Reminder{}, err
	}
	return s.create(ctx, owner, text, sched, at)
}

// CreateRecurring persists a weekly reminder (weekday: Monday=0 .. Sunday=6)
// and arms a timer for its next occurrence.
func (s *Service) CreateRecurring(ctx context.Context, owner int64, text string, weekday, hour, minute int) (store.Reminder, error) {
	if text == "" {
		return store.Reminder{}, ErrEmptyText
	}
	rule := recurrence.Rule{Weekday: weekday, Hour: hour, Minute: minute}
	if err := rule.Validate(); err != nil {
		return store.Reminder{}, err
	}
	next, err := rule.Next(s.now())
	if err != nil {
		return store.Reminder{}, err
	}
	return s.create(ctx, owner, text, store.Recurring(rule), next)
}

func (s *Service) create(ctx context.Context, owner int64, text string, sched store.Schedule, at time.Time) (store.Reminder, error) {
	id, err := s.st.Create(ctx, owner, text, sched)
	if err != nil {
		return store.Reminder{}, err
	}
	if err := s.eng.Schedule(id, at, s.onFire); err != nil {
		// Persisted but unarmed would be a silent no-show; undo the row.
		if cErr := s.st.Cancel(ctx, id); cErr != nil {
			s.log.Error("rollback of unarmed reminder failed", logx.Int64("id", id), logx.Err(cErr))
		}
		return store.Reminder{}, fmt.Errorf("reminder: arm timer: %w", err)
	}

	r, err := s.st.Get(ctx, id)
	if err != nil {
		return store.Reminder{}, err
	}
	s.log.Info("reminder created",
		logx.Int64("id", id),
		logx.Int64("owner", owner),
		logx.Bool("recurring", sched.Recurring()),
		logx.Time("fire_at", at))
	s.publish(eventbus.ReminderCreated, eventbus.ReminderEvent{ID: id, Owner: owner, FireAt: at})
	return r, nil
}

// List returns the owner's active reminders in creation order.
func (s *Service) List(ctx context.Context, owner int64) ([]store.Reminder, error) {
	return s.st.ListActive(ctx, owner)
}

// Cancel removes a reminder. It races fairly with a concurrent fire: the
// timer claim decides the winner, and a lost claim on an already-fired
// one-off reports store.ErrNotFound. Cancelling the same id twice also
// reports ErrNotFound.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	claimed := s.eng.Cancel(id)
	if !claimed {
		r, err := s.st.Get(ctx, id)
		if err != nil {
			return err
		}
		if !r.Active || !r.Schedule.Recurring() {
			// One-off whose fire won the claim: nothing left to cancel.
			return store.ErrNotFound
		}
		// Recurring reminder mid-fire. The in-flight occurrence delivers;
		// deleting the row stops every future one.
	}
	if err := s.st.Cancel(ctx, id); err != nil {
		return err
	}
	// Sweep a timer the fire callback may have re-armed concurrently.
	if !claimed {
		s.eng.Cancel(id)
	}
	s.log.Info("reminder cancelled", logx.Int64("id", id))
	s.publish(eventbus.ReminderCancelled, eventbus.ReminderEvent{ID: id})
	return nil
}

// onFire runs inside the trigger loop after the engine has claimed the
// timer. It must stay quick: delivery goes through the async dispatcher, and
// the only blocking work is two single-statement store calls.
func (s *Service) onFire(id int64, due time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	r, err := s.st.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.log.Debug("fired timer for removed reminder", logx.Int64("id", id))
		} else {
			s.log.Error("load reminder on fire", logx.Int64("id", id), logx.Err(err))
		}
		return
	}
	if !r.Active {
		return
	}

	s.publish(eventbus.ReminderFired, eventbus.ReminderEvent{ID: id, Owner: r.Owner, FireAt: due})
	if err := s.dis.Enqueue(dispatch.Delivery{ReminderID: id, Owner: r.Owner, Text: r.Text}); err != nil {
		s.log.Warn("delivery not enqueued", logx.Int64("id", id), logx.Err(err))
	}

	if !r.Schedule.Recurring() {
		if err := s.st.MarkFired(ctx, id, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Error("deactivate fired reminder", logx.Int64("id", id), logx.Err(err))
		}
		return
	}

	// Recurring: record the firing and re-arm before returning, so the next
	// occurrence exists the moment this one is handed off.
	sched := r.Schedule
	if err := s.st.MarkFired(ctx, id, &sched); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Cancelled between the claim and now; do not re-arm.
			return
		}
		s.log.Error("record recurring fire", logx.Int64("id", id), logx.Err(err))
		// Fall through: losing the timer is worse than a stale last_fired_at.
	}
	next, err := sched.Rule.Next(s.now())
	if err != nil {
		// Rules are validated at create and on load; an invalid one here
		// means the row is corrupt and cannot be re-armed.
		s.log.Error("compute next occurrence", logx.Int64("id", id), logx.Err(err))
		return
	}
	if err := s.eng.Schedule(id, next, s.onFire); err != nil {
		s.log.Warn("re-arm recurring reminder", logx.Int64("id", id), logx.Err(err))
	}
}

// rehydrate rebuilds timers for every active reminder. Overdue one-offs get
// a timer in the past, which the engine fires immediately.
func (s *Service) rehydrate(ctx context.Context) (int, error) {
	rows, err := s.st.ListAllActive(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, r := range rows {
		at, err := nextFireTime(r, now)
		if err != nil {
			return n, fmt.Errorf("arm id %d: %w", r.ID, err)
		}
		if err := s.eng.Schedule(r.ID, at, s.onFire); err != nil {
			return n, fmt.Errorf("arm id %d: %w", r.ID, err)
		}
		n++
	}
	return n, nil
}

func nextFireTime(r store.Reminder, now time.Time) (time.Time, error) {
	if r.Schedule.Recurring() {
		return r.Schedule.Rule.Next(now)
	}
	return *r.Schedule.FireAt, nil
}

// reconcileLoop periodically re-arms active reminders whose timer went
// missing. Schedule is an upsert keyed by id, so sweeping an already-armed
// reminder is harmless.
func (s *Service) reconcileLoop() {
	defer s.loopWG.Done()
	defer s.recoverLoop("reconcile")

	t := time.NewTicker(s.cfg.ReconcileEvery)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.reconcile()
		}
	}
}

func (s *Service) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := s.st.ListAllActive(ctx)
	if err != nil {
		s.log.Warn("reconcile list failed", logx.Err(err))
		return
	}
	now := s.now()
	repaired := 0
	for _, r := range rows {
		if s.eng.Pending(r.ID) {
			continue
		}
		at, err := nextFireTime(r, now)
		if err != nil {
			s.log.Warn("reconcile skipped unschedulable row", logx.Int64("id", r.ID), logx.Err(err))
			continue
		}
		if err := s.eng.Schedule(r.ID, at, s.onFire); err != nil {
			s.log.Warn("reconcile re-arm failed", logx.Int64("id", r.ID), logx.Err(err))
			continue
		}
		repaired++
	}
	if repaired > 0 {
		s.log.Info("reconcile re-armed reminders", logx.Int("count", repaired))
	}
}

func (s *Service) pruneLoop() {
	defer s.loopWG.Done()
	defer s.recoverLoop("prune")

	t := time.NewTicker(s.cfg.PruneEvery)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			n, err := s.st.PruneInactive(ctx, s.now().Add(-s.cfg.PruneAfter))
			cancel()
			if err != nil {
				s.log.Warn("prune failed", logx.Err(err))
				continue
			}
			if n > 0 {
				s.log.Info("pruned fired reminders", logx.Int64("count", n))
			}
		}
	}
}

func (s *Service) recoverLoop(name string) {
	if r := recover(); r != nil {
		s.log.Error("panic in reminder loop",
			logx.String("loop", name),
			logx.Any("panic", r),
			logx.String("stack", string(debug.Stack())))
	}
}

func (s *Service) publish(typ string, ev eventbus.ReminderEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
