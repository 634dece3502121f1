// Package dispatch performs the actual notification attempts.
//
// Deliveries are queued and executed by a worker pool behind a token-bucket
// rate limit, so a slow or failing send never delays the trigger loop or
// other reminders. Each attempt is bounded by a timeout; transient failures
// retry with exponential backoff and jitter up to a configured cap. A
// delivery that exhausts its retries is reported as failed and logged; it is
// never allowed to touch scheduling state.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch: queue full")
	ErrStopped   = errors.New("dispatch: stopped")
)

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Delivery is one notification to perform.
type Delivery struct {
	ReminderID int64
	Owner      int64
	Text       string
}

// Service is the async delivery pipeline: queue + worker pool + rate limit +
// retry. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	gw  transport.Gateway
	bus eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Delivery
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, gw transport.Gateway, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{gw: gw, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		// already running
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Delivery, s.cfg.QueueSize)
	s.accepting = true
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker", logx.Int("worker", i), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.workerLoop()
		}()
	}
	s.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("queue_size", s.cfg.QueueSize))
}

// Stop blocks new deliveries and drains the queue best-effort until the ctx
// deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	done := s.stopDone
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	// Wait for in-flight enqueues, then close the queue so workers drain out.
	ch := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return
	case <-ch:
	}

	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	go func() {
		s.workerWG.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
	case <-done:
		if cancel != nil {
			cancel()
		}
	}

	s.mu.Lock()
	s.queue = nil
	s.stopDone = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()
	s.log.Info("dispatcher stopped")
}

// Enqueue submits a delivery. It is non-blocking: a full queue returns
// ErrQueueFull and drops the delivery.
func (s *Service) Enqueue(d Delivery) error {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- d:
		return nil
	default:
		s.log.Warn("dispatch queue full; dropping delivery", logx.Int64("reminder_id", d.ReminderID), logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

func (s *Service) workerLoop() {
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	// Select on the run context as well as the queue: when Stop gives up on
	// draining it cancels the context instead of closing the queue, and a
	// worker parked on a bare receive would never see that.
	for {
		select {
		case <-runCtx.Done():
			return
		case d, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(runCtx, d)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, d Delivery) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	gw := s.gw
	s.mu.Unlock()

	if gw == nil || d.Text == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		// Rate limit (honor cancellation).
		wctx := runCtx
		if wctx == nil {
			wctx = context.Background()
		}
		if lim != nil {
			if err := lim.Wait(wctx); err != nil {
				return
			}
		}

		// Bound the attempt so a hung gateway never wedges a worker.
		callCtx, cancel := context.WithTimeout(wctx, cfg.SendTimeout)
		err := gw.Send(callCtx, d.Owner, d.Text)
		cancel()
		if err == nil {
			s.log.Debug("delivery sent", logx.Int64("reminder_id", d.ReminderID), logx.Int("attempts", attempt))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.ReminderDelivered, Data: eventbus.ReminderEvent{ID: d.ReminderID, Owner: d.Owner, Attempts: attempt}})
			}
			return
		}
		lastErr = err
		s.log.Debug("delivery attempt failed", logx.Int64("reminder_id", d.ReminderID), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-wctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	// Retries exhausted: surface and move on. Scheduling state is untouched;
	// a recurring reminder keeps its next occurrence regardless.
	s.log.Warn("delivery failed", logx.Int64("reminder_id", d.ReminderID), logx.Int64("owner", d.Owner), logx.Int("attempts", attempts), logx.Err(lastErr))
	if s.bus != nil {
		errStr := ""
		if lastErr != nil {
			errStr = lastErr.Error()
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.ReminderFailed, Data: eventbus.ReminderEvent{ID: d.ReminderID, Owner: d.Owner, Attempts: attempts, Error: errStr}})
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
