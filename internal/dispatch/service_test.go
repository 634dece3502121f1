package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

// fakeGateway fails the first failN sends, then succeeds. If block is
// non-nil, Send waits on it (or the ctx) before returning.
type fakeGateway struct {
	mu    sync.Mutex
	calls int
	failN int
	block chan struct{}

	sent []string
}

func (g *fakeGateway) Send(ctx context.Context, recipient int64, text string) error {
	g.mu.Lock()
	g.calls++
	n := g.calls
	block := g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n <= g.failN {
		return errors.New("flaky")
	}
	g.mu.Lock()
	g.sent = append(g.sent, text)
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.ReminderEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				re, ok := ev.Data.(eventbus.ReminderEvent)
				if !ok {
					t.Fatalf("event %s carries %T, want ReminderEvent", typ, ev.Data)
				}
				return re
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func newTestService(t *testing.T, cfg Config, gw *fakeGateway) (*Service, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	t.Cleanup(unsub)

	s := New(cfg, gw, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, ch
}

func TestDeliversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{failN: 2}
	s, events := newTestService(t, Config{
		Workers:    1,
		RatePerSec: 1000,
		RetryMax:   3,
		RetryBase:  time.Millisecond,
	}, gw)

	if err := s.Enqueue(Delivery{ReminderID: 7, Owner: 42, Text: "walk the dog"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ev := waitEvent(t, events, eventbus.ReminderDelivered)
	if ev.ID != 7 || ev.Owner != 42 {
		t.Fatalf("delivered event = %+v", ev)
	}
	if ev.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", ev.Attempts)
	}
	if got := gw.callCount(); got != 3 {
		t.Fatalf("gateway calls = %d, want 3", got)
	}
}

func TestReportsFailureWhenRetriesExhausted(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{failN: 100}
	s, events := newTestService(t, Config{
		Workers:    1,
		RatePerSec: 1000,
		RetryMax:   2,
		RetryBase:  time.Millisecond,
	}, gw)

	if err := s.Enqueue(Delivery{ReminderID: 9, Owner: 1, Text: "pay rent"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ev := waitEvent(t, events, eventbus.ReminderFailed)
	if ev.ID != 9 {
		t.Fatalf("failed event = %+v", ev)
	}
	if ev.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (1 initial + 2 retries)", ev.Attempts)
	}
	if ev.Error == "" {
		t.Fatal("failed event carries no error")
	}
}

func TestAttemptTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	// Gateway that never returns until the attempt context expires.
	gw := &fakeGateway{block: make(chan struct{})}
	s, events := newTestService(t, Config{
		Workers:     1,
		RatePerSec:  1000,
		RetryMax:    0,
		SendTimeout: 20 * time.Millisecond,
	}, gw)

	if err := s.Enqueue(Delivery{ReminderID: 3, Owner: 5, Text: "standup"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ev := waitEvent(t, events, eventbus.ReminderFailed)
	if ev.ID != 3 || ev.Attempts != 1 {
		t.Fatalf("failed event = %+v", ev)
	}
}

func TestEnqueueAfterStopIsRejected(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	s, _ := newTestService(t, Config{Workers: 1, RatePerSec: 1000}, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if err := s.Enqueue(Delivery{ReminderID: 1, Owner: 1, Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop = %v, want ErrStopped", err)
	}
}

func TestStopWithExpiredContextReleasesWorkers(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	s := New(Config{Workers: 2, QueueSize: 4, RatePerSec: 1000}, gw, logx.Nop(), nil)
	s.Start(context.Background())

	// A dead deadline skips the drain entirely; workers parked on an empty
	// queue must still exit.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Stop(ctx)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers still parked after canceled stop")
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	gw := &fakeGateway{block: release}
	s, _ := newTestService(t, Config{
		Workers:     1,
		QueueSize:   1,
		RatePerSec:  1000,
		SendTimeout: time.Minute,
	}, gw)

	// First delivery occupies the worker, subsequent ones fill the queue.
	// With a single worker and a queue of one, at most two are accepted
	// before Enqueue must return ErrQueueFull.
	var full bool
	for i := 0; i < 10; i++ {
		if err := s.Enqueue(Delivery{ReminderID: int64(i), Owner: 1, Text: "x"}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	close(release)
	if !full {
		t.Fatal("queue never reported full")
	}
}
