package trigger

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(logx.Nop())
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func collect(buffer int) (FireFunc, <-chan int64) {
	ch := make(chan int64, buffer)
	return func(id int64, _ time.Time) { ch <- id }, ch
}

func waitFire(t *testing.T, ch <-chan int64, timeout time.Duration) int64 {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(timeout):
		t.Fatal("timed out waiting for fire")
		return 0
	}
}

func TestFiresInTimestampOrder(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	fn, fired := collect(8)

	now := time.Now()
	if err := e.Schedule(2, now.Add(80*time.Millisecond), fn); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := e.Schedule(1, now.Add(20*time.Millisecond), fn); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if got := waitFire(t, fired, time.Second); got != 1 {
		t.Fatalf("first fire = %d, want 1", got)
	}
	if got := waitFire(t, fired, time.Second); got != 2 {
		t.Fatalf("second fire = %d, want 2", got)
	}
}

func TestScheduleReplacesExistingTimer(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	var fires atomic.Int64
	fn := func(id int64, _ time.Time) { fires.Add(1) }

	now := time.Now()
	if err := e.Schedule(1, now.Add(30*time.Millisecond), fn); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// Replacing must supersede the first timer, never stack a second one.
	if err := e.Schedule(1, now.Add(60*time.Millisecond), fn); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if n := fires.Load(); n != 1 {
		t.Fatalf("fired %d times, want exactly 1", n)
	}
}

func TestCancelBeforeFire(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	fn, fired := collect(1)

	if err := e.Schedule(1, time.Now().Add(50*time.Millisecond), fn); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !e.Cancel(1) {
		t.Fatal("Cancel = false, want true")
	}
	if e.Cancel(1) {
		t.Fatal("second Cancel = true, want false")
	}

	select {
	case id := <-fired:
		t.Fatalf("cancelled reminder %d fired", id)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestPastFireTimeFiresImmediately(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	fn, fired := collect(1)

	// Rehydration after downtime schedules overdue one-offs in the past.
	if err := e.Schedule(1, time.Now().Add(-time.Minute), fn); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := waitFire(t, fired, time.Second); got != 1 {
		t.Fatalf("fire = %d, want 1", got)
	}
}

func TestScheduleValidatesInput(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	if err := e.Schedule(1, time.Time{}, func(int64, time.Time) {}); err != ErrInvalidFireTime {
		t.Fatalf("zero time: %v, want ErrInvalidFireTime", err)
	}
	if err := e.Schedule(1, time.Now(), nil); err != ErrInvalidFireTime {
		t.Fatalf("nil fn: %v, want ErrInvalidFireTime", err)
	}
	e.Stop()
	if err := e.Schedule(1, time.Now(), func(int64, time.Time) {}); err != ErrStopped {
		t.Fatalf("after stop: %v, want ErrStopped", err)
	}
}

// Exactly one of {fire, cancel} wins the claim for a given id, across many
// racing trials.
func TestCancelFireRaceResolvesToOneWinner(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	const trials = 200
	for i := 0; i < trials; i++ {
		id := int64(i + 1)
		var fired atomic.Bool
		fn := func(int64, time.Time) { fired.Store(true) }

		if err := e.Schedule(id, time.Now().Add(time.Duration(i%3)*time.Millisecond), fn); err != nil {
			t.Fatalf("Schedule: %v", err)
		}

		var wg sync.WaitGroup
		var cancelled bool
		wg.Add(1)
		go func() {
			defer wg.Done()
			cancelled = e.Cancel(id)
		}()
		wg.Wait()

		// Give a claimed fire time to run its callback.
		deadline := time.Now().Add(500 * time.Millisecond)
		for !cancelled && !fired.Load() {
			if time.Now().After(deadline) {
				t.Fatalf("trial %d: neither cancel nor fire won", i)
			}
			time.Sleep(time.Millisecond)
		}
		if cancelled && fired.Load() {
			t.Fatalf("trial %d: both cancel and fire won", i)
		}
		if e.Pending(id) {
			t.Fatalf("trial %d: entry still pending after resolution", i)
		}
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	fn, _ := collect(1)

	at := time.Now().Add(time.Hour)
	if err := e.Schedule(1, at, fn); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	snap := e.Snapshot()
	if snap.Pending != 1 || !snap.Next.Equal(at) {
		t.Fatalf("Snapshot = %+v, want 1 pending at %s", snap, at)
	}
	if !e.Pending(1) {
		t.Fatal("Pending(1) = false")
	}
}
