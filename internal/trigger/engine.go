// Package trigger runs the live timers for active reminders.
//
// The engine keeps a priority queue keyed by fire timestamp with at most one
// entry per reminder id. A single loop sleeps until the earliest due time and
// is woken early whenever Schedule or Cancel changes the front of the queue.
// The transition from "pending" to "firing" is one atomic claim under the
// engine lock; Cancel competes for the same claim, so a concurrent cancel and
// fire for the same id resolve to exactly one winner.
package trigger

import (
	"container/heap"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	logx "remindbot/pkg/logx"
)

var (
	ErrInvalidFireTime = errors.New("trigger: invalid fire time")
	ErrStopped         = errors.New("trigger: engine stopped")
)

// FireFunc is invoked on the engine loop once an entry has been claimed.
// It must return quickly: hand slow work (delivery) to the dispatcher and
// re-register recurring reminders before returning.
type FireFunc func(id int64, due time.Time)

type entry struct {
	id  int64
	at  time.Time
	seq uint64
	fn  FireFunc
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Engine is the single scheduling authority. Create with New, then Start;
// it owns one background loop until Stop.
type Engine struct {
	log logx.Logger

	mu      sync.Mutex
	queue   entryHeap
	pending map[int64]*entry
	seq     uint64
	started bool
	stopped bool

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func New(log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:     log,
		queue:   make(entryHeap, 0),
		pending: map[int64]*entry{},
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	heap.Init(&e.queue)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("panic in trigger loop", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		e.loop()
	}()
	e.log.Info("trigger engine started")
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.stopped = true
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopCh)
	e.mu.Unlock()
	<-e.doneCh
	e.log.Info("trigger engine stopped")
}

// Schedule registers (or replaces) the timer for id. A reminder never has two
// concurrent timers: an existing entry for the same id is superseded.
func (e *Engine) Schedule(id int64, at time.Time, fn FireFunc) error {
	if at.IsZero() || fn == nil {
		return ErrInvalidFireTime
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}

	e.seq++
	it := &entry{id: id, at: at, seq: e.seq, fn: fn}
	e.pending[id] = it
	heap.Push(&e.queue, it)
	e.signalWake()
	return nil
}

// Cancel atomically removes the pending timer for id. It reports whether a
// timer was removed; false means the id was unknown or its fire already
// claimed the entry.
func (e *Engine) Cancel(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[id]; !ok {
		return false
	}
	// The heap copy goes stale and is skipped by the loop.
	delete(e.pending, id)
	e.signalWake()
	return true
}

// Pending reports whether id currently has a live timer. Used by the
// reconciliation pass.
func (e *Engine) Pending(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Pending int
	Next    time.Time
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{Pending: len(e.pending)}
	if top := e.peekLocked(); top != nil {
		s.Next = top.at
	}
	return s
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) loop() {
	defer close(e.doneCh)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			stopTimer(timer)
		}
	}()

	for {
		e.mu.Lock()
		top := e.peekLocked()
		e.mu.Unlock()

		if top == nil {
			select {
			case <-e.wake:
				continue
			case <-e.stopCh:
				return
			}
		}

		wait := time.Until(top.at)
		if wait < 0 {
			wait = 0
		}
		timer = resetTimer(timer, wait)

		select {
		case <-timer.C:
			for _, it := range e.claimDue(time.Now()) {
				it.fn(it.id, it.at)
			}
		case <-e.wake:
			continue
		case <-e.stopCh:
			return
		}
	}
}

// peekLocked drops stale heap copies (cancelled or superseded entries) and
// returns the earliest live one, or nil.
func (e *Engine) peekLocked() *entry {
	for len(e.queue) > 0 {
		top := e.queue[0]
		if cur, ok := e.pending[top.id]; ok && cur.seq == top.seq {
			return top
		}
		heap.Pop(&e.queue)
	}
	return nil
}

// claimDue pops every entry due at or before now and removes it from the
// pending set under the lock. This removal IS the atomic claim: once an entry
// leaves pending, a concurrent Cancel for the same id observes nothing to
// cancel and no-ops.
func (e *Engine) claimDue(now time.Time) []*entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var due []*entry
	for {
		top := e.peekLocked()
		if top == nil || top.at.After(now) {
			break
		}
		heap.Pop(&e.queue)
		delete(e.pending, top.id)
		due = append(due, top)
	}
	return due
}

func resetTimer(timer *time.Timer, d time.Duration) *time.Timer {
	if timer == nil {
		return time.NewTimer(d)
	}
	stopTimer(timer)
	timer.Reset(d)
	return timer
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
