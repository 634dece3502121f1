package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindbot/internal/recurrence"
)

var (
	// ErrNotFound is returned when a reminder id does not exist. A second
	// cancel of the same id reports this instead of silently succeeding.
	ErrNotFound = errors.New("store: reminder not found")

	ErrInvalidSchedule = errors.New("store: exactly one of fire_at or recurrence must be set")
)

// Schedule is the single schedule variant of a reminder: either an absolute
// one-off fire time or a weekly recurrence rule, never both, never neither.
type Schedule struct {
	FireAt *time.Time
	Rule   *recurrence.Rule
}

func OneOff(at time.Time) Schedule {
	return Schedule{FireAt: &at}
}

func Recurring(r recurrence.Rule) Schedule {
	return Schedule{Rule: &r}
}

func (s Schedule) Validate() error {
	switch {
	case s.FireAt == nil && s.Rule == nil:
		return ErrInvalidSchedule
	case s.FireAt != nil && s.Rule != nil:
		return ErrInvalidSchedule
	case s.FireAt != nil && s.FireAt.IsZero():
		return fmt.Errorf("%w: zero fire_at", ErrInvalidSchedule)
	case s.Rule != nil:
		return s.Rule.Validate()
	}
	return nil
}

func (s Schedule) Recurring() bool { return s.Rule != nil }

// Reminder is the persisted record; the store is the source of truth.
type Reminder struct {
	ID        int64
	Owner     int64
	Text      string
	Schedule  Schedule
	Active    bool
	CreatedAt time.Time
	LastFired *time.Time
}

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Store is the durable reminder repository.
//
// All writes are single-statement, so a crash never leaves a row partially
// updated. I/O failures are returned wrapped; callers may retry.
type Store interface {
	// Create persists a new reminder and returns its id. Ids are assigned
	// monotonically and never reused for live rows.
	Create(ctx context.Context, owner int64, text string, sched Schedule) (int64, error)

	Get(ctx context.Context, id int64) (Reminder, error)

	// ListActive returns the owner's active reminders in creation order,
	// excluding deactivated one-offs and cancelled rows.
	ListActive(ctx context.Context, owner int64) ([]Reminder, error)

	// ListAllActive returns every active reminder; used for rehydration and
	// reconciliation.
	ListAllActive(ctx context.Context) ([]Reminder, error)

	// Cancel deletes the row. A missing id reports ErrNotFound.
	Cancel(ctx context.Context, id int64) error

	// MarkFired records a firing: next==nil deactivates a one-off; a non-nil
	// next replaces the schedule of a recurring reminder.
	MarkFired(ctx context.Context, id int64, next *Schedule) error

	// PruneInactive deletes inactive rows that last fired before the cutoff
	// and returns how many were removed.
	PruneInactive(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
