package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"remindbot/internal/recurrence"
	logx "remindbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "reminders.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	id, err := st.Create(ctx, 42, "water plants", OneOff(at))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}

	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Owner != 42 || got.Text != "water plants" || !got.Active {
		t.Fatalf("unexpected reminder: %+v", got)
	}
	if got.Schedule.FireAt == nil || !got.Schedule.FireAt.Equal(at) {
		t.Fatalf("fire_at = %v, want %v", got.Schedule.FireAt, at)
	}
	if got.Schedule.Rule != nil {
		t.Fatalf("one-off row must not carry a recurrence rule")
	}

	rule := recurrence.Rule{Weekday: 4, Hour: 18, Minute: 30}
	id2, err := st.Create(ctx, 42, "take out trash", Recurring(rule))
	if err != nil {
		t.Fatalf("Create recurring: %v", err)
	}
	if id2 != 2 {
		t.Fatalf("second id = %d, want 2", id2)
	}
	got2, err := st.Get(ctx, id2)
	if err != nil {
		t.Fatalf("Get recurring: %v", err)
	}
	if got2.Schedule.Rule == nil || *got2.Schedule.Rule != rule {
		t.Fatalf("rule = %v, want %v", got2.Schedule.Rule, rule)
	}
}

func TestCreateRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Create(ctx, 1, "x", Schedule{}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("empty schedule: %v, want ErrInvalidSchedule", err)
	}
	at := time.Now()
	rule := recurrence.Rule{Weekday: 0, Hour: 9, Minute: 0}
	if _, err := st.Create(ctx, 1, "x", Schedule{FireAt: &at, Rule: &rule}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("both variants: %v, want ErrInvalidSchedule", err)
	}
	bad := recurrence.Rule{Weekday: 9, Hour: 9, Minute: 0}
	if _, err := st.Create(ctx, 1, "x", Recurring(bad)); !errors.Is(err, recurrence.ErrInvalidSchedule) {
		t.Fatalf("bad rule: %v, want recurrence.ErrInvalidSchedule", err)
	}
}

func TestGetUnknownReportsNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if _, err := st.Get(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(99) = %v, want ErrNotFound", err)
	}
}

func TestListActiveOrderAndFiltering(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	a, _ := st.Create(ctx, 7, "first", OneOff(at))
	b, _ := st.Create(ctx, 7, "second", OneOff(at))
	if _, err := st.Create(ctx, 8, "other owner", OneOff(at)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c, _ := st.Create(ctx, 7, "third", Recurring(recurrence.Rule{Weekday: 2, Hour: 8, Minute: 0}))

	// Deactivate "second" as if it fired.
	if err := st.MarkFired(ctx, b, nil); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}

	got, err := st.ListActive(ctx, 7)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(got) != 2 || got[0].ID != a || got[1].ID != c {
		t.Fatalf("ListActive = %+v, want ids [%d %d]", got, a, c)
	}

	all, err := st.ListAllActive(ctx)
	if err != nil {
		t.Fatalf("ListAllActive: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListAllActive len = %d, want 3", len(all))
	}
}

func TestCancelIsNotIdempotent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, 1, "x", OneOff(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Cancel(ctx, id); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	// The second cancel must surface NotFound, not silently succeed.
	if err := st.Cancel(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Cancel = %v, want ErrNotFound", err)
	}
	if _, err := st.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after cancel = %v, want ErrNotFound", err)
	}
}

func TestMarkFiredTransitions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	// One-off: nil next deactivates, and the row survives (until pruned).
	one, _ := st.Create(ctx, 1, "once", OneOff(time.Now().Add(time.Minute)))
	if err := st.MarkFired(ctx, one, nil); err != nil {
		t.Fatalf("MarkFired one-off: %v", err)
	}
	got, err := st.Get(ctx, one)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Active {
		t.Fatal("one-off still active after MarkFired")
	}
	if got.LastFired == nil {
		t.Fatal("last_fired_at not recorded")
	}

	// Recurring: schedule replaced, row stays active.
	rule := recurrence.Rule{Weekday: 4, Hour: 18, Minute: 30}
	rec, _ := st.Create(ctx, 1, "weekly", Recurring(rule))
	next := Recurring(rule)
	if err := st.MarkFired(ctx, rec, &next); err != nil {
		t.Fatalf("MarkFired recurring: %v", err)
	}
	got, err = st.Get(ctx, rec)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Active || got.Schedule.Rule == nil || *got.Schedule.Rule != rule {
		t.Fatalf("recurring row corrupted: %+v", got)
	}

	if err := st.MarkFired(ctx, 999, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkFired(999) = %v, want ErrNotFound", err)
	}
}

func TestPruneInactive(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, _ := st.Create(ctx, 1, "done", OneOff(time.Now()))
	if err := st.MarkFired(ctx, id, nil); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	live, _ := st.Create(ctx, 1, "live", OneOff(time.Now().Add(time.Hour)))

	n, err := st.PruneInactive(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneInactive: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	if _, err := st.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pruned row still present: %v", err)
	}
	if _, err := st.Get(ctx, live); err != nil {
		t.Fatalf("active row pruned: %v", err)
	}
}
