package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func TestNextSkipsToFollowingWeekWhenDayAlreadyPassed(t *testing.T) {
	t.Parallel()
	// Saturday 2026-01-03 10:00. Friday of that calendar week has passed.
	now := time.Date(2026, 1, 3, 10, 0, 0, 0, time.UTC)
	if now.Weekday() != time.Saturday {
		t.Fatalf("fixture broken: %s", now.Weekday())
	}

	r := Rule{Weekday: 4, Hour: 18, Minute: 30} // Friday (Monday=0)
	got, err := r.Next(now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 1, 9, 18, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %s, want %s", got, want)
	}
	if got.Weekday() != time.Friday {
		t.Fatalf("Next weekday = %s, want Friday", got.Weekday())
	}
}

func TestNextSameDay(t *testing.T) {
	t.Parallel()
	// Friday 2026-01-09.
	friday := time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)
	r := Rule{Weekday: 4, Hour: 18, Minute: 30}

	// Time of day not reached yet: fires today.
	got, err := r.Next(friday.Add(12 * time.Hour))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := friday.Add(18*time.Hour + 30*time.Minute); !got.Equal(want) {
		t.Fatalf("Next = %s, want %s", got, want)
	}

	// Time of day already passed: seven days later, never today.
	got, err = r.Next(friday.Add(19 * time.Hour))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := friday.AddDate(0, 0, 7).Add(18*time.Hour + 30*time.Minute); !got.Equal(want) {
		t.Fatalf("Next = %s, want %s", got, want)
	}

	// Exactly the fire instant still counts as due (>= now).
	at := friday.Add(18*time.Hour + 30*time.Minute)
	got, err = r.Next(at)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("Next = %s, want %s", got, at)
	}
}

func TestNextPreservesLocation(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, loc) // Monday
	r := Rule{Weekday: 0, Hour: 10, Minute: 0}    // Monday 10:00
	got, err := r.Next(now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Location() != loc {
		t.Fatalf("location = %v, want %v", got.Location(), loc)
	}
	if got.Hour() != 10 || got.Minute() != 0 {
		t.Fatalf("wall clock = %02d:%02d, want 10:00", got.Hour(), got.Minute())
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	bad := []Rule{
		{Weekday: -1, Hour: 10, Minute: 0},
		{Weekday: 7, Hour: 10, Minute: 0},
		{Weekday: 0, Hour: 24, Minute: 0},
		{Weekday: 0, Hour: -1, Minute: 0},
		{Weekday: 0, Hour: 0, Minute: 60},
	}
	for _, r := range bad {
		if err := r.Validate(); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("Validate(%+v) = %v, want ErrInvalidSchedule", r, err)
		}
		if _, err := r.Next(time.Now()); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("Next(%+v) = %v, want ErrInvalidSchedule", r, err)
		}
	}
}

func TestCronRoundTrip(t *testing.T) {
	t.Parallel()
	for wd := 0; wd < 7; wd++ {
		r := Rule{Weekday: wd, Hour: 7, Minute: 45}
		spec := r.EncodeCron()
		back, err := ParseCron(spec)
		if err != nil {
			t.Fatalf("ParseCron(%q): %v", spec, err)
		}
		if back != r {
			t.Fatalf("round trip %q: got %+v, want %+v", spec, back, r)
		}
	}
}

func TestParseCronRejectsNonWeekly(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{"", "30 18 * *", "30 18 1 * 5", "x 18 * * 5", "30 18 * * 9"} {
		if _, err := ParseCron(spec); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("ParseCron(%q) = %v, want ErrInvalidSchedule", spec, err)
		}
	}
}

// The engine's own arithmetic must agree with the cron library's reading of
// the persisted descriptor.
func TestNextMatchesCronParser(t *testing.T) {
	t.Parallel()
	r := Rule{Weekday: 4, Hour: 18, Minute: 30}
	sched, err := cron.ParseStandard(r.EncodeCron())
	if err != nil {
		t.Fatalf("ParseStandard: %v", err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 14; i++ {
		ours, err := r.Next(now)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		// cron.Next is strictly-after; probe just before now to align with >=.
		theirs := sched.Next(now.Add(-time.Second))
		if !ours.Equal(theirs) {
			t.Fatalf("day %d: Next = %s, cron = %s", i, ours, theirs)
		}
		now = now.AddDate(0, 0, 1)
	}
}
