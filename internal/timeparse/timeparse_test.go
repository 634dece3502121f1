package timeparse

import (
	"testing"
	"time"
)

// Wednesday 2026-01-07 10:00 local.
var parseNow = time.Date(2026, time.January, 7, 10, 0, 0, 0, time.Local)

func TestParsePhrases(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		want time.Time
	}{
		{"in 20 minutes", parseNow.Add(20 * time.Minute)},
		{"in 2 hours", parseNow.Add(2 * time.Hour)},
		{"in 3 days", parseNow.Add(72 * time.Hour)},
		{"tomorrow at 9:00", time.Date(2026, 1, 8, 9, 0, 0, 0, time.Local)},
		{"tomorrow", time.Date(2026, 1, 8, 9, 0, 0, 0, time.Local)},
		{"at 15:30", time.Date(2026, 1, 7, 15, 30, 0, 0, time.Local)},
		// Already past today, rolls to tomorrow.
		{"at 08:00", time.Date(2026, 1, 8, 8, 0, 0, 0, time.Local)},
		{"on friday at 18:30", time.Date(2026, 1, 9, 18, 30, 0, 0, time.Local)},
		// Same weekday with a passed clock time skips a full week.
		{"on wednesday at 08:00", time.Date(2026, 1, 14, 8, 0, 0, 0, time.Local)},
		{"2026-02-01 at 12:00", time.Date(2026, 2, 1, 12, 0, 0, 0, time.Local)},
		{"2026-02-01", time.Date(2026, 2, 1, 9, 0, 0, 0, time.Local)},
	}
	p := English{}
	for _, tc := range cases {
		got, ok := p.Parse(tc.text, parseNow)
		if !ok {
			t.Errorf("Parse(%q) not ok", tc.text)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("Parse(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestParseRejectsNonTimes(t *testing.T) {
	t.Parallel()

	p := English{}
	for _, text := range []string{"", "water the plants", "in zero minutes", "2026-13-40"} {
		if got, ok := p.Parse(text, parseNow); ok {
			t.Errorf("Parse(%q) unexpectedly ok: %v", text, got)
		}
	}
}
