// Package timeparse turns free-form English time phrases into absolute
// timestamps.
//
// The reminder core only consumes the Parser interface; this default
// implementation covers the common phrasings (absolute dates, "tomorrow at
// 9:00", "in 20 minutes", "on friday at 18:30"). A failed parse is not an
// error, it just means the text does not describe a one-off moment.
package timeparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Parser extracts an absolute fire time from free text, relative to now.
// ok is false when the text contains no recognizable time phrase.
type Parser interface {
	Parse(text string, now time.Time) (at time.Time, ok bool)
}

// English parses a practical subset of English time phrases. The zero value
// is ready to use.
type English struct{}

var _ Parser = English{}

var (
	clockRe    = regexp.MustCompile(`\b(?:at )?([01]?\d|2[0-3]):([0-5]\d)\b`)
	relativeRe = regexp.MustCompile(`\bin (\d+) (minute|minutes|min|hour|hours|day|days)\b`)
	weekdayRe  = regexp.MustCompile(`\b(?:on |next )?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	absoluteRe = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
)

var weekdayNames = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

func (English) Parse(text string, now time.Time) (time.Time, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return time.Time{}, false
	}

	// "in 20 minutes" style offsets win outright.
	if m := relativeRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return time.Time{}, false
		}
		var unit time.Duration
		switch m[2] {
		case "minute", "minutes", "min":
			unit = time.Minute
		case "hour", "hours":
			unit = time.Hour
		case "day", "days":
			unit = 24 * time.Hour
		}
		return now.Add(time.Duration(n) * unit), true
	}

	hour, minute, haveClock := findClock(text)

	// Explicit calendar date, optionally with a clock time.
	if m := absoluteRe.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if mo < 1 || mo > 12 || d < 1 || d > 31 {
			return time.Time{}, false
		}
		if !haveClock {
			hour, minute = 9, 0
		}
		at := time.Date(y, time.Month(mo), d, hour, minute, 0, 0, now.Location())
		return at, true
	}

	// Named weekday: the next occurrence, skipping a week when the clock
	// time today has already passed.
	if m := weekdayRe.FindStringSubmatch(text); m != nil {
		if !haveClock {
			hour, minute = 9, 0
		}
		target := weekdayNames[m[1]]
		ahead := (int(target) - int(now.Weekday()) + 7) % 7
		at := time.Date(now.Year(), now.Month(), now.Day()+ahead, hour, minute, 0, 0, now.Location())
		if at.Before(now) {
			at = at.AddDate(0, 0, 7)
		}
		return at, true
	}

	if strings.Contains(text, "tomorrow") {
		if !haveClock {
			hour, minute = 9, 0
		}
		return time.Date(now.Year(), now.Month(), now.Day()+1, hour, minute, 0, 0, now.Location()), true
	}

	if haveClock {
		// Bare clock time means today, or tomorrow when already past.
		at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, true
	}

	return time.Time{}, false
}

func findClock(text string) (hour, minute int, ok bool) {
	m := clockRe.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, true
}
