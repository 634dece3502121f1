// Package recurrence computes fire times for weekly repeating reminders.
//
// A Rule is the (weekday, hour, minute) tuple of a weekly schedule. Weekday
// follows the Monday=0 .. Sunday=6 convention used by the chat commands; the
// persisted form is a standard 5-field cron descriptor (Sunday=0), so the two
// conventions are converted only at encode/parse time.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidSchedule = errors.New("recurrence: invalid schedule")

var weekdayNames = [7]string{
	"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday",
}

// Rule is a weekly repeating schedule: fire every Weekday at Hour:Minute.
// Weekday is Monday=0 .. Sunday=6.
type Rule struct {
	Weekday int
	Hour    int
	Minute  int
}

func (r Rule) Validate() error {
	if r.Weekday < 0 || r.Weekday > 6 {
		return fmt.Errorf("%w: weekday %d out of range [0,6]", ErrInvalidSchedule, r.Weekday)
	}
	if r.Hour < 0 || r.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range [0,23]", ErrInvalidSchedule, r.Hour)
	}
	if r.Minute < 0 || r.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range [0,59]", ErrInvalidSchedule, r.Minute)
	}
	return nil
}

// timeWeekday maps the Monday=0 convention onto time.Weekday (Sunday=0).
func (r Rule) timeWeekday() time.Weekday {
	return time.Weekday((r.Weekday + 1) % 7)
}

// Next returns the earliest timestamp >= now that matches the rule, in now's
// location. If today is the target weekday but the time of day has already
// passed, the result is seven days later, never in the past.
func (r Rule) Next(now time.Time) (time.Time, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	daysAhead := (int(r.timeWeekday()) - int(now.Weekday()) + 7) % 7
	y, m, d := now.Date()
	candidate := time.Date(y, m, d+daysAhead, r.Hour, r.Minute, 0, 0, now.Location())
	if candidate.Before(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate, nil
}

// EncodeCron renders the rule as a standard 5-field cron descriptor
// ("30 18 * * 5" for Friday 18:30). This is the persisted form.
func (r Rule) EncodeCron() string {
	return fmt.Sprintf("%d %d * * %d", r.Minute, r.Hour, int(r.timeWeekday()))
}

func (r Rule) String() string {
	if r.Weekday < 0 || r.Weekday > 6 {
		return "invalid rule"
	}
	return fmt.Sprintf("every %s at %02d:%02d", weekdayNames[r.Weekday], r.Hour, r.Minute)
}

// ParseCron decodes a descriptor produced by EncodeCron. It accepts only the
// weekly shape this engine persists (minute hour * * dow); anything else is
// ErrInvalidSchedule. The descriptor is additionally vetted by the cron parser
// so a row edited by hand cannot smuggle an unparseable spec into the engine.
func ParseCron(spec string) (Rule, error) {
	fields := strings.Fields(strings.TrimSpace(spec))
	if len(fields) != 5 {
		return Rule{}, fmt.Errorf("%w: descriptor %q is not 5-field cron", ErrInvalidSchedule, spec)
	}
	if fields[2] != "*" || fields[3] != "*" {
		return Rule{}, fmt.Errorf("%w: descriptor %q is not a weekly schedule", ErrInvalidSchedule, spec)
	}
	minute, err := strconv.Atoi(fields[0])
	if err != nil {
		return Rule{}, fmt.Errorf("%w: bad minute in %q", ErrInvalidSchedule, spec)
	}
	hour, err := strconv.Atoi(fields[1])
	if err != nil {
		return Rule{}, fmt.Errorf("%w: bad hour in %q", ErrInvalidSchedule, spec)
	}
	dow, err := strconv.Atoi(fields[4])
	if err != nil || dow < 0 || dow > 6 {
		return Rule{}, fmt.Errorf("%w: bad weekday in %q", ErrInvalidSchedule, spec)
	}
	r := Rule{
		// cron Sunday=0 back to Monday=0
		Weekday: (dow + 6) % 7,
		Hour:    hour,
		Minute:  minute,
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return r, nil
}
