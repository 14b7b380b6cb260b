package ingest

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions with month and
// weekday names.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateCron rejects unparseable cron expressions and unknown IANA
// timezones at write time.
func ValidateCron(expr, timezone string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCron, err)
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidCron, timezone)
	}
	return nil
}

// CronNext computes the first instant strictly after `after` matching
// expr in the schedule's timezone. It is a pure function of its inputs:
// a skipped tick never consumes the advancement.
func CronNext(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidCron, err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidCron, timezone)
	}
	return sched.Next(after.In(loc)), nil
}
