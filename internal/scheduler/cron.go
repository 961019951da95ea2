package scheduler

import (
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser is shared across static and dynamic schedule validation, per
// the §9 REDESIGN NOTE treating cron as an external capability rather
// than an inline parser.
var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// validateCron parses expr, returning an error if it is not a valid
// standard 5-field cron expression.
func validateCron(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// nextAfter computes the next fire time after now in tz (IANA name, ""
// meaning UTC), per spec testable property #8.
func nextAfter(sched cronlib.Schedule, now time.Time, tz string) (time.Time, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, err
		}
		loc = l
	}
	return sched.Next(now.In(loc)), nil
}
