package cache

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the
// duration until its next fire time. Returns 0 on parse error, which
// callers treat as "run immediately" rather than panicking on a bad
// schedule string.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// RunSweepSchedule runs Sweep(maxAge) on the given cron schedule until
// stop is closed. A sweep that fails or removes files is logged; a sweep
// that removes nothing is silent. A single failed sweep does not stop
// future runs.
func (c *Cache) RunSweepSchedule(cronExpr string, maxAge time.Duration, stop <-chan struct{}) {
	for {
		wait := nextCronDuration(cronExpr)
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		removed, err := c.Sweep(maxAge)
		if err != nil {
			log.Printf("cache: sweep %s: %v (removed %d file(s) in this sweep)", c.dir, err, removed)
			continue
		}
		if removed > 0 {
			log.Printf("cache: sweep %s: removed %d stale attachment(s)", c.dir, removed)
		}
	}
}
