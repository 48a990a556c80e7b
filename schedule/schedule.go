// Package schedule parses human-readable sync cadences ("every 15m",
// "every 4 hours") and enforces per-connector minimum intervals.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"weave.evalgo.org/entity"
)

// MinContinuous is the floor for connectors that tolerate minute-level
// polling.
const MinContinuous = time.Minute

// MinBatch is the floor for connectors that do heavyweight full scans per
// run.
const MinBatch = time.Hour

// Parse turns a schedule expression into an interval. Accepted forms:
// "every 15m", "every 15 minutes", "every hour", "every day", or a bare Go
// duration ("15m", "4h").
func Parse(expr string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(expr))
	if s == "" {
		return 0, fmt.Errorf("%w: empty schedule", entity.ErrInvalidConfig)
	}
	s = strings.TrimPrefix(s, "every ")

	switch s {
	case "minute":
		return time.Minute, nil
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	}

	// "15 minutes" / "4 hours" / "2 days"
	if fields := strings.Fields(s); len(fields) == 2 {
		var n int
		if _, err := fmt.Sscanf(fields[0], "%d", &n); err == nil && n > 0 {
			switch strings.TrimSuffix(fields[1], "s") {
			case "minute", "min":
				return time.Duration(n) * time.Minute, nil
			case "hour":
				return time.Duration(n) * time.Hour, nil
			case "day":
				return time.Duration(n) * 24 * time.Hour, nil
			}
		}
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: unparseable schedule %q", entity.ErrInvalidConfig, expr)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: schedule %q is not positive", entity.ErrInvalidConfig, expr)
	}
	return d, nil
}

// Validate parses expr and enforces the connector's minimum interval.
// Connectors that do not support continuous polling are held to MinBatch.
func Validate(expr string, supportsContinuous bool) (time.Duration, error) {
	d, err := Parse(expr)
	if err != nil {
		return 0, err
	}
	min := MinBatch
	if supportsContinuous {
		min = MinContinuous
	}
	if d < min {
		return 0, fmt.Errorf("%w: schedule %q below the connector minimum of %s", entity.ErrInvalidConfig, expr, min)
	}
	return d, nil
}

// Next returns the next run time after last. A zero last means the
// connection never ran and is due now.
func Next(last time.Time, interval time.Duration, now time.Time) time.Time {
	if last.IsZero() {
		return now
	}
	return last.Add(interval)
}

// Due reports whether a connection with the given last run should sync now.
func Due(last time.Time, interval time.Duration, now time.Time) bool {
	return !Next(last, interval, now).After(now)
}
