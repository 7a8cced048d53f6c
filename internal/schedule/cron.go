// Package schedule evaluates cron expressions as wall-clock time in an IANA
// timezone. The hub scheduler and the agent offline executor share this
// package so gap/fold semantics cannot drift between them.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field cron parser (minute hour dom month dow).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parser used only to validate an optional seconds field.
var secondsParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ErrNeverFires is returned when an expression has no future occurrence.
var ErrNeverFires = errors.New("schedule: expression never fires")

// maxGapSkips bounds consecutive nonexistent wall times skipped in NextFire.
// A zone has at most one spring-forward transition per day.
const maxGapSkips = 370

// Validate checks an expression and timezone at job-save time. A 6-field
// expression is accepted only when its seconds field includes second 0; the
// scheduler samples at minute boundaries, so anything else could never
// trigger and is a configuration error, not a runtime one.
func Validate(expr, tz string) error {
	if _, err := loadLocation(tz); err != nil {
		return err
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("schedule: empty cron expression")
	}
	if strings.HasPrefix(expr, "@") {
		return fmt.Errorf("schedule: descriptor expressions are not supported: %q", expr)
	}
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("schedule: invalid cron %q: %w", expr, err)
		}
		return nil
	case 6:
		sched, err := secondsParser.Parse(expr)
		if err != nil {
			return fmt.Errorf("schedule: invalid cron %q: %w", expr, err)
		}
		spec, ok := sched.(*cron.SpecSchedule)
		if !ok || spec.Second&1 == 0 {
			return fmt.Errorf("schedule: seconds field %q never matches a minute boundary", fields[0])
		}
		return nil
	default:
		return fmt.Errorf("schedule: expected 5 or 6 fields, got %d", len(fields))
	}
}

// NextFire returns the first instant strictly after "after" at which the
// expression fires, interpreting it as wall-clock time in tz.
//
// DST rules: a wall time erased by a spring-forward gap is skipped entirely;
// a wall time repeated by a fall-back fold fires exactly once, at its first
// physical occurrence.
func NextFire(expr, tz string, after time.Time) (time.Time, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := parseMinutePrecision(expr)
	if err != nil {
		return time.Time{}, err
	}

	// Evaluate on a pure wall-clock timeline: copy the local wall fields
	// into UTC, where no transition can disturb the arithmetic, then map
	// each candidate wall time back onto the real zone.
	local := after.In(loc)
	wall := time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), 0, time.UTC)

	for i := 0; i < maxGapSkips; i++ {
		w := sched.Next(wall)
		if w.IsZero() {
			return time.Time{}, ErrNeverFires
		}
		if t, ok := resolveWall(w, loc); ok && t.After(after) {
			return t, nil
		}
		wall = w
	}
	return time.Time{}, ErrNeverFires
}

// parseMinutePrecision parses expr at minute granularity, dropping a
// previously validated zero-second field.
func parseMinutePrecision(expr string) (cron.Schedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) == 6 {
		expr = strings.Join(fields[1:], " ")
	} else {
		expr = strings.Join(fields, " ")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid cron %q: %w", expr, err)
	}
	return sched, nil
}

// resolveWall maps a wall time (carried in UTC) onto loc. It reports false
// for wall times erased by a spring-forward gap, and for folds it returns
// the earliest physical instant.
func resolveWall(w time.Time, loc *time.Location) (time.Time, bool) {
	t := time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), 0, 0, loc)
	if !sameWall(t, w) {
		// time.Date normalized a nonexistent wall time across the gap.
		return time.Time{}, false
	}
	// If the same wall clock also occurs one hour earlier, the zone folded
	// and t is the second physical occurrence.
	if earlier := t.Add(-time.Hour); sameWall(earlier.In(loc), w) {
		t = earlier
	}
	return t, true
}

func sameWall(t, w time.Time) bool {
	return t.Year() == w.Year() && t.Month() == w.Month() && t.Day() == w.Day() &&
		t.Hour() == w.Hour() && t.Minute() == w.Minute()
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
