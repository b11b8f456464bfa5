// Package trigger turns cron-style schedule definitions into ScheduleFired
// events on a fixed tick cadence.
//
// Each tick covers the window (previous tick, now], so tick jitter never
// leaves a gap between consecutive windows. When the previous tick is older
// than two granularities (the process was down or stalled) the window shrinks
// back to (now-granularity, now] and the missed instants are skipped rather
// than caught up. This avoids double-watering on recovery.
package trigger

import (
	"fmt"
	"strings"
	"time"

	robcron "github.com/robfig/cron/v3"
)

var parser = robcron.NewParser(robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow | robcron.Descriptor)

// Cron is a parsed, validated 5-field cron expression.
type Cron struct {
	expr     string
	schedule robcron.Schedule
}

// Compile parses expr once; schedules are compiled at load time, not per tick.
func Compile(expr string) (Cron, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Cron{}, fmt.Errorf("cron expression is empty")
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return Cron{}, fmt.Errorf("parse cron expr %q: %w", expr, err)
	}
	return Cron{expr: expr, schedule: s}, nil
}

// MustCompile is Compile for tests and constants.
func MustCompile(expr string) Cron {
	c, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Cron) String() string { return c.expr }

// Next returns the first firing instant strictly after t.
func (c Cron) Next(t time.Time) time.Time {
	if c.schedule == nil {
		return time.Time{}
	}
	return c.schedule.Next(t)
}

// FiresWithin reports the first instant in (now-window, now], if any.
func (c Cron) FiresWithin(now time.Time, window time.Duration) (time.Time, bool) {
	if window <= 0 {
		return time.Time{}, false
	}
	return c.FiresBetween(now.Add(-window), now)
}

// FiresBetween reports the first instant in (from, to], if any.
func (c Cron) FiresBetween(from, to time.Time) (time.Time, bool) {
	if c.schedule == nil || !from.Before(to) {
		return time.Time{}, false
	}
	next := c.schedule.Next(from)
	if next.IsZero() || next.After(to) {
		return time.Time{}, false
	}
	return next, true
}
