package trigger

import (
	"log"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

// DefaultGranularity is the tick window used to match cron instants.
const DefaultGranularity = 60 * time.Second

// ScheduleFired is emitted once per schedule per firing instant.
type ScheduleFired struct {
	ScheduleID string
	FiredAt    time.Time
}

type compiled struct {
	expr string
	cron Cron
}

// Clock matches active schedules against the current tick window.
type Clock struct {
	granularity time.Duration
	loc         *time.Location

	mu        sync.Mutex
	crons     map[string]compiled  // scheduleID -> parsed cron
	lastFired map[string]time.Time // scheduleID -> last reported instant
	lastTick  time.Time
}

func NewClock(granularity time.Duration, loc *time.Location) *Clock {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	if loc == nil {
		loc = time.Local
	}
	return &Clock{
		granularity: granularity,
		loc:         loc,
		crons:       make(map[string]compiled),
		lastFired:   make(map[string]time.Time),
	}
}

func (c *Clock) Granularity() time.Duration { return c.granularity }

// Cron returns the compiled expression of a schedule, parsing it only when
// the schedule is new or its expression changed.
func (c *Clock) Cron(s model.WateringSchedule) (Cron, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cronLocked(s)
}

func (c *Clock) cronLocked(s model.WateringSchedule) (Cron, error) {
	if cc, ok := c.crons[s.ID]; ok && cc.expr == s.CronExpression {
		return cc.cron, nil
	}
	cr, err := Compile(s.CronExpression)
	if err != nil {
		delete(c.crons, s.ID)
		return Cron{}, err
	}
	c.crons[s.ID] = compiled{expr: s.CronExpression, cron: cr}
	return cr, nil
}

// Due reports whether the schedule's cron has an instant in the fixed window
// (now-granularity, now], evaluated in the clock's location.
func (c *Clock) Due(cr Cron, now time.Time) (time.Time, bool) {
	return cr.FiresWithin(now.In(c.loc), c.granularity)
}

// windowStart returns the exclusive lower bound of the tick ending at now.
// It continues from the previous tick unless that tick is missing, in the
// future, or further back than two granularities.
func (c *Clock) windowStart(now time.Time) time.Time {
	from := now.Add(-c.granularity)
	if !c.lastTick.IsZero() && c.lastTick.Before(now) && now.Sub(c.lastTick) <= 2*c.granularity {
		from = c.lastTick
	}
	return from
}

// Tick evaluates every active schedule against the window ending at now and
// returns one event per matching schedule. A schedule never fires twice for
// the same instant.
func (c *Clock) Tick(now time.Time, schedules []model.WateringSchedule) []ScheduleFired {
	c.mu.Lock()
	defer c.mu.Unlock()

	now = now.In(c.loc)
	from := c.windowStart(now)
	if now.After(c.lastTick) {
		c.lastTick = now
	}

	seen := make(map[string]struct{}, len(schedules))
	var out []ScheduleFired
	for _, s := range schedules {
		seen[s.ID] = struct{}{}
		if !s.IsActive {
			continue
		}
		cr, err := c.cronLocked(s)
		if err != nil {
			log.Printf("trigger: schedule %s: %v", s.ID, err)
			continue
		}
		at, ok := cr.FiresBetween(from, now)
		if !ok {
			continue
		}
		if prev, had := c.lastFired[s.ID]; had && !at.After(prev) {
			continue
		}
		c.lastFired[s.ID] = at
		out = append(out, ScheduleFired{ScheduleID: s.ID, FiredAt: at})
	}

	for id := range c.crons {
		if _, ok := seen[id]; !ok {
			delete(c.crons, id)
			delete(c.lastFired, id)
		}
	}
	return out
}
