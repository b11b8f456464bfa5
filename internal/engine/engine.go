// Package engine decides, per schedule and per tick, whether to emit a
// watering intent, and drives the tick loop.
//
// Sensor conditions are only read when a schedule's cron fires, including
// for onlySensorTriggered schedules: "0 */6 * * *" checks the soil every six
// hours, "* * * * *" on every tick. A new reading never triggers evaluation.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/condition"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/history"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/metrics"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/sensorfeed"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/trigger"
)

const DefaultMinInterval = 30 * time.Minute

// Decisions recorded in EvalState.LastDecision.
const (
	DecisionMissingData = "missing-data"
	DecisionUnmet       = "conditions-unmet"
	DecisionMinInterval = model.SkipMinInterval
	DecisionNoHistory   = "history-unavailable"
	DecisionEmitted     = "emitted"
)

type Config struct {
	Freshness   time.Duration
	MinInterval time.Duration
}

type Engine struct {
	eval        condition.Evaluator
	minInterval time.Duration
	cache       sensorfeed.Cache
	recorder    *history.Recorder
	reg         *Registry
	metrics     *metrics.Metrics
}

func New(cfg Config, cache sensorfeed.Cache, rec *history.Recorder, reg *Registry, m *metrics.Metrics) *Engine {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if reg == nil {
		reg = NewRegistry()
	}
	return &Engine{
		eval:        condition.NewEvaluator(cfg.Freshness),
		minInterval: cfg.MinInterval,
		cache:       cache,
		recorder:    rec,
		reg:         reg,
		metrics:     m,
	}
}

func (e *Engine) Registry() *Registry { return e.reg }

// Evaluate returns the intent for sched at now, or nil. fire is the cron
// fire of this tick; without one nothing is evaluated, since the cron is the
// evaluation cadence of sensor-only schedules too. Sensor data that is stale
// or missing yields a nil intent and an error wrapping
// model.ErrStaleOrMissingSensorData.
func (e *Engine) Evaluate(ctx context.Context, sched model.WateringSchedule, fire *trigger.ScheduleFired, now time.Time) (*model.WateringIntent, error) {
	if !sched.IsActive || fire == nil {
		return nil, nil
	}
	if !e.reg.begin(sched.ID, fire.FiredAt, now) {
		return nil, nil
	}

	var (
		decision   = DecisionUnmet
		snapshotAt time.Time
		intentAt   time.Time
	)
	defer func() { e.reg.finish(sched.ID, decision, snapshotAt, intentAt) }()

	var snap *model.SensorSnapshot
	if sched.HasConditions() {
		s, ok, err := e.cache.Latest(ctx, sched.DeviceID)
		if err != nil {
			log.Printf("engine: schedule %s: sensor cache: %v", sched.ID, err)
		}
		if ok {
			snap = &s
			snapshotAt = s.ObservedAt
		}
		var current model.SensorSnapshot
		if snap != nil {
			current = *snap
		}
		met, missing := e.eval.Evaluate(sched.SensorConditions, current)
		if missing {
			decision = DecisionMissingData
			return nil, fmt.Errorf("schedule %s device %s: %w", sched.ID, sched.DeviceID, model.ErrStaleOrMissingSensorData)
		}
		if !met {
			return nil, nil
		}
	}

	in := &model.WateringIntent{
		ScheduleID:    sched.ID,
		DeviceID:      sched.DeviceID,
		WaterAmountMl: sched.WaterAmountMl,
		Reason:        reasonFor(sched),
		RequestedAt:   now.UTC(),
		InitiatedBy:   model.InitiatorSystem,
		SensorBefore:  snap,
	}

	if e.recorder != nil {
		last, err := e.recorder.LastSuccessful(ctx, sched.DeviceID)
		if err != nil {
			decision = DecisionNoHistory
			return nil, fmt.Errorf("schedule %s: last successful watering: %w", sched.ID, err)
		}
		if last != nil && now.Sub(last.CreatedAt) < e.minInterval {
			decision = DecisionMinInterval
			h := model.NewHistory(*in, model.OutcomeSkipped, model.SkipMinInterval)
			h.CreatedAt = now.UTC()
			if _, err := e.recorder.Append(ctx, h); err != nil {
				log.Printf("engine: schedule %s: record min-interval skip: %v", sched.ID, err)
			}
			log.Printf("engine: schedule %s suppressed, device %s watered %s ago", sched.ID, sched.DeviceID, now.Sub(last.CreatedAt).Round(time.Second))
			return nil, nil
		}
	}

	decision = DecisionEmitted
	intentAt = now
	e.metrics.Intent(string(in.Reason))
	return in, nil
}

func reasonFor(s model.WateringSchedule) model.IntentReason {
	switch {
	case s.OnlySensorTriggered:
		return model.ReasonSensorTriggered
	case s.HasConditions():
		return model.ReasonBoth
	default:
		return model.ReasonScheduled
	}
}
