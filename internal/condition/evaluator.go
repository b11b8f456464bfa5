// Package condition decides whether a schedule's sensor thresholds currently
// justify watering. Everything here is pure and safe for concurrent use.
package condition

import (
	"time"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

// DefaultFreshness is the maximum age of a reading still considered trustworthy.
const DefaultFreshness = 10 * time.Minute

// Evaluator binds a freshness threshold and a clock to Evaluate.
type Evaluator struct {
	Freshness time.Duration
	Now       func() time.Time
}

func NewEvaluator(freshness time.Duration) Evaluator {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return Evaluator{Freshness: freshness, Now: time.Now}
}

func (e Evaluator) Evaluate(conds model.SensorConditions, snap model.SensorSnapshot) (met, missingData bool) {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	return Evaluate(conds, snap, now, e.Freshness)
}

// Evaluate returns met=true only when every declared condition holds on a
// fresh snapshot. missingData=true means the snapshot is stale or lacks a
// field a declared condition needs; met is always false in that case.
// A schedule without conditions is met and needs no data.
func Evaluate(conds model.SensorConditions, snap model.SensorSnapshot, now time.Time, freshness time.Duration) (met, missingData bool) {
	if conds.IsEmpty() {
		return true, false
	}
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if snap.Age(now) > freshness {
		return false, true
	}

	met = true
	if th := conds.SoilMoistureBelow; th != nil {
		if snap.SoilMoisture == nil {
			return false, true
		}
		met = met && *snap.SoilMoisture < *th
	}
	if th := conds.TemperatureAbove; th != nil {
		if snap.Temperature == nil {
			return false, true
		}
		met = met && *snap.Temperature > *th
	}
	return met, false
}
