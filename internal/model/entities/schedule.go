package entities

import (
	"fmt"
	"strings"
)

// SensorConditions holds the optional thresholds a schedule can declare.
// A nil field means the condition is not declared.
type SensorConditions struct {
	SoilMoistureBelow *float64 `json:"soilMoistureBelow,omitempty" yaml:"soilMoistureBelow,omitempty"`
	TemperatureAbove  *float64 `json:"temperatureAbove,omitempty" yaml:"temperatureAbove,omitempty"`
}

// IsEmpty reports whether no threshold is declared.
func (c SensorConditions) IsEmpty() bool {
	return c.SoilMoistureBelow == nil && c.TemperatureAbove == nil
}

// WateringSchedule is a persisted rule combining a cron cadence and/or sensor
// thresholds for one device.
type WateringSchedule struct {
	ID                  string           `json:"id" yaml:"id"`
	DeviceID            string           `json:"ownerDeviceId" yaml:"ownerDeviceId"`
	Name                string           `json:"name" yaml:"name"`
	CronExpression      string           `json:"cronExpression" yaml:"cronExpression"`
	WaterAmountMl       int              `json:"waterAmountMl" yaml:"waterAmountMl"`
	IsActive            bool             `json:"isActive" yaml:"isActive"`
	OnlySensorTriggered bool             `json:"onlySensorTriggered" yaml:"onlySensorTriggered"`
	SensorConditions    SensorConditions `json:"sensorConditions" yaml:"sensorConditions"`
}

// HasConditions reports whether the schedule gates on sensor readings.
func (s WateringSchedule) HasConditions() bool { return !s.SensorConditions.IsEmpty() }

// Validate rejects schedules that must never reach the decision engine.
func (s WateringSchedule) Validate() error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return fmt.Errorf("%w: id is required", ErrScheduleMisconfigured)
	case strings.TrimSpace(s.DeviceID) == "":
		return fmt.Errorf("%w: schedule %s: ownerDeviceId is required", ErrScheduleMisconfigured, s.ID)
	case strings.TrimSpace(s.CronExpression) == "":
		return fmt.Errorf("%w: schedule %s: cronExpression is required", ErrScheduleMisconfigured, s.ID)
	case s.WaterAmountMl < 1:
		return fmt.Errorf("%w: schedule %s: waterAmountMl must be >= 1", ErrScheduleMisconfigured, s.ID)
	case s.OnlySensorTriggered && s.SensorConditions.IsEmpty():
		return fmt.Errorf("%w: schedule %s: onlySensorTriggered requires sensorConditions", ErrScheduleMisconfigured, s.ID)
	}
	return nil
}

// Float is a helper for building optional thresholds.
func Float(v float64) *float64 { return &v }
