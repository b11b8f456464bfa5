package entities

import "time"

// IntentReason explains why an intent was emitted.
type IntentReason string

const (
	ReasonScheduled       IntentReason = "Scheduled"
	ReasonSensorTriggered IntentReason = "SensorTriggered"
	ReasonBoth            IntentReason = "Both"
	ReasonManual          IntentReason = "Manual"
)

// WateringType is the history classification of a watering.
type WateringType string

const (
	WateringManual    WateringType = "manual"
	WateringAutomatic WateringType = "automatic"
	WateringScheduled WateringType = "scheduled"
)

// Outcome of an attempted watering.
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailed  Outcome = "Failed"
	OutcomeSkipped Outcome = "Skipped"
)

// InitiatorSystem marks automatic waterings.
const InitiatorSystem = "system"

// Skip reasons recorded in history.
const (
	SkipMinInterval  = "min-interval"
	SkipDeviceBusy   = "device busy"
	SkipShuttingDown = "shutting down"
)

// WateringIntent is an internal, not-yet-executed decision to water a device.
type WateringIntent struct {
	ScheduleID    string
	DeviceID      string
	WaterAmountMl int
	Reason        IntentReason
	RequestedAt   time.Time
	InitiatedBy   string
	SensorBefore  *SensorSnapshot
}

// Type maps the intent reason onto the history classification.
func (i WateringIntent) Type() WateringType {
	switch i.Reason {
	case ReasonManual:
		return WateringManual
	case ReasonScheduled:
		return WateringScheduled
	default:
		return WateringAutomatic
	}
}

// SensorReadings is the snapshot stored with a history entry. "After" is only
// set when a fresh reading arrived after actuation.
type SensorReadings struct {
	MoistureBefore *float64 `json:"moistureBefore,omitempty"`
	MoistureAfter  *float64 `json:"moistureAfter,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	Humidity       *float64 `json:"humidity,omitempty"`
	Light          *float64 `json:"light,omitempty"`
}

// ReadingsFrom copies the "before" side of a snapshot.
func ReadingsFrom(s *SensorSnapshot) SensorReadings {
	if s == nil {
		return SensorReadings{}
	}
	return SensorReadings{
		MoistureBefore: s.SoilMoisture,
		Temperature:    s.Temperature,
		Humidity:       s.Humidity,
		Light:          s.Light,
	}
}

// WateringHistory is one append-only record per intent.
type WateringHistory struct {
	ID              string         `json:"id"`
	DeviceID        string         `json:"deviceId"`
	ScheduleID      string         `json:"scheduleId,omitempty"`
	WateringType    WateringType   `json:"wateringType"`
	WaterAmountMl   int            `json:"waterAmountMl"`
	DurationSeconds *int           `json:"durationSeconds,omitempty"`
	InitiatedBy     string         `json:"initiatedBy"`
	SensorReadings  SensorReadings `json:"sensorReadings"`
	Outcome         Outcome        `json:"outcome"`
	Reason          string         `json:"reason,omitempty"`
	RequestedAt     time.Time      `json:"requestedAt"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// NewHistory builds the history entry skeleton for an intent.
func NewHistory(in WateringIntent, outcome Outcome, reason string) WateringHistory {
	return WateringHistory{
		DeviceID:       in.DeviceID,
		ScheduleID:     in.ScheduleID,
		WateringType:   in.Type(),
		WaterAmountMl:  in.WaterAmountMl,
		InitiatedBy:    in.InitiatedBy,
		SensorReadings: ReadingsFrom(in.SensorBefore),
		Outcome:        outcome,
		Reason:         reason,
		RequestedAt:    in.RequestedAt,
	}
}
