package entities

import "time"

// SensorSnapshot is the latest reading of a device. Nil fields were not
// reported by the device.
type SensorSnapshot struct {
	DeviceID     string    `json:"deviceId"`
	SoilMoisture *float64  `json:"soilMoisture,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Humidity     *float64  `json:"humidity,omitempty"`
	Light        *float64  `json:"light,omitempty"`
	ObservedAt   time.Time `json:"observedAt"`
}

// Age returns how old the snapshot is at now. A zero ObservedAt is infinitely old.
func (s SensorSnapshot) Age(now time.Time) time.Duration {
	if s.ObservedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(s.ObservedAt)
}
