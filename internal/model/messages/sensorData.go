package messages

import (
	"time"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model/entities"
)

// SensorData is the payload devices publish on smartplant/{device}/sensor-data.
// The device id travels in the topic; DeviceID is filled when present.
type SensorData struct {
	DeviceID       string     `json:"deviceId,omitempty"`
	SoilMoisture   *float64   `json:"soilMoisture,omitempty"`
	Temperature    *float64   `json:"temperature,omitempty"`
	AirHumidity    *float64   `json:"airHumidity,omitempty"`
	LightIntensity *float64   `json:"lightIntensity,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

// Snapshot converts the payload; receivedAt is used when the device sent no timestamp.
func (d SensorData) Snapshot(deviceID string, receivedAt time.Time) entities.SensorSnapshot {
	observed := receivedAt
	if d.Timestamp != nil && !d.Timestamp.IsZero() {
		observed = *d.Timestamp
	}
	return entities.SensorSnapshot{
		DeviceID:     deviceID,
		SoilMoisture: d.SoilMoisture,
		Temperature:  d.Temperature,
		Humidity:     d.AirHumidity,
		Light:        d.LightIntensity,
		ObservedAt:   observed,
	}
}
