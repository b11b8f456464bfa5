package history

import (
	"log"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

const measurement = "watering_event"

// HistoryToPoint normalizes a history entry into an InfluxDB point.
func HistoryToPoint(h model.WateringHistory) *write.Point {
	tags := map[string]string{
		"device_id":     h.DeviceID,
		"outcome":       string(h.Outcome),
		"watering_type": string(h.WateringType),
	}
	if h.ScheduleID != "" {
		tags["schedule_id"] = h.ScheduleID
	}

	fields := map[string]interface{}{
		"count":           int64(1),
		"water_amount_ml": int64(h.WaterAmountMl),
	}
	if h.Reason != "" {
		fields["reason"] = h.Reason
	}
	if h.DurationSeconds != nil {
		fields["duration_seconds"] = int64(*h.DurationSeconds)
	}
	if v := h.SensorReadings.MoistureBefore; v != nil {
		fields["moisture_before"] = *v
	}
	if v := h.SensorReadings.MoistureAfter; v != nil {
		fields["moisture_after"] = *v
	}
	if !h.RequestedAt.IsZero() {
		fields["latency_ms"] = h.CreatedAt.Sub(h.RequestedAt).Milliseconds()
	}

	return influxdb2.NewPoint(measurement, tags, fields, h.CreatedAt)
}

// InfluxMirror writes entries through the asynchronous WriteAPI and tracks
// the last write error for readiness checks.
type InfluxMirror struct {
	api     api.WriteAPI
	mu      sync.RWMutex
	lastErr time.Time
	written int64
}

func NewInfluxMirror(w api.WriteAPI) *InfluxMirror {
	m := &InfluxMirror{api: w, lastErr: time.Now().Add(-24 * time.Hour)}
	go func() {
		for err := range w.Errors() {
			if err != nil {
				m.mu.Lock()
				m.lastErr = time.Now()
				m.mu.Unlock()
				log.Printf("history: influx write error: %v", err)
			}
		}
	}()
	return m
}

func (m *InfluxMirror) Write(h model.WateringHistory) {
	m.api.WritePoint(HistoryToPoint(h))
	m.mu.Lock()
	m.written++
	m.mu.Unlock()
}

// LastErrorAge reports how long ago the last write error happened.
func (m *InfluxMirror) LastErrorAge() time.Duration {
	if m == nil {
		return 99999 * time.Hour
	}
	m.mu.RLock()
	t := m.lastErr
	m.mu.RUnlock()
	return time.Since(t)
}

func (m *InfluxMirror) Written() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.written
}
