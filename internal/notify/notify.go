// Package notify delivers operator alerts (device unreachable, persistence
// unavailable). Delivery is fire-and-forget: callers never block on a sink.
package notify

import (
	"log"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

// Sink receives alerts.
type Sink interface {
	Notify(deviceID, kind, message string)
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Notify(deviceID, kind, message string) {
	log.Printf("notify: [%s] device=%s %s", kind, deviceID, message)
}

// Multi fans an alert out to every sink.
type Multi []Sink

func (m Multi) Notify(deviceID, kind, message string) {
	for _, s := range m {
		if s != nil {
			s.Notify(deviceID, kind, message)
		}
	}
}

// Recorder keeps alerts in memory; used by tests and the ops API.
type Recorder struct {
	mu     sync.Mutex
	events []model.NotificationEvent
}

func (r *Recorder) Notify(deviceID, kind, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, model.NotificationEvent{
		DeviceID:  deviceID,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (r *Recorder) Events() []model.NotificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.NotificationEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many alerts of kind were recorded for deviceID.
func (r *Recorder) Count(deviceID, kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.DeviceID == deviceID && e.Kind == kind {
			n++
		}
	}
	return n
}
