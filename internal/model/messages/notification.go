package messages

import "time"

// Notification kinds.
const (
	KindDeviceUnreachable      = "device_unreachable"
	KindPersistenceUnavailable = "persistence_unavailable"
)

// NotificationEvent is delivered fire-and-forget to alert sinks.
type NotificationEvent struct {
	DeviceID  string    `json:"device_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
