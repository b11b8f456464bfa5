package messages

import "time"

// DeviceCommand asks a device to open its valve.
type DeviceCommand struct {
	DeviceID        string `json:"deviceId"`
	WaterAmountMl   int    `json:"waterAmountMl"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// DeviceResponse is the device's confirmation.
type DeviceResponse struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

// PumpCommand is the MQTT envelope published on smartplant/device/{id}/command.
type PumpCommand struct {
	Command    string         `json:"command"` // pump_on | pump_off
	Parameters PumpParameters `json:"parameters"`
	CommandID  string         `json:"commandId"`
	Timestamp  time.Time      `json:"timestamp"`
}

type PumpParameters struct {
	Duration      int    `json:"duration"` // seconds
	WaterAmountMl int    `json:"waterAmountMl,omitempty"`
	State         string `json:"state"` // ON | OFF
}

// PumpResponse is what devices publish on smartplant/device/{id}/response.
type PumpResponse struct {
	Command   string `json:"command"`
	CommandID string `json:"commandId"`
	Status    string `json:"status"` // success | error
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}
