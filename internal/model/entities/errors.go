package entities

import "errors"

var (
	// ErrStaleOrMissingSensorData: a sensor condition cannot be confirmed.
	ErrStaleOrMissingSensorData = errors.New("stale or missing sensor data")
	// ErrDeviceBusy: another actuation holds the device lock.
	ErrDeviceBusy = errors.New("device busy")
	// ErrActuationTimeout: the device did not confirm within the bound.
	ErrActuationTimeout = errors.New("actuation timeout")
	// ErrActuationFailed: the device reported a failure.
	ErrActuationFailed = errors.New("actuation failed")
	// ErrScheduleMisconfigured: the schedule failed validation.
	ErrScheduleMisconfigured = errors.New("schedule misconfigured")
	// ErrPersistenceUnavailable: the history store rejected an append.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("not found")
)
