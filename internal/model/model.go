package model

import (
	"github.com/LeonardoBeccarini/sdcc_watering/internal/model/entities"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/model/messages"
)

// Alias per esporre tipi comuni ai servizi

type (
	WateringSchedule  = entities.WateringSchedule
	SensorConditions  = entities.SensorConditions
	SensorSnapshot    = entities.SensorSnapshot
	WateringIntent    = entities.WateringIntent
	WateringHistory   = entities.WateringHistory
	SensorReadings    = entities.SensorReadings
	IntentReason      = entities.IntentReason
	WateringType      = entities.WateringType
	Outcome           = entities.Outcome
	SensorData        = messages.SensorData
	DeviceCommand     = messages.DeviceCommand
	DeviceResponse    = messages.DeviceResponse
	NotificationEvent = messages.NotificationEvent
	PumpCommand       = messages.PumpCommand
	PumpParameters    = messages.PumpParameters
	PumpResponse      = messages.PumpResponse
)

const (
	ReasonScheduled       = entities.ReasonScheduled
	ReasonSensorTriggered = entities.ReasonSensorTriggered
	ReasonBoth            = entities.ReasonBoth
	ReasonManual          = entities.ReasonManual

	WateringManual    = entities.WateringManual
	WateringAutomatic = entities.WateringAutomatic
	WateringScheduled = entities.WateringScheduled

	OutcomeSuccess = entities.OutcomeSuccess
	OutcomeFailed  = entities.OutcomeFailed
	OutcomeSkipped = entities.OutcomeSkipped

	InitiatorSystem  = entities.InitiatorSystem
	SkipMinInterval  = entities.SkipMinInterval
	SkipDeviceBusy   = entities.SkipDeviceBusy
	SkipShuttingDown = entities.SkipShuttingDown

	KindDeviceUnreachable      = messages.KindDeviceUnreachable
	KindPersistenceUnavailable = messages.KindPersistenceUnavailable
)

var (
	ErrStaleOrMissingSensorData = entities.ErrStaleOrMissingSensorData
	ErrDeviceBusy               = entities.ErrDeviceBusy
	ErrActuationTimeout         = entities.ErrActuationTimeout
	ErrActuationFailed          = entities.ErrActuationFailed
	ErrScheduleMisconfigured    = entities.ErrScheduleMisconfigured
	ErrPersistenceUnavailable   = entities.ErrPersistenceUnavailable
	ErrNotFound                 = entities.ErrNotFound

	NewHistory   = entities.NewHistory
	ReadingsFrom = entities.ReadingsFrom
	Float        = entities.Float
)
