// Package actuator sends watering commands to devices and waits for their
// confirmation. Transports: MQTT request/response and gRPC.
package actuator

import (
	"context"
	"math"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

// Pump run time bounds accepted by devices, in seconds.
const (
	MinPumpSeconds = 1
	MaxPumpSeconds = 300

	DefaultFlowMlPerSecond = 10.0
)

// Actuator asks a device to water and returns its confirmation. Water must
// honor ctx: a ctx that ends before the device answers yields an error
// wrapping model.ErrActuationTimeout.
type Actuator interface {
	Water(ctx context.Context, cmd model.DeviceCommand) (model.DeviceResponse, error)
}

// Func adapts a function to Actuator.
type Func func(ctx context.Context, cmd model.DeviceCommand) (model.DeviceResponse, error)

func (f Func) Water(ctx context.Context, cmd model.DeviceCommand) (model.DeviceResponse, error) {
	return f(ctx, cmd)
}

// FlowTable maps devices to their pump flow rate in ml/s.
type FlowTable struct {
	Default float64
	Devices map[string]float64
}

func (f FlowTable) rate(deviceID string) float64 {
	if r, ok := f.Devices[deviceID]; ok && r > 0 {
		return r
	}
	if f.Default > 0 {
		return f.Default
	}
	return DefaultFlowMlPerSecond
}

// Command builds the device command for amountMl, deriving the pump run time.
func (f FlowTable) Command(deviceID string, amountMl int) model.DeviceCommand {
	return model.DeviceCommand{
		DeviceID:        deviceID,
		WaterAmountMl:   amountMl,
		DurationSeconds: DurationFor(amountMl, f.rate(deviceID)),
	}
}

// DurationFor returns ceil(amount/flow) clamped to the pump limits.
func DurationFor(amountMl int, flowMlPerSecond float64) int {
	if flowMlPerSecond <= 0 {
		flowMlPerSecond = DefaultFlowMlPerSecond
	}
	secs := int(math.Ceil(float64(amountMl) / flowMlPerSecond))
	if secs < MinPumpSeconds {
		return MinPumpSeconds
	}
	if secs > MaxPumpSeconds {
		return MaxPumpSeconds
	}
	return secs
}
