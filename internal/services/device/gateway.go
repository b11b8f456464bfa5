// Package device is the device gateway: it serves the gRPC DeviceService and
// forwards commands to the pumps over MQTT, refusing devices that stopped
// publishing sensor data.
package device

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/actuator"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/sensorfeed"
)

const ErrCodeOffline = "DEVICE_OFFLINE"

// Gateway is an Actuator that checks device liveness before forwarding.
// Liveness is the implicit heartbeat of the sensor-data topic.
type Gateway struct {
	next actuator.Actuator

	livenessTTL  time.Duration
	offlineGrace time.Duration
	poll         time.Duration
	now          func() time.Time

	lastSeen sync.Map // device id -> time.Time
}

var _ actuator.Actuator = (*Gateway)(nil)

func NewGateway(next actuator.Actuator, ttl, grace time.Duration) *Gateway {
	g := &Gateway{
		next:         next,
		livenessTTL:  60 * time.Second,
		offlineGrace: 5 * time.Second,
		poll:         200 * time.Millisecond,
		now:          time.Now,
	}
	if ttl > 0 {
		g.livenessTTL = ttl
	}
	if grace >= 0 {
		g.offlineGrace = grace
	}
	return g
}

// OnSensorData records a heartbeat for the device named in the topic.
func (g *Gateway) OnSensorData(topic string, _ mqtt.Message) error {
	if id := sensorfeed.DeviceFromTopic(topic); id != "" {
		g.Seen(id)
	}
	return nil
}

func (g *Gateway) Seen(deviceID string) { g.lastSeen.Store(deviceID, g.now()) }

func (g *Gateway) isLive(deviceID string) bool {
	if v, ok := g.lastSeen.Load(deviceID); ok {
		return g.now().Sub(v.(time.Time)) < g.livenessTTL
	}
	return false
}

func (g *Gateway) waitGraceAlive(ctx context.Context, deviceID string) bool {
	deadline := g.now().Add(g.offlineGrace)
	for g.now().Before(deadline) {
		if g.isLive(deviceID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(g.poll):
		}
	}
	return g.isLive(deviceID)
}

func (g *Gateway) Water(ctx context.Context, cmd model.DeviceCommand) (model.DeviceResponse, error) {
	if !g.isLive(cmd.DeviceID) && !g.waitGraceAlive(ctx, cmd.DeviceID) {
		log.Printf("device: %s offline, refusing command", cmd.DeviceID)
		return model.DeviceResponse{
			Success:   false,
			ErrorCode: ErrCodeOffline,
			Message:   fmt.Sprintf("no sensor data from %s within %s", cmd.DeviceID, g.livenessTTL),
		}, nil
	}
	resp, err := g.next.Water(ctx, cmd)
	if err != nil {
		log.Printf("device: command to %s failed: %v", cmd.DeviceID, err)
		return resp, err
	}
	log.Printf("device: %s watered %d ml (%ds) success=%v", cmd.DeviceID, cmd.WaterAmountMl, cmd.DurationSeconds, resp.Success)
	return resp, nil
}
