package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	gonanoid "github.com/matoous/go-nanoid"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/pkg/rabbitmq"
)

const (
	DefaultCommandTopic  = "smartplant/device/{device}/command"
	DefaultResponseTopic = "smartplant/device/+/response"

	commandAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// MQTT publishes pump commands and matches device responses by command id.
type MQTT struct {
	pub       rabbitmq.IPublisher
	sub       rabbitmq.ISubscriber
	cmdTopic  string
	respTopic string

	mu      sync.Mutex
	pending map[string]chan model.PumpResponse
}

var _ Actuator = (*MQTT)(nil)

func NewMQTT(pub rabbitmq.IPublisher, sub rabbitmq.ISubscriber, cmdTopic, respTopic string) *MQTT {
	if strings.TrimSpace(cmdTopic) == "" {
		cmdTopic = DefaultCommandTopic
	}
	if strings.TrimSpace(respTopic) == "" {
		respTopic = DefaultResponseTopic
	}
	return &MQTT{
		pub:       pub,
		sub:       sub,
		cmdTopic:  cmdTopic,
		respTopic: respTopic,
		pending:   make(map[string]chan model.PumpResponse),
	}
}

// Start subscribes to device responses until ctx ends.
func (a *MQTT) Start(ctx context.Context) error {
	if err := a.sub.Subscribe(a.respTopic, rabbitmq.QosFor(a.respTopic), a.HandleResponse); err != nil {
		return err
	}
	log.Printf("actuator: waiting for device responses on %s", a.respTopic)
	go func() {
		<-ctx.Done()
		_ = a.sub.Unsubscribe(a.respTopic)
	}()
	return nil
}

func (a *MQTT) Water(ctx context.Context, cmd model.DeviceCommand) (model.DeviceResponse, error) {
	id, err := gonanoid.Generate(commandAlphabet, 16)
	if err != nil {
		return model.DeviceResponse{}, fmt.Errorf("command id: %w", err)
	}
	ch := make(chan model.PumpResponse, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	payload, err := json.Marshal(model.PumpCommand{
		Command: "pump_on",
		Parameters: model.PumpParameters{
			Duration:      cmd.DurationSeconds,
			WaterAmountMl: cmd.WaterAmountMl,
			State:         "ON",
		},
		CommandID: id,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return model.DeviceResponse{}, err
	}
	topic := strings.ReplaceAll(a.cmdTopic, "{device}", cmd.DeviceID)
	if err := a.pub.PublishTo(topic, 1, false, payload); err != nil {
		return model.DeviceResponse{}, fmt.Errorf("%w: %v", model.ErrActuationFailed, err)
	}

	select {
	case resp := <-ch:
		return toDeviceResponse(resp), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.DeviceResponse{}, fmt.Errorf("%w: command %s to %s", model.ErrActuationTimeout, id, cmd.DeviceID)
		}
		return model.DeviceResponse{}, ctx.Err()
	}
}

// HandleResponse delivers a device response to the waiting Water call.
// Unknown or late command ids are dropped.
func (a *MQTT) HandleResponse(topic string, msg mqtt.Message) error {
	var resp model.PumpResponse
	if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
		log.Printf("actuator: bad response on %s: %v", topic, err)
		return nil
	}
	a.mu.Lock()
	ch, ok := a.pending[resp.CommandID]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- resp:
	default:
	}
	return nil
}

// Pending is the number of commands awaiting a response.
func (a *MQTT) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func toDeviceResponse(r model.PumpResponse) model.DeviceResponse {
	if strings.EqualFold(r.Status, "success") {
		return model.DeviceResponse{Success: true, Message: r.Message}
	}
	code := r.ErrorCode
	if code == "" {
		code = "DEVICE_ERROR"
	}
	return model.DeviceResponse{Success: false, ErrorCode: code, Message: r.Message}
}
