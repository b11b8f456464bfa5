// Package sensor_simulator emulates a plant device: it publishes sensor data
// and answers pump commands like the real firmware does.
package sensor_simulator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/pkg/dedup"
	"github.com/LeonardoBeccarini/sdcc_watering/pkg/rabbitmq"
)

type Topics struct {
	SensorData string // smartplant/{device}/sensor-data
	Command    string // smartplant/device/{device}/command
	Response   string // smartplant/device/{device}/response
}

func DefaultTopics() Topics {
	return Topics{
		SensorData: "smartplant/{device}/sensor-data",
		Command:    "smartplant/device/{device}/command",
		Response:   "smartplant/device/{device}/response",
	}
}

func (t Topics) For(tmpl, deviceID string) string {
	return strings.ReplaceAll(tmpl, "{device}", deviceID)
}

type SensorSimulator struct {
	deviceID  string
	topics    Topics
	generator *DataGenerator
	publisher rabbitmq.IPublisher
	consumer  rabbitmq.IConsumer
	deduper   *dedup.Deduper

	// FailEvery makes every n-th command fail with PUMP_ERROR; 0 disables.
	FailEvery int

	mu       sync.Mutex
	commands int
	pumpOn   bool
	timer    *time.Timer
}

func NewSensorSimulator(deviceID string, topics Topics, consumer rabbitmq.IConsumer, publisher rabbitmq.IPublisher,
	gen *DataGenerator) *SensorSimulator {
	s := &SensorSimulator{
		deviceID:  deviceID,
		topics:    topics,
		generator: gen,
		publisher: publisher,
		consumer:  consumer,
		deduper:   dedup.New(2*time.Minute, 10000),
	}
	if consumer != nil {
		consumer.SetHandler(s.HandleCommand)
	}
	return s
}

// Start publishes readings every interval and serves commands until ctx ends.
func (s *SensorSimulator) Start(ctx context.Context, interval time.Duration) {
	go func() {
		if err := s.consumer.ConsumeMessage(ctx); err != nil {
			log.Printf("sensor: command consumer: %v", err)
		}
	}()

	s.PublishReading()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.PublishReading()
		}
	}
}

func (s *SensorSimulator) PublishReading() {
	sd := s.generator.Next(s.deviceID)
	log.Printf("sensor: pub device=%s moisture=%.1f%%", s.deviceID, *sd.SoilMoisture)
	payload, _ := json.Marshal(sd)
	if err := s.publisher.PublishTo(s.topics.For(s.topics.SensorData, s.deviceID), 1, false, payload); err != nil {
		log.Printf("sensor: publish error: %v", err)
	}
}

// HandleCommand executes a pump command and publishes the response.
func (s *SensorSimulator) HandleCommand(_ string, msg mqtt.Message) error {
	h := sha256.Sum256(msg.Payload())
	if s.deduper != nil && !s.deduper.ShouldProcess(hex.EncodeToString(h[:])) {
		return nil
	}

	var cmd model.PumpCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		return fmt.Errorf("invalid pump command: %w", err)
	}
	resp := s.apply(cmd)
	payload, _ := json.Marshal(resp)
	return s.publisher.PublishTo(s.topics.For(s.topics.Response, s.deviceID), 1, false, payload)
}

func (s *SensorSimulator) apply(cmd model.PumpCommand) model.PumpResponse {
	resp := model.PumpResponse{Command: cmd.Command, CommandID: cmd.CommandID, Status: "success"}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands++

	switch {
	case cmd.Command != "pump_on" && cmd.Command != "pump_off":
		resp.Status, resp.ErrorCode, resp.Message = "error", "UNKNOWN_COMMAND", cmd.Command
	case cmd.Command == "pump_on" && (cmd.Parameters.Duration < 1 || cmd.Parameters.Duration > 300):
		resp.Status, resp.ErrorCode = "error", "INVALID_DURATION"
		resp.Message = fmt.Sprintf("duration %ds outside 1..300", cmd.Parameters.Duration)
	case s.FailEvery > 0 && s.commands%s.FailEvery == 0:
		resp.Status, resp.ErrorCode, resp.Message = "error", "PUMP_ERROR", "simulated pump failure"
	case cmd.Command == "pump_off":
		s.stopLocked()
		resp.Message = "pump off"
	default:
		s.startLocked(time.Duration(cmd.Parameters.Duration) * time.Second)
		s.generator.ApplyWatering(cmd.Parameters.WaterAmountMl)
		resp.Message = fmt.Sprintf("pump on for %ds", cmd.Parameters.Duration)
	}
	log.Printf("sensor: %s %s -> %s %s", s.deviceID, cmd.Command, resp.Status, resp.Message)
	return resp
}

func (s *SensorSimulator) startLocked(d time.Duration) {
	s.stopLocked()
	s.pumpOn = true
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pumpOn = false
		s.timer = nil
	})
}

func (s *SensorSimulator) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pumpOn = false
}

func (s *SensorSimulator) PumpOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pumpOn
}
