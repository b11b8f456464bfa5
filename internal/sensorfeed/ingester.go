package sensorfeed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/pkg/dedup"
	"github.com/LeonardoBeccarini/sdcc_watering/pkg/rabbitmq"
)

// DefaultTopic matches smartplant/{deviceKey}/sensor-data.
const DefaultTopic = "smartplant/+/sensor-data"

// Ingester turns telemetry messages into cached snapshots.
type Ingester struct {
	consumer rabbitmq.IConsumer
	cache    Cache
	deduper  *dedup.Deduper
	now      func() time.Time
	onSnap   func(model.SensorSnapshot)
}

func NewIngester(c rabbitmq.IConsumer, cache Cache) *Ingester {
	in := &Ingester{
		consumer: c,
		cache:    cache,
		deduper:  dedup.New(10*time.Minute, 20000),
		now:      time.Now,
	}
	if c != nil {
		c.SetHandler(in.Handle)
	}
	return in
}

// OnSnapshot registers a callback invoked after each stored snapshot.
func (in *Ingester) OnSnapshot(fn func(model.SensorSnapshot)) { in.onSnap = fn }

func (in *Ingester) Start(ctx context.Context) error {
	return in.consumer.ConsumeMessage(ctx)
}

// Handle is the MQTT handler. Bad payloads are logged and dropped.
func (in *Ingester) Handle(topic string, msg mqtt.Message) error {
	// QoS1 redeliveries carry an identical payload
	h := sha256.Sum256(append([]byte(topic+"|"), msg.Payload()...))
	if !in.deduper.ShouldProcess(hex.EncodeToString(h[:])) {
		return nil
	}

	deviceID := DeviceFromTopic(topic)
	var data model.SensorData
	if err := json.Unmarshal(msg.Payload(), &data); err != nil {
		log.Printf("sensorfeed: bad payload on %s: %v", topic, err)
		return nil
	}
	if deviceID == "" {
		deviceID = data.DeviceID
	}
	if deviceID == "" {
		log.Printf("sensorfeed: no device id on %s", topic)
		return nil
	}

	snap := data.Snapshot(deviceID, in.now().UTC())
	if err := in.cache.Put(context.Background(), snap); err != nil {
		return err
	}
	if in.onSnap != nil {
		in.onSnap(snap)
	}
	return nil
}

// DeviceFromTopic extracts the device key from smartplant/{device}/sensor-data.
func DeviceFromTopic(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) == 3 && parts[0] == "smartplant" && parts[2] == "sensor-data" {
		return parts[1]
	}
	return ""
}
