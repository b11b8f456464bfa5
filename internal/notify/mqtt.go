package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/pkg/rabbitmq"
)

// DefaultAlertTopic is formatted with the device id.
const DefaultAlertTopic = "smartplant/alerts/%s"

// MQTTSink publishes a NotificationEvent per alert.
type MQTTSink struct {
	pub   rabbitmq.IPublisher
	topic string
}

func NewMQTTSink(pub rabbitmq.IPublisher, topicFmt string) *MQTTSink {
	if topicFmt == "" {
		topicFmt = DefaultAlertTopic
	}
	return &MQTTSink{pub: pub, topic: topicFmt}
}

func (s *MQTTSink) Notify(deviceID, kind, message string) {
	evt := model.NotificationEvent{
		DeviceID:  deviceID,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	b, err := json.Marshal(evt)
	if err != nil {
		log.Printf("notify: marshal %s alert: %v", kind, err)
		return
	}
	topic := fmt.Sprintf(s.topic, deviceID)
	go func() {
		if err := s.pub.PublishTo(topic, rabbitmq.QosFor(topic), false, b); err != nil {
			log.Printf("notify: publish %s: %v", topic, err)
		}
	}()
}
