package rabbitmq

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// IPublisher publishes a payload to an explicit topic.
type IPublisher interface {
	PublishTo(topic string, qos byte, retained bool, payload []byte) error
}

// Publisher is bound to one topic, like the services' per-topic publishers.
type Publisher struct {
	client mqtt.Client
	topic  string
	qos    byte
}

func NewPublisher(client mqtt.Client, topic string, qos byte) *Publisher {
	return &Publisher{client: client, topic: topic, qos: qos}
}

func (p *Publisher) PublishMessage(payload []byte) error {
	return publish(p.client, p.topic, p.qos, false, payload)
}

func publish(client mqtt.Client, topic string, qos byte, retained bool, payload []byte) error {
	if client == nil {
		return fmt.Errorf("publish %s: mqtt client is nil", topic)
	}
	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out after %s", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
