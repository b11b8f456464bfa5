package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler processes one message; the topic is the concrete topic it arrived on.
type Handler func(topic string, message mqtt.Message) error

// IConsumer subscribes a handler and blocks until ctx is done.
type IConsumer interface {
	ConsumeMessage(ctx context.Context) error
	SetHandler(handler Handler)
}

// ISubscriber is the subset of mqtt.Client used for request/response flows.
type ISubscriber interface {
	Subscribe(topic string, qos byte, handler Handler) error
	Unsubscribe(topics ...string) error
}

// QosFor: sensor data and device responses need at-least-once delivery.
func QosFor(topic string) byte {
	t := strings.TrimSpace(topic)
	if strings.HasSuffix(t, "/sensor-data") ||
		strings.HasSuffix(t, "/response") ||
		strings.HasPrefix(t, "smartplant/alerts") {
		return 1
	}
	return 0
}

// Consumer subscribes one or more topic filters on a shared client.
type Consumer struct {
	client  mqtt.Client
	topics  []string
	handler Handler
}

var _ IConsumer = (*Consumer)(nil)

func NewConsumer(client mqtt.Client, handler Handler, topics ...string) *Consumer {
	return &Consumer{client: client, topics: topics, handler: handler}
}

func (c *Consumer) SetHandler(handler Handler) { c.handler = handler }

func (c *Consumer) ConsumeMessage(ctx context.Context) error {
	for _, topic := range c.topics {
		topic := topic
		token := c.client.Subscribe(topic, QosFor(topic), func(_ mqtt.Client, msg mqtt.Message) {
			if c.handler == nil {
				log.Printf("mqtt: no handler set for topic %s", topic)
				return
			}
			if err := c.handler(msg.Topic(), msg); err != nil {
				log.Printf("mqtt: error handling message on %s: %v", msg.Topic(), err)
			}
		})
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("subscribe %s: %w", topic, token.Error())
		}
		log.Printf("mqtt: subscribed to %s", topic)
	}

	<-ctx.Done()

	if t := c.client.Unsubscribe(c.topics...); t != nil {
		t.Wait()
	}
	return nil
}

// Bus adapts an mqtt.Client to ISubscriber and IPublisher.
type Bus struct {
	Client mqtt.Client
}

var (
	_ ISubscriber = Bus{}
	_ IPublisher  = Bus{}
)

func (b Bus) Subscribe(topic string, qos byte, handler Handler) error {
	token := b.Client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg); err != nil {
			log.Printf("mqtt: error handling message on %s: %v", msg.Topic(), err)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	return nil
}

func (b Bus) Unsubscribe(topics ...string) error {
	token := b.Client.Unsubscribe(topics...)
	token.Wait()
	return token.Error()
}

func (b Bus) PublishTo(topic string, qos byte, retained bool, payload []byte) error {
	return publish(b.Client, topic, qos, retained, payload)
}

func (b Bus) Connected() bool { return b.Client != nil && b.Client.IsConnectionOpen() }
