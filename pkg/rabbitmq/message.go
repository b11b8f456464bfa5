package rabbitmq

import mqtt "github.com/eclipse/paho.mqtt.golang"

// StaticMessage is an in-memory mqtt.Message for handlers driven without a broker.
type StaticMessage struct {
	TopicName string
	Body      []byte
}

var _ mqtt.Message = StaticMessage{}

func NewMessage(topic string, payload []byte) StaticMessage {
	return StaticMessage{TopicName: topic, Body: payload}
}

func (m StaticMessage) Duplicate() bool   { return false }
func (m StaticMessage) Qos() byte         { return QosFor(m.TopicName) }
func (m StaticMessage) Retained() bool    { return false }
func (m StaticMessage) Topic() string     { return m.TopicName }
func (m StaticMessage) MessageID() uint16 { return 0 }
func (m StaticMessage) Payload() []byte   { return m.Body }
func (m StaticMessage) Ack()              {}
