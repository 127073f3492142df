package kafka

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
)

// OutgoingMessage is a message handed to the producer
type OutgoingMessage struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

func (m OutgoingMessage) toKafka() kafka.Message {
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headers := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(m.Headers[k])})
	}

	return kafka.Message{
		Key:     []byte(m.Key),
		Value:   m.Value,
		Headers: headers,
	}
}

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string
}

func newIncoming(msg kafka.Message) *IncomingMessage {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &IncomingMessage{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Topic:     msg.Topic,
	}
}

// Decode unmarshals the message value into v
func (m *IncomingMessage) Decode(v any) error {
	return json.Unmarshal(m.Value, v)
}

// EventType returns the event_type header
func (m *IncomingMessage) EventType() string {
	return m.Headers["event_type"]
}
