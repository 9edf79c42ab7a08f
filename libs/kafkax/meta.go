package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
)

// EventMeta is the metadata carried on every outbox message. The aggregate id
// travels as the message key so all events of one slot share a partition.
type EventMeta struct {
	EventID       string
	EventType     string
	AggregateType string
	AggregateID   string
}

// Message builds a message on the topic named after the event type.
func (m EventMeta) Message(payload []byte) kafka.Message {
	return kafka.Message{
		Topic: m.EventType,
		Key:   []byte(m.AggregateID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(m.EventID)},
			{Key: HeaderEventType, Value: []byte(m.EventType)},
			{Key: HeaderAggregateType, Value: []byte(m.AggregateType)},
		},
	}
}

// ExtractEventMeta reads the headers written by Message, falling back to the
// key and topic for messages produced elsewhere.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:       HeaderValue(msg.Headers, HeaderEventID),
		EventType:     HeaderValue(msg.Headers, HeaderEventType),
		AggregateType: HeaderValue(msg.Headers, HeaderAggregateType),
		AggregateID:   string(msg.Key),
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
