package kafkax

import (
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
)

// EventMeta is the canonical metadata carried on Kafka messages across consumers.
type EventMeta struct {
	EventID       string
	EventType     string
	Subject       string
	Sequence      int64
	CorrelationID string
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:       HeaderValue(msg.Headers, "event_id"),
		EventType:     HeaderValue(msg.Headers, "event_type"),
		Subject:       HeaderValue(msg.Headers, "subject"),
		CorrelationID: HeaderValue(msg.Headers, "correlation_id"),
	}
	if seq := HeaderValue(msg.Headers, "sequence"); seq != "" {
		meta.Sequence, _ = strconv.ParseInt(seq, 10, 64)
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	if meta.Subject == "" {
		meta.Subject = string(msg.Key)
	}
	return meta
}

func (m EventMeta) Headers() []kafka.Header {
	return []kafka.Header{
		{Key: "event_id", Value: []byte(m.EventID)},
		{Key: "event_type", Value: []byte(m.EventType)},
		{Key: "subject", Value: []byte(m.Subject)},
		{Key: "sequence", Value: []byte(strconv.FormatInt(m.Sequence, 10))},
		{Key: "correlation_id", Value: []byte(m.CorrelationID)},
	}
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
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
