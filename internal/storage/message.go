package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is an event, command or trigger record flowing through the inbox,
// outbox and event streams. Messages are immutable once written: they are
// appended, never updated.
type Message struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Subject       string          `json:"subject"`
	Type          string          `json:"type"`
	Time          time.Time       `json:"time"`
	Data          json.RawMessage `json:"data,omitempty"`
	RequestedBy   string          `json:"requested_by,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Sequence      int64           `json:"sequence,omitempty"`
	ETag          string          `json:"etag,omitempty"`
	Traceparent   string          `json:"traceparent,omitempty"`
	Tracestate    string          `json:"tracestate,omitempty"`
}

// NewEvent builds an outbox/domain event for a stream.
func NewEvent(subject, eventType string, payload any) (*Message, error) {
	return newMessage(KindOutbox, subject, eventType, payload)
}

// NewInbox builds the stored copy of the command or event that triggered a
// state change. It lands in the same partition as the aggregate it triggered.
func NewInbox(subject, messageType string, payload any) (*Message, error) {
	return newMessage(KindInbox, subject, messageType, payload)
}

func newMessage(kind Kind, subject, messageType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload %s: %w", kind, messageType, err)
	}
	return &Message{
		ID:      uuid.NewString(),
		Kind:    kind,
		Subject: subject,
		Type:    messageType,
		Time:    time.Now().UTC(),
		Data:    data,
	}, nil
}

// DeriveCommand builds a compensating command triggered by this message. The
// command reuses the trigger's ID, so the event it eventually produces carries
// a stable idempotency token: redelivery of the same trigger cannot record a
// second compensating action.
func (m *Message) DeriveCommand(subject, commandType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal command payload %s: %w", commandType, err)
	}
	return &Message{
		ID:            m.ID,
		Kind:          KindInbox,
		Subject:       subject,
		Type:          commandType,
		Time:          time.Now().UTC(),
		Data:          data,
		RequestedBy:   m.RequestedBy,
		CorrelationID: m.CorrelationID,
	}, nil
}

// Document maps the message onto its container envelope.
func (m *Message) Document() *Document {
	return &Document{
		ID:            m.ID,
		PartitionKey:  m.Subject,
		Kind:          m.Kind,
		Type:          m.Type,
		Subject:       m.Subject,
		Sequence:      m.Sequence,
		Time:          m.Time,
		Data:          m.Data,
		RequestedBy:   m.RequestedBy,
		CorrelationID: m.CorrelationID,
		Traceparent:   m.Traceparent,
		Tracestate:    m.Tracestate,
		ETag:          m.ETag,
	}
}

// MessageFromDocument is the inverse of Document.
func MessageFromDocument(d *Document) *Message {
	return &Message{
		ID:            d.ID,
		Kind:          d.Kind,
		Subject:       d.Subject,
		Type:          d.Type,
		Time:          d.Time,
		Data:          d.Data,
		RequestedBy:   d.RequestedBy,
		CorrelationID: d.CorrelationID,
		Sequence:      d.Sequence,
		ETag:          d.ETag,
		Traceparent:   d.Traceparent,
		Tracestate:    d.Tracestate,
	}
}

// StreamKey derives the stream subject for an entity: "Type:id".
func StreamKey(entityType, id string) string {
	return entityType + ":" + id
}
