package storage

import (
	"encoding/json"
	"time"
)

// Kind discriminates the record shapes that share a container.
type Kind string

const (
	KindEntity Kind = "entity"
	KindEvent  Kind = "event"
	KindInbox  Kind = "inbox"
	KindOutbox Kind = "outbox"
	KindAudit  Kind = "audit"
)

// Document is the persisted envelope for every container row. Events, inbox
// and outbox records, audit snapshots and entity state all travel in this
// shape; Kind and Type tell them apart.
type Document struct {
	ID            string          `json:"id"`
	PartitionKey  string          `json:"partition_key"`
	Kind          Kind            `json:"kind"`
	Type          string          `json:"type,omitempty"`
	Subject       string          `json:"subject,omitempty"`
	Sequence      int64           `json:"sequence,omitempty"`
	Time          time.Time       `json:"time"`
	Data          json.RawMessage `json:"data,omitempty"`
	RequestedBy   string          `json:"requested_by,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`

	// W3C trace context captured when the record was written, so the relay
	// can continue the originating trace at publish time.
	Traceparent string `json:"traceparent,omitempty"`
	Tracestate  string `json:"tracestate,omitempty"`

	// ETag is the opaque concurrency token. The store assigns a fresh value
	// on every successful write; stale tokens fail preconditioned writes.
	ETag    string `json:"etag,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`

	CreatedOn time.Time `json:"created_on,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedOn time.Time `json:"updated_on,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`

	// FeedSeq is the commit-ordered change feed position, assigned anew by
	// the container on every write so updates re-enter the feed. Zero until
	// persisted.
	FeedSeq int64 `json:"-"`
}

// Clone returns a deep copy; Data is copied so callers can mutate freely.
func (d *Document) Clone() *Document {
	cp := *d
	if d.Data != nil {
		cp.Data = make(json.RawMessage, len(d.Data))
		copy(cp.Data, d.Data)
	}
	return &cp
}

// appendable reports whether the document takes part in per-subject
// sequencing.
func (d *Document) appendable() bool {
	switch d.Kind {
	case KindEvent, KindOutbox:
		return true
	default:
		return false
	}
}
