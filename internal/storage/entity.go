package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity is the minimal contract for aggregate state persisted through the
// unit of work. EntityType is a stable dotted tag, not a language type name.
type Entity interface {
	EntityID() string
	EntityType() string
}

// Keyed exposes the partition the entity lives in. Entities without an
// explicit key default to their own ID.
type Keyed interface {
	PartitionKey() string
	SetPartitionKey(key string)
}

// Versioned carries the optimistic-concurrency token across load/save cycles.
type Versioned interface {
	ConcurrencyToken() string
	SetConcurrencyToken(token string)
}

// SoftDeletable marks entities whose delete becomes a flagged update unless a
// hard delete is forced.
type SoftDeletable interface {
	IsDeleted() bool
	MarkDeleted()
}

// Auditable exposes the mutable audit stamp the unit of work fills in at
// stage and commit time.
type Auditable interface {
	AuditStamp() *AuditStamp
}

// AuditStamp holds who/when metadata for audited entities.
type AuditStamp struct {
	CreatedOn time.Time `json:"created_on,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedOn time.Time `json:"updated_on,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// Base is the embeddable identity/partition/concurrency core for entities.
type Base struct {
	ID    string `json:"id"`
	Key   string `json:"partition_key,omitempty"`
	Token string `json:"concurrency_token,omitempty"`
}

func NewBase() Base {
	return Base{ID: uuid.NewString()}
}

func (b *Base) EntityID() string { return b.ID }

func (b *Base) PartitionKey() string {
	if b.Key != "" {
		return b.Key
	}
	return b.ID
}

func (b *Base) SetPartitionKey(key string) { b.Key = key }

func (b *Base) ConcurrencyToken() string { return b.Token }

func (b *Base) SetConcurrencyToken(token string) { b.Token = token }

// AuditedBase extends Base with soft deletion and audit stamping.
type AuditedBase struct {
	Base
	Removed bool       `json:"deleted,omitempty"`
	Stamp   AuditStamp `json:"audit,omitempty"`
}

func NewAuditedBase() AuditedBase {
	return AuditedBase{Base: NewBase()}
}

func (b *AuditedBase) IsDeleted() bool { return b.Removed }

func (b *AuditedBase) MarkDeleted() { b.Removed = true }

func (b *AuditedBase) AuditStamp() *AuditStamp { return &b.Stamp }

// DocumentFor marshals an entity into its container envelope.
func DocumentFor(entity Entity) (*Document, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity %s: %w", entity.EntityID(), err)
	}
	doc := &Document{
		ID:           entity.EntityID(),
		PartitionKey: entity.EntityID(),
		Kind:         KindEntity,
		Type:         entity.EntityType(),
		Time:         time.Now().UTC(),
		Data:         data,
	}
	if keyed, ok := entity.(Keyed); ok && keyed.PartitionKey() != "" {
		doc.PartitionKey = keyed.PartitionKey()
	}
	if versioned, ok := entity.(Versioned); ok {
		doc.ETag = versioned.ConcurrencyToken()
	}
	if soft, ok := entity.(SoftDeletable); ok {
		doc.Deleted = soft.IsDeleted()
	}
	if audited, ok := entity.(Auditable); ok {
		stamp := audited.AuditStamp()
		doc.CreatedOn = stamp.CreatedOn
		doc.CreatedBy = stamp.CreatedBy
		doc.UpdatedOn = stamp.UpdatedOn
		doc.UpdatedBy = stamp.UpdatedBy
	}
	return doc, nil
}

// AuditSnapshot builds the immutable audit record for a mutation: a copy of
// the entity state at that moment, tagged with its type and whether the
// mutation was a delete. It shares the mutation's partition so it commits in
// the same batch; the movement relay later re-keys it for the audit container.
func AuditSnapshot(entity Entity, partitionKey string, deleted bool) (*Document, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal audit snapshot for %s: %w", entity.EntityID(), err)
	}
	return &Document{
		ID:           uuid.NewString(),
		PartitionKey: partitionKey,
		Kind:         KindAudit,
		Type:         entity.EntityType(),
		Subject:      entity.EntityID(),
		Time:         time.Now().UTC(),
		Data:         data,
		Deleted:      deleted,
	}, nil
}
