// Package uow stages heterogeneous record mutations bound to a single
// partition and commits them as one atomic batch.
package uow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/eventrail/internal/storage"
)

const maxSequenceRetries = 5

type stagedOp struct {
	verb        string // create | replace | upsert | delete
	doc         *storage.Document
	etag        string
	entity      storage.Entity   // post-commit token write-back, nil for bare documents
	message     *storage.Message // post-commit sequence/token write-back
	seqAssigned bool             // sequence given by Commit, cleared before a retry
}

// UnitOfWork accumulates staged writes for exactly one partition. The first
// staged record fixes the partition key; every later record must match it or
// the operation fails before any I/O. Instances are single-use: one Commit
// per logical transaction.
type UnitOfWork struct {
	container storage.Container
	logger    *slog.Logger

	partitionKey string
	staged       []stagedOp
	changedOn    time.Time
	committed    bool
}

func New(container storage.Container, logger *slog.Logger) *UnitOfWork {
	return &UnitOfWork{
		container: container,
		logger:    logger,
		changedOn: time.Now().UTC(),
	}
}

// PartitionKey returns the partition this unit of work is bound to, or "".
func (u *UnitOfWork) PartitionKey() string { return u.partitionKey }

func (u *UnitOfWork) Len() int { return len(u.staged) }

// Stage stages an insert of a new entity.
func (u *UnitOfWork) Stage(entity storage.Entity) error {
	doc, err := u.entityDoc(entity)
	if err != nil {
		return err
	}
	if audited, ok := entity.(storage.Auditable); ok {
		stamp := audited.AuditStamp()
		stamp.CreatedOn = u.changedOn
		stamp.UpdatedOn = u.changedOn
		doc.CreatedOn, doc.UpdatedOn = u.changedOn, u.changedOn
	}
	u.staged = append(u.staged, stagedOp{verb: "create", doc: doc, entity: entity})
	return nil
}

// StageUpdate stages a replace preconditioned on the entity's current
// concurrency token.
func (u *UnitOfWork) StageUpdate(entity storage.Entity) error {
	doc, err := u.entityDoc(entity)
	if err != nil {
		return err
	}
	if audited, ok := entity.(storage.Auditable); ok {
		audited.AuditStamp().UpdatedOn = u.changedOn
		doc.UpdatedOn = u.changedOn
	}
	u.staged = append(u.staged, stagedOp{verb: "replace", doc: doc, etag: doc.ETag, entity: entity})
	return nil
}

// StageUpsert stages an insert-or-replace preconditioned on the entity's
// token when it has one.
func (u *UnitOfWork) StageUpsert(entity storage.Entity) error {
	doc, err := u.entityDoc(entity)
	if err != nil {
		return err
	}
	if audited, ok := entity.(storage.Auditable); ok {
		stamp := audited.AuditStamp()
		stamp.UpdatedOn = u.changedOn
		if stamp.CreatedOn.IsZero() {
			stamp.CreatedOn = u.changedOn
		}
		doc.UpdatedOn = stamp.UpdatedOn
		doc.CreatedOn = stamp.CreatedOn
	}
	u.staged = append(u.staged, stagedOp{verb: "upsert", doc: doc, etag: doc.ETag, entity: entity})
	return nil
}

// StageDelete stages removal of an entity. Soft-deletable entities become a
// flagged update unless forceHard is set; deleting an already soft-deleted
// entity is an error.
func (u *UnitOfWork) StageDelete(entity storage.Entity, forceHard bool) error {
	soft, softOK := entity.(storage.SoftDeletable)
	if forceHard || !softOK {
		doc, err := u.entityDoc(entity)
		if err != nil {
			return err
		}
		u.staged = append(u.staged, stagedOp{verb: "delete", doc: doc})
		return nil
	}
	if soft.IsDeleted() {
		return fmt.Errorf("entity %s: %w", entity.EntityID(), storage.ErrAlreadyDeleted)
	}
	soft.MarkDeleted()
	if audited, ok := entity.(storage.Auditable); ok {
		audited.AuditStamp().UpdatedOn = u.changedOn
	}
	doc, err := u.entityDoc(entity)
	if err != nil {
		return err
	}
	doc.UpdatedOn = u.changedOn
	u.staged = append(u.staged, stagedOp{verb: "replace", doc: doc, etag: doc.ETag, entity: entity})
	return nil
}

// StageMessage stages an immutable inbox/outbox/event record. The message
// must carry a subject; its partition is the subject.
func (u *UnitOfWork) StageMessage(msg *storage.Message) error {
	if msg.Subject == "" {
		return fmt.Errorf("%s record %s: %w", msg.Kind, msg.ID, storage.ErrEmptySubject)
	}
	doc := msg.Document()
	if err := u.bindPartition(doc); err != nil {
		return err
	}
	u.staged = append(u.staged, stagedOp{verb: "create", doc: doc, message: msg})
	return nil
}

// StageDocument stages a raw document insert (audit snapshots, state-view
// duplicates).
func (u *UnitOfWork) StageDocument(doc *storage.Document) error {
	doc = doc.Clone()
	if err := u.bindPartition(doc); err != nil {
		return err
	}
	u.staged = append(u.staged, stagedOp{verb: "create", doc: doc})
	return nil
}

// StageDerived stages an engine-derived record that lives outside the unit of
// work's partition, such as a state-view fan-out copy. Derived records carry
// their placement with them, so the single-partition rule that guards
// user-staged records does not apply; they still commit in the same atomic
// batch.
func (u *UnitOfWork) StageDerived(doc *storage.Document) error {
	if doc.PartitionKey == "" {
		return storage.ErrMissingPartitionKey
	}
	u.staged = append(u.staged, stagedOp{verb: "create", doc: doc.Clone()})
	return nil
}

func (u *UnitOfWork) entityDoc(entity storage.Entity) (*storage.Document, error) {
	doc, err := storage.DocumentFor(entity)
	if err != nil {
		return nil, err
	}
	if err := u.bindPartition(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// bindPartition fixes the unit of work's partition from the first staged
// record and rejects anything that does not match it.
func (u *UnitOfWork) bindPartition(doc *storage.Document) error {
	switch {
	case u.partitionKey == "" && doc.PartitionKey == "":
		return storage.ErrMissingPartitionKey
	case u.partitionKey == "":
		u.partitionKey = doc.PartitionKey
	case doc.PartitionKey == "":
		doc.PartitionKey = u.partitionKey
	case doc.PartitionKey != u.partitionKey:
		return fmt.Errorf("record %s key %q vs %q: %w", doc.ID, doc.PartitionKey, u.partitionKey, storage.ErrPartitionMismatch)
	}
	return nil
}

// Commit stamps audit metadata, assigns sequences to staged messages lacking
// one, executes a single atomic batch, and returns the post-commit documents.
// On any failure nothing persists.
func (u *UnitOfWork) Commit(ctx context.Context, requestedBy string) ([]*storage.Document, error) {
	if u.committed {
		return nil, fmt.Errorf("uow: unit of work already committed")
	}
	if len(u.staged) == 0 {
		return nil, fmt.Errorf("uow: nothing staged")
	}

	for _, op := range u.staged {
		stampAudit(op, requestedBy)
		if op.verb == "create" {
			storage.StampTraceContext(ctx, op.doc)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxSequenceRetries; attempt++ {
		if err := u.assignSequences(ctx); err != nil {
			return nil, err
		}

		batch := u.container.NewBatch(u.partitionKey)
		for _, op := range u.staged {
			switch op.verb {
			case "create":
				batch.Create(op.doc)
			case "replace":
				batch.Replace(op.doc, op.etag)
			case "upsert":
				batch.Upsert(op.doc, op.etag)
			case "delete":
				batch.Delete(op.doc.ID, "")
			}
		}

		docs, err := batch.Execute(ctx)
		if err == nil {
			u.writeBack(docs)
			u.committed = true
			u.staged = nil
			u.partitionKey = ""
			return docs, nil
		}
		lastErr = err
		if !errors.Is(err, storage.ErrSequenceConflict) {
			break
		}
		u.clearAssignedSequences()
	}
	u.logger.Error("unit of work commit failed", "partition_key", u.partitionKey, "records", len(u.staged), "err", lastErr)
	return nil, lastErr
}

// assignSequences gives every staged appendable message without a sequence
// the next consecutive position for its subject, in staging order.
func (u *UnitOfWork) assignSequences(ctx context.Context) error {
	next := make(map[string]int64)
	for i := range u.staged {
		doc := u.staged[i].doc
		if u.staged[i].verb != "create" || doc.Sequence != 0 {
			continue
		}
		if doc.Kind != storage.KindEvent && doc.Kind != storage.KindOutbox {
			continue
		}
		if _, ok := next[doc.Subject]; !ok {
			seq, err := u.container.NextSequence(ctx, doc.Subject)
			if err != nil {
				return err
			}
			next[doc.Subject] = seq
		}
		doc.Sequence = next[doc.Subject]
		next[doc.Subject]++
		u.staged[i].seqAssigned = true
	}
	return nil
}

func (u *UnitOfWork) clearAssignedSequences() {
	for i := range u.staged {
		if u.staged[i].seqAssigned {
			u.staged[i].doc.Sequence = 0
			u.staged[i].seqAssigned = false
		}
	}
}

func (u *UnitOfWork) writeBack(docs []*storage.Document) {
	for i, op := range u.staged {
		if docs[i] == nil {
			continue
		}
		if op.entity != nil {
			if versioned, ok := op.entity.(storage.Versioned); ok {
				versioned.SetConcurrencyToken(docs[i].ETag)
			}
		}
		if op.message != nil {
			op.message.Sequence = docs[i].Sequence
			op.message.ETag = docs[i].ETag
			op.message.RequestedBy = docs[i].RequestedBy
		}
	}
}

func stampAudit(op stagedOp, requestedBy string) {
	doc := op.doc
	if op.verb == "delete" {
		return
	}
	if doc.RequestedBy == "" && (doc.Kind == storage.KindInbox || doc.Kind == storage.KindOutbox || doc.Kind == storage.KindEvent) {
		doc.RequestedBy = requestedBy
	}
	var stamp *storage.AuditStamp
	if op.entity != nil {
		if audited, ok := op.entity.(storage.Auditable); ok {
			stamp = audited.AuditStamp()
		}
	}
	if stamp == nil {
		return
	}
	if stamp.CreatedBy == "" || stamp.CreatedOn.Equal(stamp.UpdatedOn) {
		stamp.CreatedBy = requestedBy
		stamp.UpdatedBy = requestedBy
	} else if stamp.UpdatedOn.After(stamp.CreatedOn) {
		stamp.UpdatedBy = requestedBy
	}
	doc.CreatedBy = stamp.CreatedBy
	doc.UpdatedBy = stamp.UpdatedBy
}
