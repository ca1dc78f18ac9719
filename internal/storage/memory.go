package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// MemContainer is an in-memory Container. It backs unit tests and embedded
// single-process deployments; semantics mirror PGContainer, including the
// (subject, sequence) uniqueness rule and the commit-ordered feed.
type MemContainer struct {
	mu        sync.Mutex
	docs      map[string]map[string]*Document // partition key -> id -> document
	feedSeq   int64
	failErr   error
	failCount int
}

func NewMemContainer() *MemContainer {
	return &MemContainer{docs: make(map[string]map[string]*Document)}
}

// FailNextExecute makes the next batch execution fail with err before any
// write is applied. Test hook for atomicity checks.
func (c *MemContainer) FailNextExecute(err error) {
	c.FailExecutes(err, 1)
}

// FailExecutes fails the next n batch executions with err.
func (c *MemContainer) FailExecutes(err error, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failErr = err
	c.failCount = n
}

func (c *MemContainer) Get(_ context.Context, partitionKey, id string) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[partitionKey][id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (c *MemContainer) Stream(_ context.Context, subject string) ([]*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Document
	for _, partition := range c.docs {
		for _, doc := range partition {
			if doc.Subject == subject && doc.appendable() {
				out = append(out, doc.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (c *MemContainer) NextSequence(_ context.Context, subject string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSequenceLocked(subject), nil
}

func (c *MemContainer) nextSequenceLocked(subject string) int64 {
	var last int64
	for _, partition := range c.docs {
		for _, doc := range partition {
			if doc.Subject == subject && doc.Sequence > last {
				last = doc.Sequence
			}
		}
	}
	return last + 1
}

func (c *MemContainer) Feed(_ context.Context, afterSeq int64, limit int) ([]*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Document
	for _, partition := range c.docs {
		for _, doc := range partition {
			if doc.FeedSeq > afterSeq {
				out = append(out, doc.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedSeq < out[j].FeedSeq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *MemContainer) Upsert(_ context.Context, doc *Document) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := doc.Clone()
	out.ETag = uuid.NewString()
	c.putLocked(out)
	return out.Clone(), nil
}

func (c *MemContainer) Remove(_ context.Context, partitionKey, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if partition, ok := c.docs[partitionKey]; ok {
		delete(partition, id)
	}
	return nil
}

func (c *MemContainer) putLocked(doc *Document) {
	partition, ok := c.docs[doc.PartitionKey]
	if !ok {
		partition = make(map[string]*Document)
		c.docs[doc.PartitionKey] = partition
	}
	// Every write draws a fresh feed position, so overwrites re-enter the
	// change feed past any checkpoint.
	c.feedSeq++
	doc.FeedSeq = c.feedSeq
	partition[doc.ID] = doc
}

func (c *MemContainer) NewBatch(partitionKey string) Batch {
	return &memBatch{container: c, partitionKey: partitionKey}
}

type memBatch struct {
	container    *MemContainer
	partitionKey string
	ops          []batchOp
}

func (b *memBatch) Create(doc *Document) {
	b.ops = append(b.ops, batchOp{verb: "create", doc: doc})
}

func (b *memBatch) Replace(doc *Document, etag string) {
	b.ops = append(b.ops, batchOp{verb: "replace", doc: doc, etag: etag})
}

func (b *memBatch) Upsert(doc *Document, etag string) {
	b.ops = append(b.ops, batchOp{verb: "upsert", doc: doc, etag: etag})
}

func (b *memBatch) Delete(id string, etag string) {
	b.ops = append(b.ops, batchOp{verb: "delete", id: id, etag: etag})
}

func (b *memBatch) Len() int { return len(b.ops) }

// Execute validates every staged op, then applies them all. Validation before
// application gives the same all-or-nothing behavior as the SQL transaction.
func (b *memBatch) Execute(_ context.Context) ([]*Document, error) {
	c := b.container
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failCount > 0 {
		c.failCount--
		return nil, c.failErr
	}

	claimed := make(map[string]bool) // subject/sequence pairs claimed within this batch
	for _, op := range b.ops {
		if err := b.validateLocked(op, claimed); err != nil {
			return nil, err
		}
	}

	results := make([]*Document, len(b.ops))
	for i, op := range b.ops {
		if op.verb == "delete" {
			if partition, ok := c.docs[b.partitionKey]; ok {
				delete(partition, op.id)
			}
			continue
		}
		out := op.doc.Clone()
		if out.PartitionKey == "" {
			out.PartitionKey = b.partitionKey
		}
		out.ETag = uuid.NewString()
		c.putLocked(out)
		results[i] = out.Clone()
	}
	return results, nil
}

func (b *memBatch) validateLocked(op batchOp, claimed map[string]bool) error {
	c := b.container
	pk := b.partitionKey
	if op.doc != nil && op.doc.PartitionKey != "" {
		pk = op.doc.PartitionKey
	}
	partition := c.docs[pk]

	switch op.verb {
	case "create":
		if _, ok := partition[op.doc.ID]; ok {
			return ErrExists
		}
		if op.doc.appendable() && op.doc.Sequence > 0 {
			key := op.doc.Subject + "\x00" + strconv.FormatInt(op.doc.Sequence, 10)
			if claimed[key] || c.nextSequenceLocked(op.doc.Subject) > op.doc.Sequence {
				return ErrSequenceConflict
			}
			claimed[key] = true
		}
	case "replace":
		existing, ok := partition[op.doc.ID]
		if !ok || existing.ETag != op.etag {
			return ErrConcurrency
		}
	case "upsert":
		if existing, ok := partition[op.doc.ID]; ok && op.etag != "" && existing.ETag != op.etag {
			return ErrConcurrency
		}
	case "delete":
		existing, ok := partition[op.id]
		if op.etag != "" && (!ok || existing.ETag != op.etag) {
			return ErrConcurrency
		}
	}
	return nil
}
