package storage

import "context"

// Container is the physical store for one logical record collection. Rows are
// keyed by (partition key, id); atomic multi-row writes are scoped to one
// partition via Batch.
type Container interface {
	// NewBatch starts an atomic batch. partitionKey is the default partition
	// for staged documents that do not carry their own.
	NewBatch(partitionKey string) Batch

	// Get fetches one document or ErrNotFound.
	Get(ctx context.Context, partitionKey, id string) (*Document, error)

	// Stream returns the appendable records for a subject ordered ascending
	// by sequence.
	Stream(ctx context.Context, subject string) ([]*Document, error)

	// NextSequence computes (max existing sequence for subject)+1, or 1 if
	// no records exist.
	NextSequence(ctx context.Context, subject string) (int64, error)

	// Feed returns documents committed after the given feed position in
	// commit order, up to limit.
	Feed(ctx context.Context, afterSeq int64, limit int) ([]*Document, error)

	// Upsert writes a single document unconditionally (insert-or-replace by
	// id). Used by relay handlers that must stay idempotent under redelivery.
	Upsert(ctx context.Context, doc *Document) (*Document, error)

	// Remove hard-deletes a single document. Missing rows are not an error.
	Remove(ctx context.Context, partitionKey, id string) error
}

// Batch stages writes for one partition and executes them all-or-nothing.
// A non-empty etag on Replace/Upsert/Delete is a write precondition; a
// mismatch fails the whole batch with ErrConcurrency.
type Batch interface {
	Create(doc *Document)
	Replace(doc *Document, etag string)
	Upsert(doc *Document, etag string)
	Delete(id string, etag string)
	Len() int

	// Execute runs the batch atomically and returns the post-commit
	// documents for every staged write (nil entries for deletes). On error
	// nothing is persisted.
	Execute(ctx context.Context) ([]*Document, error)
}
