package storage

import "errors"

var (
	// ErrEmptySubject marks a programming error, not a retryable condition:
	// inbox/outbox/event records must always name their stream.
	ErrEmptySubject = errors.New("storage: record subject is empty")

	// ErrMissingPartitionKey is returned when the first record staged in a
	// unit of work carries no partition key.
	ErrMissingPartitionKey = errors.New("storage: partition key is required")

	// ErrPartitionMismatch is returned before any I/O when a staged record's
	// partition key differs from the one the unit of work is bound to.
	ErrPartitionMismatch = errors.New("storage: record partition key does not match the unit of work partition")

	// ErrConcurrency reports a stale concurrency token on update or delete.
	// The caller decides whether to reload and reapply.
	ErrConcurrency = errors.New("storage: concurrency token mismatch")

	// ErrSequenceConflict reports that another writer claimed the sequence
	// number this batch tried to append for a subject.
	ErrSequenceConflict = errors.New("storage: sequence already claimed for subject")

	ErrNotFound       = errors.New("storage: document not found")
	ErrExists         = errors.New("storage: document already exists")
	ErrAlreadyDeleted = errors.New("storage: entity already deleted")
)
