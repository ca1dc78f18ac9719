// Package eventstore implements the append-only event store: per-subject
// sequencing, atomic batch appends, and the physical write primitive the unit
// of work builds on.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/eventrail/internal/storage"
)

// maxSequenceRetries bounds the conditional-write retry loop. Two writers
// racing on the same subject both read the same last sequence; the unique
// (subject, sequence) rule fails the loser, which re-reads and retries.
const maxSequenceRetries = 5

type Store struct {
	container storage.Container
	logger    *slog.Logger
}

func New(container storage.Container, logger *slog.Logger) *Store {
	return &Store{container: container, logger: logger}
}

// Container exposes the underlying container for replay.
func (s *Store) Container() storage.Container { return s.container }

// Append writes one event, assigning the next sequence for its subject
// immediately before commit.
func (s *Store) Append(ctx context.Context, event *storage.Message, requestedBy string) (*storage.Message, error) {
	if event.Subject == "" {
		return nil, fmt.Errorf("append event %s: %w", event.ID, storage.ErrEmptySubject)
	}

	var lastErr error
	for attempt := 0; attempt < maxSequenceRetries; attempt++ {
		next, err := s.container.NextSequence(ctx, event.Subject)
		if err != nil {
			return nil, err
		}

		staged := *event
		staged.Sequence = next
		if staged.Kind == "" {
			staged.Kind = storage.KindEvent
		}
		if requestedBy != "" {
			staged.RequestedBy = requestedBy
		}

		batch := s.container.NewBatch(event.Subject)
		doc := staged.Document()
		storage.StampTraceContext(ctx, doc)
		batch.Create(doc)
		docs, err := batch.Execute(ctx)
		if err == nil {
			return storage.MessageFromDocument(docs[0]), nil
		}
		lastErr = err
		if !errors.Is(err, storage.ErrSequenceConflict) {
			break
		}
	}
	s.logger.Error("event append failed", "event_id", event.ID, "subject", event.Subject, "err", lastErr)
	return nil, lastErr
}

// AppendBatch writes events in input order with consecutive sequence numbers
// in one atomic batch. All events share the first event's subject partition.
// On success the inputs carry their assigned sequences and tokens.
func (s *Store) AppendBatch(ctx context.Context, events []*storage.Message, requestedBy string) error {
	if len(events) == 0 {
		return fmt.Errorf("eventstore: append batch requires at least one event")
	}
	for _, event := range events {
		if event.Subject == "" {
			return fmt.Errorf("append event %s: %w", event.ID, storage.ErrEmptySubject)
		}
	}
	partitionKey := events[0].Subject

	var lastErr error
	for attempt := 0; attempt < maxSequenceRetries; attempt++ {
		next, err := s.container.NextSequence(ctx, events[0].Subject)
		if err != nil {
			return err
		}

		batch := s.container.NewBatch(partitionKey)
		staged := make([]*storage.Message, len(events))
		for i, event := range events {
			cp := *event
			cp.Sequence = next
			next++
			if cp.Kind == "" {
				cp.Kind = storage.KindEvent
			}
			if requestedBy != "" {
				cp.RequestedBy = requestedBy
			}
			staged[i] = &cp
			doc := cp.Document()
			storage.StampTraceContext(ctx, doc)
			batch.Create(doc)
		}

		docs, err := batch.Execute(ctx)
		if err == nil {
			for i, doc := range docs {
				events[i].Sequence = doc.Sequence
				events[i].ETag = doc.ETag
				events[i].RequestedBy = doc.RequestedBy
			}
			return nil
		}
		lastErr = err
		if !errors.Is(err, storage.ErrSequenceConflict) {
			break
		}
	}
	s.logger.Error("event batch append failed", "event_ids", ids(events), "err", lastErr)
	return lastErr
}

// NextSequence returns the sequence the next append to subject would take.
func (s *Store) NextSequence(ctx context.Context, subject string) (int64, error) {
	return s.container.NextSequence(ctx, subject)
}

func ids(events []*storage.Message) []string {
	out := make([]string, len(events))
	for i, event := range events {
		out[i] = event.ID
	}
	return out
}
