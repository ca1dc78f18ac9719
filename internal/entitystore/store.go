// Package entitystore persists aggregate state together with the messages
// that caused and describe the change: one atomic commit writes the entity,
// the triggering command's inbox copy, the resulting outbox events, the audit
// snapshot for audited entities, and the state-view fan-out copies.
package entitystore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/eventrail/internal/replay"
	"github.com/md-rashed-zaman/eventrail/internal/storage"
	"github.com/md-rashed-zaman/eventrail/internal/uow"
)

type Store struct {
	container storage.Container
	views     *replay.Views
	logger    *slog.Logger
}

// New builds a store. views may be nil when no state-view fan-out is
// configured.
func New(container storage.Container, views *replay.Views, logger *slog.Logger) *Store {
	return &Store{container: container, views: views, logger: logger}
}

// Create persists a new entity with its trigger and events.
func (s *Store) Create(ctx context.Context, entity storage.Entity, trigger *storage.Message, events []*storage.Message, requestedBy string) error {
	return s.save(ctx, entity, trigger, events, requestedBy, false)
}

// Update persists a changed entity, preconditioned on its concurrency token.
func (s *Store) Update(ctx context.Context, entity storage.Entity, trigger *storage.Message, events []*storage.Message, requestedBy string) error {
	return s.save(ctx, entity, trigger, events, requestedBy, true)
}

func (s *Store) save(ctx context.Context, entity storage.Entity, trigger *storage.Message, events []*storage.Message, requestedBy string, update bool) error {
	if err := validateMessages(trigger, events); err != nil {
		return err
	}

	u := uow.New(s.container, s.logger)
	var err error
	if update {
		err = u.StageUpdate(entity)
	} else {
		err = u.Stage(entity)
	}
	if err != nil {
		return err
	}
	if err := s.stageChange(u, entity, trigger, events, false); err != nil {
		return err
	}
	_, err = u.Commit(ctx, requestedBy)
	return err
}

// Delete removes the entity alongside its trigger and events. Soft-deletable
// entities are flagged rather than removed unless forceHard is set.
func (s *Store) Delete(ctx context.Context, entity storage.Entity, trigger *storage.Message, events []*storage.Message, requestedBy string, forceHard bool) error {
	if err := validateMessages(trigger, events); err != nil {
		return err
	}

	u := uow.New(s.container, s.logger)
	if err := u.StageDelete(entity, forceHard); err != nil {
		return err
	}
	if err := s.stageChange(u, entity, trigger, events, true); err != nil {
		return err
	}
	_, err := u.Commit(ctx, requestedBy)
	return err
}

// stageChange stages everything that rides along with an entity mutation.
func (s *Store) stageChange(u *uow.UnitOfWork, entity storage.Entity, trigger *storage.Message, events []*storage.Message, deleted bool) error {
	if trigger != nil {
		if err := u.StageMessage(trigger); err != nil {
			return err
		}
	}
	for _, event := range events {
		if err := u.StageMessage(event); err != nil {
			return err
		}
	}
	if _, ok := entity.(storage.Auditable); ok {
		snapshot, err := storage.AuditSnapshot(entity, u.PartitionKey(), deleted)
		if err != nil {
			return err
		}
		if err := u.StageDocument(snapshot); err != nil {
			return err
		}
	}
	if s.views != nil {
		for _, event := range events {
			for _, dup := range s.views.Duplicates(event.Document()) {
				if err := u.StageDerived(dup); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Load reads the entity document and hydrates the given pointer, restoring
// the concurrency token, partition key and deletion flag from the envelope.
func (s *Store) Load(ctx context.Context, partitionKey, id string, entity storage.Entity) error {
	doc, err := s.container.Get(ctx, partitionKey, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc.Data, entity); err != nil {
		return fmt.Errorf("hydrate entity %s: %w", id, err)
	}
	if keyed, ok := entity.(storage.Keyed); ok {
		keyed.SetPartitionKey(doc.PartitionKey)
	}
	if versioned, ok := entity.(storage.Versioned); ok {
		versioned.SetConcurrencyToken(doc.ETag)
	}
	if soft, ok := entity.(storage.SoftDeletable); ok && doc.Deleted && !soft.IsDeleted() {
		soft.MarkDeleted()
	}
	return nil
}

func validateMessages(trigger *storage.Message, events []*storage.Message) error {
	if trigger != nil && trigger.Subject == "" {
		return fmt.Errorf("trigger %s: %w", trigger.ID, storage.ErrEmptySubject)
	}
	for _, event := range events {
		if event.Subject == "" {
			return fmt.Errorf("event %s: %w", event.ID, storage.ErrEmptySubject)
		}
	}
	return nil
}
