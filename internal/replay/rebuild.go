package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/eventrail/internal/storage"
)

// Rebuilder rematerializes a state view's current-state document from its
// fan-out stream. Used to rebuild read models on demand, after a view bug fix
// or when a new view is backfilled.
type Rebuilder struct {
	source storage.Container
	target storage.Container
	logger *slog.Logger
}

func NewRebuilder(source, target storage.Container, logger *slog.Logger) *Rebuilder {
	return &Rebuilder{source: source, target: target, logger: logger}
}

// Rebuild replays the view's copy of subject's events and upserts the folded
// state into the target container. The materialized document is keyed by the
// source subject within the view's partition; rebuilding twice converges on
// the same row.
func (r *Rebuilder) Rebuild(ctx context.Context, view, subject string) (*storage.Document, error) {
	viewSubject := ViewSubject(view, subject)
	docs, err := r.source.Stream(ctx, viewSubject)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("view stream %s: %w", viewSubject, storage.ErrNotFound)
	}

	state, err := Fold[map[string]any](docs)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal view state %s: %w", viewSubject, err)
	}

	last := docs[len(docs)-1]
	out, err := r.target.Upsert(ctx, &storage.Document{
		ID:            subject,
		PartitionKey:  viewSubject,
		Kind:          storage.KindEntity,
		Type:          view,
		Subject:       viewSubject,
		Sequence:      last.Sequence,
		Time:          last.Time,
		Data:          data,
		CorrelationID: last.CorrelationID,
	})
	if err != nil {
		r.logger.Error("view rebuild failed", "view", view, "subject", subject, "err", err)
		return nil, err
	}
	r.logger.Info("view rebuilt", "view", view, "subject", subject, "events", len(docs), "through_sequence", last.Sequence)
	return out, nil
}
