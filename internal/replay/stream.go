// Package replay folds ordered event streams back into current state and
// maintains the state-view fan-out that gives read models their own streams.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/eventrail/internal/storage"
)

type options struct {
	until time.Time
	where func(*storage.Document) bool
}

type Option func(*options)

// Until bounds the replay to events recorded at or before t.
func Until(t time.Time) Option {
	return func(o *options) { o.until = t }
}

// Where keeps only events the predicate accepts.
func Where(pred func(*storage.Document) bool) Option {
	return func(o *options) { o.where = pred }
}

func (o *options) admits(doc *storage.Document) bool {
	if !o.until.IsZero() && doc.Time.After(o.until) {
		return false
	}
	if o.where != nil && !o.where(doc) {
		return false
	}
	return true
}

// Stream folds a subject's events into a T. Each event payload is overlaid
// field-wise onto the accumulator: fields absent from a payload keep their
// prior value, so events only need to carry what changed.
type Stream[T any] struct {
	container storage.Container
}

func NewStream[T any](container storage.Container) *Stream[T] {
	return &Stream[T]{container: container}
}

// Project replays the subject and returns the folded state. An empty stream
// (or one fully excluded by the options) returns the zero T.
func (s *Stream[T]) Project(ctx context.Context, subject string, opts ...Option) (T, error) {
	var acc T
	docs, err := s.container.Stream(ctx, subject)
	if err != nil {
		return acc, err
	}
	return Fold[T](docs, opts...)
}

// Fold overlays already-fetched events in order. Shared by Project, the
// versioned replay and the rebuilder.
func Fold[T any](docs []*storage.Document, opts ...Option) (T, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var acc T
	for _, doc := range docs {
		if !o.admits(doc) {
			continue
		}
		if len(doc.Data) == 0 {
			continue
		}
		if err := json.Unmarshal(doc.Data, &acc); err != nil {
			var zero T
			return zero, fmt.Errorf("replay %s event %s: %w", doc.Subject, doc.ID, err)
		}
	}
	return acc, nil
}
