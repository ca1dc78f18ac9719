package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/eventrail/internal/storage"
)

// SchemaChangeEventType marks the point in a stream where the entity's
// payload shape changed versions. Its payload names the version it left and
// the version it entered.
const SchemaChangeEventType = "entity.schema-change"

// ErrSchemaLineage reports a schema-change event whose declared old version
// does not match the version the replay is currently folding into. The stream
// is unreadable past that point without a migration fix.
var ErrSchemaLineage = errors.New("replay: schema change does not continue the stream's version lineage")

// SchemaChange is the payload of a SchemaChangeEventType event.
type SchemaChange struct {
	OldVersion string `json:"old_version"`
	NewVersion string `json:"new_version"`
}

// NewSchemaChangeEvent builds the marker event recorded when an entity's
// schema migrates on subject's stream.
func NewSchemaChangeEvent(subject, oldVersion, newVersion string) (*storage.Message, error) {
	return storage.NewEvent(subject, SchemaChangeEventType, SchemaChange{OldVersion: oldVersion, NewVersion: newVersion})
}

// Schemas is the version registry for an entity whose payload shape evolved.
// Each version name maps to a factory for that version's accumulator type.
type Schemas struct {
	initial   string
	factories map[string]func() any
}

func NewSchemas(initialVersion string, factory func() any) *Schemas {
	return &Schemas{
		initial:   initialVersion,
		factories: map[string]func() any{initialVersion: factory},
	}
}

func (s *Schemas) Register(version string, factory func() any) {
	s.factories[version] = factory
}

// Project replays subject through every schema generation it lived in. At a
// schema-change event the accumulated state is re-projected into the new
// version's shape and folding continues; the result is the final accumulator
// plus the version name it ended in. An empty stream yields a fresh initial
// accumulator.
func (s *Schemas) Project(ctx context.Context, container storage.Container, subject string, opts ...Option) (any, string, error) {
	docs, err := container.Stream(ctx, subject)
	if err != nil {
		return nil, "", err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	version := s.initial
	acc := s.factories[s.initial]()
	for _, doc := range docs {
		if !o.admits(doc) {
			continue
		}
		if doc.Type == SchemaChangeEventType {
			var change SchemaChange
			if err := json.Unmarshal(doc.Data, &change); err != nil {
				return nil, "", fmt.Errorf("decode schema change %s: %w", doc.ID, err)
			}
			if change.OldVersion != version {
				return nil, "", fmt.Errorf("subject %s at event %s: stream is at %q, change expects %q: %w",
					subject, doc.ID, version, change.OldVersion, ErrSchemaLineage)
			}
			factory, ok := s.factories[change.NewVersion]
			if !ok {
				return nil, "", fmt.Errorf("subject %s: no schema registered for version %q", subject, change.NewVersion)
			}
			migrated := factory()
			if err := reproject(acc, migrated); err != nil {
				return nil, "", fmt.Errorf("migrate %s to %q: %w", subject, change.NewVersion, err)
			}
			acc = migrated
			version = change.NewVersion
			continue
		}
		if len(doc.Data) == 0 {
			continue
		}
		if err := json.Unmarshal(doc.Data, acc); err != nil {
			return nil, "", fmt.Errorf("replay %s event %s: %w", subject, doc.ID, err)
		}
	}
	return acc, version, nil
}

// reproject carries accumulated state across a shape change: marshal the old
// accumulator and overlay it onto the new one, so renamed or dropped fields
// fall away and new fields start at their zero values.
func reproject(from, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}
