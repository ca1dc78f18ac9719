package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/md-rashed-zaman/eventrail/internal/storage"
)

// movedBy attributes movement writes that carry no user of their own.
const movedBy = "System"

// Movement drains records of selected kinds from the source container into a
// target container, re-keyed for their destination: messages land under their
// subject, audit snapshots under "shortType/sourcePartition" so one audit
// partition holds an entity's full history. Copy-then-delete; the copy is an
// unconditional upsert keyed by ID, so a redelivered document (copy
// succeeded, delete did not) converges instead of duplicating.
type Movement struct {
	source storage.Container
	target storage.Container
	kinds  map[storage.Kind]bool
	logger *slog.Logger
}

func NewMovement(source, target storage.Container, kinds []storage.Kind, logger *slog.Logger) *Movement {
	set := make(map[storage.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &Movement{source: source, target: target, kinds: set, logger: logger}
}

func (m *Movement) Name() string { return "movement" }

func (m *Movement) Handle(ctx context.Context, docs []*storage.Document) error {
	for _, doc := range docs {
		if !m.kinds[doc.Kind] {
			continue
		}
		if err := m.move(ctx, doc); err != nil {
			return fmt.Errorf("move %s %s: %w", doc.Kind, doc.ID, err)
		}
	}
	return nil
}

func (m *Movement) move(ctx context.Context, doc *storage.Document) error {
	cp := doc.Clone()
	cp.PartitionKey = targetPartition(doc)
	cp.ETag = ""
	cp.FeedSeq = 0
	if cp.UpdatedBy == "" {
		cp.UpdatedBy = movedBy
	}

	if _, err := m.target.Upsert(ctx, cp); err != nil {
		return err
	}
	if err := m.source.Remove(ctx, doc.PartitionKey, doc.ID); err != nil {
		m.logger.Warn("source cleanup failed, document will move again",
			"kind", string(doc.Kind), "id", doc.ID, "err", err)
		return err
	}
	m.logger.Debug("document moved", "kind", string(doc.Kind), "id", doc.ID, "target_partition", cp.PartitionKey)
	return nil
}

func targetPartition(doc *storage.Document) string {
	if doc.Kind == storage.KindAudit {
		return shortType(doc.Type) + "/" + doc.PartitionKey
	}
	if doc.Subject != "" {
		return doc.Subject
	}
	return doc.PartitionKey
}

// shortType is the last segment of a dotted type tag.
func shortType(t string) string {
	if i := strings.LastIndexByte(t, '.'); i >= 0 {
		return t[i+1:]
	}
	return t
}
