package storage

import (
	"context"
	"errors"
	"testing"
)

func eventDoc(id, subject string, seq int64) *Document {
	return &Document{ID: id, PartitionKey: subject, Kind: KindEvent, Type: "order.placed", Subject: subject, Sequence: seq}
}

func TestBatchCreateRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	c := NewMemContainer()

	b := c.NewBatch("s")
	b.Create(eventDoc("e1", "s", 1))
	if _, err := b.Execute(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}

	b2 := c.NewBatch("s")
	b2.Create(eventDoc("e1", "s", 2))
	if _, err := b2.Execute(ctx); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestBatchCreateRejectsClaimedSequence(t *testing.T) {
	ctx := context.Background()
	c := NewMemContainer()

	b := c.NewBatch("s")
	b.Create(eventDoc("e1", "s", 1))
	if _, err := b.Execute(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}

	b2 := c.NewBatch("s")
	b2.Create(eventDoc("e2", "s", 1))
	if _, err := b2.Execute(ctx); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}

	b3 := c.NewBatch("s")
	b3.Create(eventDoc("e3", "s", 2))
	b3.Create(eventDoc("e4", "s", 2))
	if _, err := b3.Execute(ctx); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict within batch, got %v", err)
	}
}

func TestBatchFailureAppliesNothing(t *testing.T) {
	ctx := context.Background()
	c := NewMemContainer()

	b := c.NewBatch("s")
	b.Create(eventDoc("e1", "s", 1))
	b.Create(eventDoc("e1", "s", 2)) // duplicate id fails validation
	if _, err := b.Execute(ctx); err == nil {
		t.Fatalf("expected batch failure")
	}
	if _, err := c.Get(ctx, "s", "e1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed batch must not persist, got %v", err)
	}
}

func TestReplaceRequiresMatchingETag(t *testing.T) {
	ctx := context.Background()
	c := NewMemContainer()

	b := c.NewBatch("p")
	b.Create(&Document{ID: "d1", PartitionKey: "p", Kind: KindEntity, Type: "directory.profile"})
	docs, err := b.Execute(ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	etag := docs[0].ETag
	if etag == "" {
		t.Fatalf("expected fresh etag on create")
	}

	b2 := c.NewBatch("p")
	b2.Replace(&Document{ID: "d1", PartitionKey: "p", Kind: KindEntity}, "stale")
	if _, err := b2.Execute(ctx); !errors.Is(err, ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency, got %v", err)
	}

	b3 := c.NewBatch("p")
	b3.Replace(&Document{ID: "d1", PartitionKey: "p", Kind: KindEntity}, etag)
	docs, err = b3.Execute(ctx)
	if err != nil {
		t.Fatalf("replace with current etag: %v", err)
	}
	if docs[0].ETag == etag {
		t.Fatalf("expected a rotated etag")
	}
}

func TestStreamOrdersBySequenceAndSkipsNonAppendable(t *testing.T) {
	ctx := context.Background()
	c := NewMemContainer()

	b := c.NewBatch("s")
	b.Create(eventDoc("e2", "s", 2))
	b.Create(eventDoc("e1", "s", 1))
	b.Create(&Document{ID: "i1", PartitionKey: "s", Kind: KindInbox, Subject: "s"})
	if _, err := b.Execute(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}

	docs, err := c.Stream(ctx, "s")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "e1" || docs[1].ID != "e2" {
		t.Fatalf("unexpected stream: %+v", docs)
	}
}

func TestNextSequenceStartsAtOne(t *testing.T) {
	ctx := context.Background()
	c := NewMemContainer()

	seq, err := c.NextSequence(ctx, "s")
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected 1 on empty subject, got %d", seq)
	}

	b := c.NewBatch("s")
	b.Create(eventDoc("e1", "s", 1))
	if _, err := b.Execute(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}
	seq, err = c.NextSequence(ctx, "s")
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected 2, got %d", seq)
	}
}

func TestFeedReturnsCommitOrderAfterPosition(t *testing.T) {
	ctx := context.Background()
	c := NewMemContainer()

	for i, id := range []string{"a", "b", "c"} {
		b := c.NewBatch(id)
		b.Create(&Document{ID: id, PartitionKey: id, Kind: KindOutbox, Subject: id, Sequence: int64(i + 1)})
		if _, err := b.Execute(ctx); err != nil {
			t.Fatalf("execute %s: %v", id, err)
		}
	}

	docs, err := c.Feed(ctx, 0, 2)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "a" || docs[1].ID != "b" {
		t.Fatalf("unexpected feed page: %+v", docs)
	}

	docs, err = c.Feed(ctx, docs[1].FeedSeq, 10)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "c" {
		t.Fatalf("expected remaining document c, got %+v", docs)
	}
}

func TestOverwriteReEntersFeed(t *testing.T) {
	ctx := context.Background()
	c := NewMemContainer()

	first, err := c.Upsert(ctx, &Document{ID: "v1", PartitionKey: "view", Kind: KindEntity})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := c.Upsert(ctx, &Document{ID: "v1", PartitionKey: "view", Kind: KindEntity})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second.FeedSeq <= first.FeedSeq {
		t.Fatalf("overwrite must draw a fresh feed position, %d then %d", first.FeedSeq, second.FeedSeq)
	}
	if second.ETag == first.ETag {
		t.Fatalf("expected rotated etag on overwrite")
	}

	// A consumer checkpointed past the first write still sees the overwrite.
	docs, err := c.Feed(ctx, first.FeedSeq, 10)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "v1" || docs[0].FeedSeq != second.FeedSeq {
		t.Fatalf("expected the overwritten row after the old position, got %+v", docs)
	}
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	if err := NewMemContainer().Remove(context.Background(), "p", "nope"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
}
