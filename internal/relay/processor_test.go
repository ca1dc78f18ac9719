package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/md-rashed-zaman/eventrail/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingHandler struct {
	name    string
	fail    error
	batches [][]*storage.Document
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(_ context.Context, docs []*storage.Document) error {
	h.batches = append(h.batches, docs)
	return h.fail
}

func seedOutbox(t *testing.T, c storage.Container, id, subject string, seq int64) {
	t.Helper()
	b := c.NewBatch(subject)
	b.Create(&storage.Document{
		ID: id, PartitionKey: subject, Kind: storage.KindOutbox,
		Type: "order.placed", Subject: subject, Sequence: seq,
		Time: time.Now().UTC(), Data: []byte(`{"qty":1}`),
	})
	if _, err := b.Execute(context.Background()); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestPollAdvancesCheckpointAfterSuccess(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemContainer()
	checkpoints := NewMemCheckpoints()
	handler := &recordingHandler{name: "recorder"}
	p := NewProcessor(Config{Name: "outbox"}, source, checkpoints, SoleOwner{}, testLogger(), handler)

	seedOutbox(t, source, "e1", "order.order:1", 1)
	seedOutbox(t, source, "e2", "order.order:2", 1)

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(handler.batches) != 1 || len(handler.batches[0]) != 2 {
		t.Fatalf("expected one batch of two, got %+v", handler.batches)
	}
	pos, err := checkpoints.Load(ctx, "outbox")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if pos != handler.batches[0][1].FeedSeq {
		t.Fatalf("checkpoint must be the batch high-water mark: %d", pos)
	}

	// Nothing new: the next poll hands over no batch.
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(handler.batches) != 1 {
		t.Fatalf("empty feed must not invoke handlers")
	}
}

func TestFailedHandlerLeavesCheckpointAndRedelivers(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemContainer()
	checkpoints := NewMemCheckpoints()
	boom := errors.New("downstream broker down")
	handler := &recordingHandler{name: "publisher", fail: boom}
	p := NewProcessor(Config{Name: "outbox"}, source, checkpoints, SoleOwner{}, testLogger(), handler)

	seedOutbox(t, source, "e1", "order.order:1", 1)

	if err := p.Poll(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected handler failure, got %v", err)
	}
	pos, err := checkpoints.Load(ctx, "outbox")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if pos != 0 {
		t.Fatalf("checkpoint must not advance on failure, got %d", pos)
	}

	handler.fail = nil
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll after recovery: %v", err)
	}
	if len(handler.batches) != 2 {
		t.Fatalf("expected redelivery, got %d batches", len(handler.batches))
	}
	if handler.batches[1][0].ID != "e1" {
		t.Fatalf("redelivered batch must contain the failed document")
	}
}

func TestLaterHandlerFailureRedeliversToAll(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemContainer()
	checkpoints := NewMemCheckpoints()
	first := &recordingHandler{name: "first"}
	second := &recordingHandler{name: "second", fail: errors.New("nope")}
	p := NewProcessor(Config{Name: "outbox"}, source, checkpoints, SoleOwner{}, testLogger(), first, second)

	seedOutbox(t, source, "e1", "order.order:1", 1)

	if err := p.Poll(ctx); err == nil {
		t.Fatalf("expected failure from second handler")
	}
	second.fail = nil
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll after recovery: %v", err)
	}
	if len(first.batches) != 2 {
		t.Fatalf("earlier handler sees the batch again on redelivery, got %d", len(first.batches))
	}
}

func TestEntityUpdateRedeliversThroughFeed(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemContainer()
	checkpoints := NewMemCheckpoints()
	handler := &recordingHandler{name: "recorder"}
	p := NewProcessor(Config{Name: "router"}, source, checkpoints, SoleOwner{}, testLogger(), handler)

	b := source.NewBatch("w1")
	b.Create(&storage.Document{ID: "w1", PartitionKey: "w1", Kind: storage.KindEntity, Type: "catalog.widget", Data: []byte(`{"label":"lamp"}`)})
	docs, err := b.Execute(ctx)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(handler.batches) != 1 {
		t.Fatalf("expected the insert to deliver, got %d batches", len(handler.batches))
	}

	// Update the entity after its insert was checkpointed; the changed row
	// must come through the feed again.
	b2 := source.NewBatch("w1")
	b2.Replace(&storage.Document{ID: "w1", PartitionKey: "w1", Kind: storage.KindEntity, Type: "catalog.widget", Data: []byte(`{"label":"desk lamp"}`)}, docs[0].ETag)
	if _, err := b2.Execute(ctx); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll after update: %v", err)
	}
	if len(handler.batches) != 2 {
		t.Fatalf("entity update must redeliver, got %d batches", len(handler.batches))
	}
	redelivered := handler.batches[1]
	if len(redelivered) != 1 || redelivered[0].ID != "w1" || string(redelivered[0].Data) != `{"label":"desk lamp"}` {
		t.Fatalf("expected the updated document, got %+v", redelivered)
	}
}

func TestProcessorLifecycle(t *testing.T) {
	p := NewProcessor(Config{Name: "outbox", PollInterval: time.Hour}, storage.NewMemContainer(), NewMemCheckpoints(), SoleOwner{}, testLogger())

	if got := p.State(); got != StateStopped {
		t.Fatalf("new processor must be stopped, got %s", got)
	}
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := p.State(); got != StateRunning {
		t.Fatalf("expected running, got %s", got)
	}
	if err := p.Start(ctx); err == nil {
		t.Fatalf("second start must fail")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := p.State(); got != StateStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
	if err := p.Stop(stopCtx); err == nil {
		t.Fatalf("stop when stopped must fail")
	}
}
