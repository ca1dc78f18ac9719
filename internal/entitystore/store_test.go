package entitystore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/md-rashed-zaman/eventrail/internal/replay"
	"github.com/md-rashed-zaman/eventrail/internal/storage"
)

type widget struct {
	storage.AuditedBase
	Label string `json:"label"`
}

func (w *widget) EntityType() string { return "catalog.widget" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWidget(label string) *widget {
	return &widget{AuditedBase: storage.NewAuditedBase(), Label: label}
}

func messagesFor(t *testing.T, subject string) (*storage.Message, *storage.Message) {
	t.Helper()
	trigger, err := storage.NewInbox(subject, "catalog.widget.create", map[string]string{"label": "lamp"})
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	event, err := storage.NewEvent(subject, "catalog.widget.created", map[string]string{"label": "lamp"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return trigger, event
}

func TestCreatePersistsEntityTriggerEventsAndAudit(t *testing.T) {
	ctx := context.Background()
	container := storage.NewMemContainer()
	store := New(container, nil, testLogger())

	entity := newWidget("lamp")
	trigger, event := messagesFor(t, entity.ID)

	if err := store.Create(ctx, entity, trigger, []*storage.Message{event}, "tester"); err != nil {
		t.Fatalf("create: %v", err)
	}

	docs, err := container.Feed(ctx, 0, 10)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	kinds := map[storage.Kind]int{}
	for _, doc := range docs {
		kinds[doc.Kind]++
	}
	if kinds[storage.KindEntity] != 1 || kinds[storage.KindInbox] != 1 || kinds[storage.KindOutbox] != 1 || kinds[storage.KindAudit] != 1 {
		t.Fatalf("unexpected record mix: %v", kinds)
	}
	if event.Sequence != 1 {
		t.Fatalf("expected event sequence 1, got %d", event.Sequence)
	}
	if entity.ConcurrencyToken() == "" {
		t.Fatalf("token not written back")
	}
}

func TestCreateIsAtomic(t *testing.T) {
	ctx := context.Background()
	container := storage.NewMemContainer()
	store := New(container, nil, testLogger())
	boom := errors.New("backend down")
	container.FailNextExecute(boom)

	entity := newWidget("lamp")
	trigger, event := messagesFor(t, entity.ID)

	if err := store.Create(ctx, entity, trigger, []*storage.Message{event}, "tester"); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	docs, err := container.Feed(ctx, 0, 10)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("failed create persisted %d records", len(docs))
	}
}

func TestEmptySubjectFailsBeforeStaging(t *testing.T) {
	ctx := context.Background()
	container := storage.NewMemContainer()
	store := New(container, nil, testLogger())

	entity := newWidget("lamp")
	event, err := storage.NewEvent("", "catalog.widget.created", nil)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := store.Create(ctx, entity, nil, []*storage.Message{event}, "tester"); !errors.Is(err, storage.ErrEmptySubject) {
		t.Fatalf("expected ErrEmptySubject, got %v", err)
	}
	docs, err := container.Feed(ctx, 0, 10)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("validation failure must not write, found %d records", len(docs))
	}
}

func TestFanOutCommitsWithTheWrite(t *testing.T) {
	ctx := context.Background()
	container := storage.NewMemContainer()
	views := replay.NewViews()
	views.Register("current-widgets", "catalog.widget.created")
	store := New(container, views, testLogger())

	entity := newWidget("lamp")
	trigger, event := messagesFor(t, entity.ID)

	if err := store.Create(ctx, entity, trigger, []*storage.Message{event}, "tester"); err != nil {
		t.Fatalf("create: %v", err)
	}

	viewSubject := replay.ViewSubject("current-widgets", entity.ID)
	docs, err := container.Stream(ctx, viewSubject)
	if err != nil {
		t.Fatalf("view stream: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected one fan-out copy, got %d", len(docs))
	}
	if docs[0].ID != event.ID {
		t.Fatalf("fan-out copy must keep source id: %s vs %s", docs[0].ID, event.ID)
	}
	if docs[0].Sequence != 1 {
		t.Fatalf("view stream must sequence from 1, got %d", docs[0].Sequence)
	}
}

func TestUpdateRejectsStaleToken(t *testing.T) {
	ctx := context.Background()
	container := storage.NewMemContainer()
	store := New(container, nil, testLogger())

	entity := newWidget("lamp")
	if err := store.Create(ctx, entity, nil, nil, "tester"); err != nil {
		t.Fatalf("create: %v", err)
	}

	entity.SetConcurrencyToken("stale")
	entity.Label = "desk lamp"
	if err := store.Update(ctx, entity, nil, nil, "tester"); !errors.Is(err, storage.ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency, got %v", err)
	}
}

func TestLoadHydratesEnvelopeFields(t *testing.T) {
	ctx := context.Background()
	container := storage.NewMemContainer()
	store := New(container, nil, testLogger())

	entity := newWidget("lamp")
	if err := store.Create(ctx, entity, nil, nil, "tester"); err != nil {
		t.Fatalf("create: %v", err)
	}

	var got widget
	if err := store.Load(ctx, entity.ID, entity.ID, &got); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Label != "lamp" || got.ID != entity.ID {
		t.Fatalf("unexpected hydrated entity: %+v", got)
	}
	if got.ConcurrencyToken() != entity.ConcurrencyToken() {
		t.Fatalf("token mismatch after load")
	}
}

func TestDeleteFlagsAuditedEntity(t *testing.T) {
	ctx := context.Background()
	container := storage.NewMemContainer()
	store := New(container, nil, testLogger())

	entity := newWidget("lamp")
	if err := store.Create(ctx, entity, nil, nil, "tester"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Delete(ctx, entity, nil, nil, "tester", false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	doc, err := container.Get(ctx, entity.ID, entity.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !doc.Deleted {
		t.Fatalf("expected deleted flag on entity document")
	}

	docs, err := container.Feed(ctx, 0, 20)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	var deletedSnapshots int
	for _, d := range docs {
		if d.Kind == storage.KindAudit && d.Deleted {
			deletedSnapshots++
		}
	}
	if deletedSnapshots != 1 {
		t.Fatalf("expected one deletion audit snapshot, got %d", deletedSnapshots)
	}
}
