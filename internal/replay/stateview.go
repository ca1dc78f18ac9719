package replay

import "github.com/md-rashed-zaman/eventrail/internal/storage"

// Views is the state-view fan-out registry: which read-model views are
// interested in which event types. A view's copy of an event lives under a
// per-view subject, giving each view its own replayable stream without
// touching the source stream.
type Views struct {
	byEvent map[string][]string // event type -> view names, registration order
}

func NewViews() *Views {
	return &Views{byEvent: make(map[string][]string)}
}

// Register subscribes a view to one or more event types.
func (v *Views) Register(view string, eventTypes ...string) {
	for _, eventType := range eventTypes {
		v.byEvent[eventType] = append(v.byEvent[eventType], view)
	}
}

// ViewSubject derives the stream subject a view keeps for a source subject.
func ViewSubject(view, subject string) string {
	return view + "/" + subject
}

// Duplicates builds the per-view copies of an event document. Each copy keeps
// the source event's ID and sequence; containers key rows by (partition, id),
// so re-running the fan-out overwrites rather than multiplies. The copies
// carry no concurrency token, they are written unconditionally.
func (v *Views) Duplicates(doc *storage.Document) []*storage.Document {
	views := v.byEvent[doc.Type]
	if len(views) == 0 {
		return nil
	}
	out := make([]*storage.Document, 0, len(views))
	for _, view := range views {
		cp := doc.Clone()
		cp.Subject = ViewSubject(view, doc.Subject)
		cp.PartitionKey = cp.Subject
		cp.Kind = storage.KindEvent
		cp.ETag = ""
		cp.FeedSeq = 0
		out = append(out, cp)
	}
	return out
}
