package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/eventrail/internal/dispatch"
	"github.com/md-rashed-zaman/eventrail/internal/storage"
)

// Router turns changed documents into commands. Each document's declared type
// tag must be registered; registration names the command type to dispatch and
// a factory whose shape validates the payload. An unregistered tag is a
// decode error, the registry is closed on purpose.
type Router struct {
	mux    *dispatch.Mux
	routes map[string]route
	logger *slog.Logger
}

type route struct {
	commandType string
	decode      func() any
}

func NewRouter(mux *dispatch.Mux, logger *slog.Logger) *Router {
	return &Router{mux: mux, routes: make(map[string]route), logger: logger}
}

// Register maps a document type tag to the command dispatched when such a
// document changes.
func (r *Router) Register(typeTag, commandType string, decode func() any) {
	r.routes[typeTag] = route{commandType: commandType, decode: decode}
}

func (r *Router) Name() string { return "router" }

func (r *Router) Handle(ctx context.Context, docs []*storage.Document) error {
	for _, doc := range docs {
		if doc.Kind != storage.KindEntity {
			continue
		}
		if err := r.route(ctx, doc); err != nil {
			return fmt.Errorf("route %s %s: %w", doc.Type, doc.ID, err)
		}
	}
	return nil
}

func (r *Router) route(ctx context.Context, doc *storage.Document) error {
	rt, ok := r.routes[doc.Type]
	if !ok {
		return fmt.Errorf("relay: no route registered for type tag %q", doc.Type)
	}
	payload := rt.decode()
	if err := json.Unmarshal(doc.Data, payload); err != nil {
		return fmt.Errorf("decode %q payload: %w", doc.Type, err)
	}

	// The command reuses the document ID, so redelivery of the same change
	// dispatches the same logical command.
	cmd := &storage.Message{
		ID:            doc.ID,
		Kind:          storage.KindInbox,
		Subject:       doc.PartitionKey,
		Type:          rt.commandType,
		Time:          doc.Time,
		Data:          doc.Data,
		RequestedBy:   doc.UpdatedBy,
		CorrelationID: doc.CorrelationID,
	}
	if err := r.mux.Send(ctx, cmd); err != nil {
		return err
	}
	r.logger.Debug("changed document routed", "type", doc.Type, "id", doc.ID, "command", rt.commandType)
	return nil
}
