// Package dispatch routes commands and events to handlers registered at
// startup. Commands have exactly one handler; events go to every subscriber.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/eventrail/internal/storage"
)

// ErrUnhandled reports a command type no handler was registered for.
var ErrUnhandled = errors.New("dispatch: no handler registered for command type")

type CommandHandler func(ctx context.Context, cmd *storage.Message) error

type EventHandler func(ctx context.Context, event *storage.Message) error

// Mux is the handler registry. Registration happens once at startup before
// any Send or Publish; it is not safe for concurrent mutation afterwards.
type Mux struct {
	commands map[string]CommandHandler
	events   map[string][]EventHandler
	logger   *slog.Logger
}

func NewMux(logger *slog.Logger) *Mux {
	return &Mux{
		commands: make(map[string]CommandHandler),
		events:   make(map[string][]EventHandler),
		logger:   logger,
	}
}

// HandleCommand registers the single handler for a command type. Registering
// the same type twice is a wiring bug and panics, like a duplicate ServeMux
// pattern.
func (m *Mux) HandleCommand(commandType string, h CommandHandler) {
	if _, ok := m.commands[commandType]; ok {
		panic(fmt.Sprintf("dispatch: duplicate command handler for %q", commandType))
	}
	m.commands[commandType] = h
}

// HandleEvent subscribes a handler to an event type.
func (m *Mux) HandleEvent(eventType string, h EventHandler) {
	m.events[eventType] = append(m.events[eventType], h)
}

// Send routes a command to its handler, or ErrUnhandled.
func (m *Mux) Send(ctx context.Context, cmd *storage.Message) error {
	h, ok := m.commands[cmd.Type]
	if !ok {
		return fmt.Errorf("command %s type %q: %w", cmd.ID, cmd.Type, ErrUnhandled)
	}
	return h(ctx, cmd)
}

// Publish delivers an event to every subscribed handler in registration
// order. No subscribers is not an error. Every handler runs even when an
// earlier one fails; failures are joined.
func (m *Mux) Publish(ctx context.Context, event *storage.Message) error {
	var errs []error
	for _, h := range m.events[event.Type] {
		if err := h(ctx, event); err != nil {
			m.logger.Error("event handler failed", "event_id", event.ID, "event_type", event.Type, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
