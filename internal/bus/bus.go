package bus

import (
	"log/slog"
	"sync"

	"github.com/chapohq/chapo/pkg/protocol"
)

// EventHandler handles a broadcast event frame.
type EventHandler func(ev *protocol.EventFrame)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the agent runtime to decouple from the
// concrete Bus. State mutation and WebSocket emission share the same
// per-session sequence order because both go through one Broadcast call.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(ev *protocol.EventFrame)
}

// Bus is an in-process fan-out of event frames to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
	order    []string // registration order for deterministic delivery
}

func New() *Bus {
	return &Bus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under an id. Re-subscribing the same id
// replaces the handler but keeps its original position.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[id]; !ok {
		b.order = append(b.order, id)
	}
	b.handlers[id] = handler
}

// Unsubscribe removes a handler by id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[id]; !ok {
		return
	}
	delete(b.handlers, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Broadcast delivers the event to all handlers synchronously in registration
// order. A panicking handler is reported and skipped; delivery continues.
func (b *Bus) Broadcast(ev *protocol.EventFrame) {
	b.mu.RLock()
	ids := make([]string, len(b.order))
	copy(ids, b.order)
	handlers := make([]EventHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for i, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus handler panicked", "id", ids[i], "event", ev.Type, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
