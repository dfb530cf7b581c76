// Package inbox queues user messages that arrive while a decision loop is
// mid-flight. Messages are processed between loop iterations, never mid-turn.
package inbox

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one queued user message.
type Message struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	ReceivedAt   time.Time `json:"receivedAt"`
	Source       string    `json:"source"`
	Acknowledged bool      `json:"acknowledged"`
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(content, source string) Message {
	return Message{
		ID:         uuid.NewString(),
		Content:    content,
		ReceivedAt: time.Now(),
		Source:     source,
	}
}

// Handler is notified synchronously on every push for its session.
type Handler func(msg Message)

type sessionQueue struct {
	messages []Message
	handlers []registeredHandler
}

type registeredHandler struct {
	id string
	fn Handler
}

// Inbox holds per-session FIFO queues plus listener sets.
// All operations are safe for concurrent push while a loop goroutine drains.
type Inbox struct {
	mu     sync.Mutex
	queues map[string]*sessionQueue
}

func New() *Inbox {
	return &Inbox{queues: make(map[string]*sessionQueue)}
}

func (i *Inbox) queue(sessionID string) *sessionQueue {
	q, ok := i.queues[sessionID]
	if !ok {
		q = &sessionQueue{}
		i.queues[sessionID] = q
	}
	return q
}

// Push appends a message and notifies all listeners synchronously in
// registration order. A panicking handler is reported but does not block
// delivery to subsequent handlers.
func (i *Inbox) Push(sessionID string, msg Message) {
	i.mu.Lock()
	q := i.queue(sessionID)
	q.messages = append(q.messages, msg)
	handlers := make([]registeredHandler, len(q.handlers))
	copy(handlers, q.handlers)
	i.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("inbox handler panicked", "session", sessionID, "handler", h.id, "panic", r)
				}
			}()
			h.fn(msg)
		}()
	}
}

// Drain returns and removes all queued messages in arrival order.
func (i *Inbox) Drain(sessionID string) []Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	q, ok := i.queues[sessionID]
	if !ok || len(q.messages) == 0 {
		return nil
	}
	msgs := q.messages
	q.messages = nil
	return msgs
}

// Peek snapshots the queue without removing anything.
func (i *Inbox) Peek(sessionID string) []Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	q, ok := i.queues[sessionID]
	if !ok || len(q.messages) == 0 {
		return nil
	}
	msgs := make([]Message, len(q.messages))
	copy(msgs, q.messages)
	return msgs
}

// Subscribe registers a handler for a session and returns its id for
// later removal.
func (i *Inbox) Subscribe(sessionID string, handler Handler) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	id := uuid.NewString()
	q := i.queue(sessionID)
	q.handlers = append(q.handlers, registeredHandler{id: id, fn: handler})
	return id
}

// Unsubscribe removes exactly the handler registered under id. When the last
// handler goes away the handler set is released; queued messages remain.
func (i *Inbox) Unsubscribe(sessionID, id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	q, ok := i.queues[sessionID]
	if !ok {
		return
	}
	for idx, h := range q.handlers {
		if h.id == id {
			q.handlers = append(q.handlers[:idx], q.handlers[idx+1:]...)
			break
		}
	}
	if len(q.handlers) == 0 {
		q.handlers = nil
		if len(q.messages) == 0 {
			delete(i.queues, sessionID)
		}
	}
}

// Clear removes a session's queue and handlers entirely.
func (i *Inbox) Clear(sessionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.queues, sessionID)
}
