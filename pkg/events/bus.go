// Package events carries job and session lifecycle notifications from the
// core components to observers such as the websocket stream.
//
// Handlers run synchronously on the emitting goroutine and must not block.
package events

import (
	"sync"
	"time"
)

// Event types emitted by the core.
const (
	JobEnqueued     = "job.enqueued"
	JobRejected     = "job.rejected"
	JobStarted      = "job.started"
	JobCompleted    = "job.completed"
	JobRetrying     = "job.retrying"
	JobRequeued     = "job.requeued"
	JobFailed       = "job.failed"
	JobCancelled    = "job.cancelled"
	SessionActive   = "session.active"
	SessionRefresh  = "session.refreshed"
	SessionEvicted  = "session.evicted"
	SessionCreated  = "session.emergency_created"
	MaintenanceDone = "maintenance.completed"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event is a single notification.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler handles one event.
type Handler func(event Event)

// Emitter is what producers depend on.
type Emitter interface {
	Emit(eventType string, data map[string]interface{})
}

// Bus dispatches events to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// On registers handler for eventType, or for every event with Wildcard.
func (b *Bus) On(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Off removes all handlers for eventType.
func (b *Bus) Off(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, eventType)
}

// Emit delivers an event to the handlers of its type, then to wildcard handlers.
func (b *Bus) Emit(eventType string, data map[string]interface{}) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[eventType]...)
	handlers = append(handlers, b.handlers[Wildcard]...)
	b.mu.RUnlock()

	event := Event{Type: eventType, Data: data, Timestamp: time.Now()}
	for _, handler := range handlers {
		handler(event)
	}
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(string, map[string]interface{}) {}
