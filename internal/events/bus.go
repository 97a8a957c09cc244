package events

import (
	"sync"
	"time"
)

// Type identifies a vault lifecycle event.
type Type string

const (
	SessionBegin  Type = "session_begin"
	ArtifactSaved Type = "artifact_saved"
	ArchiveStart  Type = "archive_start"
	ArchiveEntry  Type = "archive_entry"
	ArchiveDone   Type = "archive_done"
	ArchiveFailed Type = "archive_failed"
)

// Event represents a vault event with associated data.
type Event struct {
	Type      Type
	Timestamp time.Time
	SessionID int64
	Data      map[string]any
}

// Int returns an integer field of Data, or 0.
func (e Event) Int(key string) int {
	v, _ := e.Data[key].(int)
	return v
}

// Str returns a string field of Data, or "".
func (e Event) Str(key string) string {
	v, _ := e.Data[key].(string)
	return v
}

// Handler is a function that handles events.
type Handler func(Event)

// Bus manages event publication and subscription. Handlers run
// synchronously on the publishing goroutine. A nil *Bus drops events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[Type][]Handler
	allHandlers []Handler
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for all event types.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, h)
}

// Publish sends an event to all registered handlers.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	for _, h := range b.handlers[e.Type] {
		h(e)
	}
	for _, h := range b.allHandlers {
		h(e)
	}
}

// PublishWithData publishes an event with associated data.
func (b *Bus) PublishWithData(t Type, sessionID int64, data map[string]any) {
	b.Publish(Event{
		Type:      t,
		SessionID: sessionID,
		Data:      data,
	})
}
