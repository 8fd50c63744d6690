// Package events provides the in-process event bus that fans job lifecycle
// and audit notifications out to SSE and WebSocket subscribers.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of an event.
type EventType string

const (
	JobQueued        EventType = "job.queued"
	JobStarted       EventType = "job.started"
	JobProgress      EventType = "job.progress"
	JobCompleted     EventType = "job.completed"
	JobFailed        EventType = "job.failed"
	AuditAppended    EventType = "audit.appended"
	LiveInsightAdded EventType = "live.insight"
)

// Event is a bus message. Data is JSON-shaped.
type Event struct {
	Type      EventType              `json:"type"`
	Module    string                 `json:"module"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Handler receives published events. Handlers must not block; slow consumers
// buffer on their own channels.
type Handler func(event *Event)

// Bus is a minimal publish/subscribe fan-out keyed by event type.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every job lifecycle event type.
func (b *Bus) SubscribeAll(handler Handler) {
	for _, eventType := range []EventType{
		JobQueued, JobStarted, JobProgress, JobCompleted, JobFailed,
		AuditAppended, LiveInsightAdded,
	} {
		b.Subscribe(eventType, handler)
	}
}

// Publish delivers an event to every subscribed handler synchronously.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// PublishJobEvent is a convenience for the job manager.
func (b *Bus) PublishJobEvent(eventType EventType, jobID, jobType string, data map[string]interface{}) {
	payload := map[string]interface{}{
		"job_id":   jobID,
		"job_type": jobType,
	}
	for key, value := range data {
		payload[key] = value
	}
	b.Publish(&Event{Type: eventType, Module: "jobs", Data: payload})
}
