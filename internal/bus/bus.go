// Package bus is a small synchronous pub/sub for pipeline lifecycle
// events. The metrics bridge and log taps subscribe to it.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Well-known event types.
const (
	EventReceived      = "event.received"
	EventDuplicate     = "event.duplicate"
	EventValidationErr = "event.validation_error"
	EventWelcomeSent   = "welcome.sent"
	GroupWaiting       = "group.waiting"
	GroupComplete      = "group.complete"
	DeliveryRetry      = "delivery.retry"
	DeliveryFailed     = "delivery.failed"
	DeliverySucceeded  = "delivery.succeeded"
	PipelineError      = "pipeline.error"
)

// Event is one pipeline lifecycle occurrence.
type Event struct {
	Type      string
	ChatID    string
	Fields    map[string]any
	Timestamp time.Time
}

// Handler is a subscriber callback. Handlers run synchronously on the
// emitting goroutine and must be fast.
type Handler func(Event)

// Bus fans events out to subscribers. "*" subscribes to everything.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// On registers a handler for an event type ("*" for all).
func (b *Bus) On(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Emit delivers the event to type and wildcard subscribers. A panicking
// handler is logged and does not affect other handlers or the emitter.
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "event", event.Type, "panic", r)
				}
			}()
			h(event)
		}(h)
	}
}
