package eventbus

import (
	"log"
	"sync"
	"time"
)

// Handler processes a published event. Handlers run on the publisher's
// fan-out goroutine; a handler error is logged and dropped.
type Handler func(event Event) error

// Bus is an in-memory event bus for single-process deployments.
//
// Thread-safe. Publish fans out to type subscribers plus wildcard
// subscribers concurrently and does not wait for handlers, so the
// pipeline never stalls on a slow consumer.
type Bus struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[string]map[int]Handler // event type -> subscription id -> handler
	wildcard    map[int]Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]map[int]Handler),
		wildcard:    make(map[int]Handler),
	}
}

// Publish delivers the event to all matching subscribers.
// The timestamp is stamped here if the caller left it zero.
// Publish returns immediately; handler errors are logged, never returned.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[event.Type])+len(b.wildcard))
	for _, h := range b.subscribers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.wildcard {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		go func(h Handler) {
			if err := h(event); err != nil {
				log.Printf("event subscriber failed for %s: %v", event.Type, err)
			}
		}(handler)
	}
}

// Subscribe registers a handler for one event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[int]Handler)
	}
	b.subscribers[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[eventType], id)
	}
}

// SubscribeAll registers a handler for every event type.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.wildcard[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.wildcard, id)
	}
}

// SubscriberCount reports how many handlers would receive an event of
// the given type. Useful for tests and introspection.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType]) + len(b.wildcard)
}

// Clear removes all subscribers. Useful for testing.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string]map[int]Handler)
	b.wildcard = make(map[int]Handler)
}
