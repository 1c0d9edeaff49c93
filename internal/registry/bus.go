package registry

import (
	"sync"

	"conductor/internal/logging"
)

// Bus is a small in-process event fan-out with subscribe/unsubscribe
// semantics. Delivery is synchronous and best-effort: a panicking handler
// is recovered and logged, never propagated to the publisher.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
	logger   logging.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logging.OrNop(logger),
	}
}

// Subscribe registers a handler and returns its detach function. Detaching
// twice is a no-op.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers the event to every subscribed handler.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked on %s: %v", event.Type, r)
				}
			}()
			h(event)
		}()
	}
}

// SubscriberCount returns the number of attached handlers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
