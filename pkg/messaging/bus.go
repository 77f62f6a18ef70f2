package messaging

import "sync"

// LocalBus is the in-process EventBus implementation: synchronous fan-out to
// every handler registered for an event's Type, in registration order.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string][]func(Event) error
}

// NewLocalBus builds an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string][]func(Event) error)}
}

// Publish invokes every handler subscribed to event.Type. The first handler
// error is returned; later handlers still run.
func (b *LocalBus) Publish(event Event) error {
	b.mu.RLock()
	handlers := append([]func(Event) error(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		if err := h(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribe registers handler for eventType.
func (b *LocalBus) Subscribe(eventType string, handler func(Event) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}
