package plugin

import (
	"sync"
)

// EventType is the type of a registry event.
type EventType int

const (
	// EventRegistered is emitted when a plugin enters the registry in Loading state.
	EventRegistered EventType = iota
	// EventReady is emitted when a plugin finishes loading successfully.
	EventReady
	// EventFailed is emitted when loading fails or the plugin fails at runtime.
	EventFailed
	// EventUnloaded is emitted after a plugin is unloaded.
	EventUnloaded
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventReady:
		return "ready"
	case EventFailed:
		return "failed"
	case EventUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Event describes a plugin state change.
type Event struct {
	Type   EventType
	Plugin string
	ID     string
	Err    error
}

// EventHandler handles registry events. Handlers run on the goroutine that
// caused the change and must not block. Panics in handlers are recovered.
type EventHandler func(event Event)

type eventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func (b *eventBus) subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	index := len(b.handlers) - 1
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// Nil out instead of removing so other indices stay valid.
		if index < len(b.handlers) {
			b.handlers[index] = nil
		}
	}
}

func (b *eventBus) emit(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				recover() //nolint:errcheck // handler panics are ignored
			}()
			handler(event)
		}()
	}
}
