package core

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// BusHandler receives published payloads for one topic
type BusHandler func(payload interface{})

// EventBus is a typed in-process pub/sub channel for fire-and-forget domain
// notifications. Delivery is at-least-once to every handler registered at
// publish time; a panicking handler never affects other handlers or the
// publisher. Anything that needs a return value must be an explicit method
// call between components, never a bus event.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]BusHandler
	logger   *zap.SugaredLogger
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.SugaredLogger) *EventBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventBus{
		handlers: make(map[string][]BusHandler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a topic
func (b *EventBus) Subscribe(topic string, handler BusHandler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish delivers the payload to every handler subscribed to the topic.
// Handlers run synchronously on the publisher's goroutine; slow consumers
// should hand off to their own workers.
func (b *EventBus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	handlers := make([]BusHandler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(topic, h, payload)
	}
}

// deliver invokes one handler with panic isolation
func (b *EventBus) deliver(topic string, h BusHandler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			if b.logger != nil {
				b.logger.Errorw("Event handler panic recovered",
					"topic", topic,
					"panic", r,
					"stack", string(buf[:n]))
			} else {
				fmt.Fprintf(os.Stderr, "PANIC in handler for %s: %v\n", topic, r)
			}
		}
	}()
	h(payload)
}
