package notify

import (
	"context"
	"sync"
)

// MockDispatcher records dispatched messages for tests
type MockDispatcher struct {
	mu       sync.Mutex
	Messages []*Message
	Err      error
}

// NewMockDispatcher creates a recording dispatcher
func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{}
}

// Dispatch records the message and returns the configured error
func (m *MockDispatcher) Dispatch(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, msg)
	return nil
}

// Sent returns a copy of the recorded messages
func (m *MockDispatcher) Sent() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Reset clears recorded messages
func (m *MockDispatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
