package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process Bus used by tests and single-node development runs.
// Delivery is synchronous: Publish invokes every registered handler before
// returning, which keeps tests deterministic.
type Memory struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

// NewMemory constructs an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]Handler)}
}

// Publish delivers the JSON-encoded payload to every subscriber of the topic.
func (m *Memory) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	m.mu.RLock()
	handlers := append([]Handler(nil), m.subs[topic]...)
	m.mu.RUnlock()
	for _, h := range handlers {
		// Handler errors are swallowed just like the durable transport: the
		// message counts as acknowledged either way.
		_ = h(ctx, data)
	}
	return nil
}

// Subscribe registers the handler and blocks until ctx is cancelled, matching
// the blocking contract of the durable implementation.
func (m *Memory) Subscribe(ctx context.Context, topic string, h Handler) error {
	m.register(topic, h)
	<-ctx.Done()
	return ctx.Err()
}

// register attaches the handler without blocking; tests use it directly.
func (m *Memory) register(topic string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = append(m.subs[topic], h)
}

// Register exposes non-blocking subscription for tests.
func (m *Memory) Register(topic string, h Handler) {
	m.register(topic, h)
}

// Close implements Bus.
func (m *Memory) Close() error { return nil }
