package testutil

import (
	"context"
	"sync"

	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/topic"
	"github.com/c360/telemetrykit/transport"
)

// MockTransport is an in-process transport. Tests deliver messages
// with Inject and drive the connection lifecycle with DropConnection
// and Restore.
type MockTransport struct {
	mu        sync.RWMutex
	connected bool
	subs      map[string]transport.Handler
	published []PublishedMessage
	onLost    func(error)
	onRestore func()

	// ConnectErr, when set, makes the next Connect fail once.
	ConnectErr error
}

// PublishedMessage records one outbound Publish call.
type PublishedMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// NewMockTransport creates a disconnected mock.
func NewMockTransport() *MockTransport {
	return &MockTransport{subs: make(map[string]transport.Handler)}
}

func (m *MockTransport) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ConnectErr != nil {
		err := m.ConnectErr
		m.ConnectErr = nil
		return err
	}
	m.connected = true
	return nil
}

func (m *MockTransport) Subscribe(filter string, _ byte, handler transport.Handler) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.ErrNotConnected
	}
	m.subs[filter] = handler
	return nil
}

func (m *MockTransport) Unsubscribe(filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, filter)
	return nil
}

func (m *MockTransport) Publish(_ context.Context, t string, qos byte, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.ErrNotConnected
	}
	m.published = append(m.published, PublishedMessage{Topic: t, Payload: payload, QoS: qos})
	return nil
}

func (m *MockTransport) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MockTransport) OnConnectionLost(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLost = fn
}

func (m *MockTransport) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRestore = fn
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.subs = make(map[string]transport.Handler)
	return nil
}

// Inject delivers a raw message to every subscription whose filter
// matches the topic, like a broker would.
func (m *MockTransport) Inject(t string, payload []byte) {
	m.mu.RLock()
	var handlers []transport.Handler
	for filter, h := range m.subs {
		if topic.Match(filter, t) {
			handlers = append(handlers, h)
		}
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(t, payload)
	}
}

// DropConnection simulates a broker outage.
func (m *MockTransport) DropConnection(err error) {
	m.mu.Lock()
	m.connected = false
	lost := m.onLost
	m.mu.Unlock()

	if lost != nil {
		lost(err)
	}
}

// Restore simulates the transport reconnecting on its own.
func (m *MockTransport) Restore() {
	m.mu.Lock()
	m.connected = true
	restore := m.onRestore
	m.mu.Unlock()

	if restore != nil {
		restore()
	}
}

// Published returns a copy of the outbound messages.
func (m *MockTransport) Published() []PublishedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PublishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

// Subscriptions returns the currently registered filters.
func (m *MockTransport) Subscriptions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	filters := make([]string, 0, len(m.subs))
	for f := range m.subs {
		filters = append(filters, f)
	}
	return filters
}

var _ transport.Transport = (*MockTransport)(nil)
