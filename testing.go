package midipe

import (
	"fmt"
	"sync"
)

// MockTransport provides a scriptable Transport for testing. Outbound
// frames are recorded for verification; inbound frames are injected by
// the test. An OnSend hook lets a test play the device side and answer
// requests as they are sent.
type MockTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	frames  chan []byte
	closed  bool
	sendErr error

	// OnSend, when set, is invoked synchronously with a copy of every
	// frame accepted by Send.
	OnSend func(frame []byte)
}

// NewMockTransport creates a mock transport with a generous inbound
// buffer so tests never block on injection.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		frames: make(chan []byte, 64),
	}
}

// Send implements the Transport interface
func (m *MockTransport) Send(frame []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("mock transport closed")
	}
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), frame...)
	m.sent = append(m.sent, cp)
	hook := m.OnSend
	m.mu.Unlock()

	if hook != nil {
		hook(cp)
	}
	return nil
}

// Frames implements the Transport interface
func (m *MockTransport) Frames() <-chan []byte {
	return m.frames
}

// Close implements the Transport interface
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.frames)
	return nil
}

// Inject queues an inbound frame as if the device had sent it.
func (m *MockTransport) Inject(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.frames <- append([]byte(nil), frame...)
}

// SetSendError makes subsequent Send calls fail with err. Pass nil to
// restore normal operation.
func (m *MockTransport) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns copies of all frames accepted so far.
func (m *MockTransport) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	for i, f := range m.sent {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// SentCount returns the number of frames accepted so far.
func (m *MockTransport) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// IsClosed returns true if the transport has been closed
func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Compile-time interface check
var _ Transport = (*MockTransport)(nil)
