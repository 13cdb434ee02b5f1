package chat_test

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/omochice/json-socket-chat/internal/chat"
)

// mockConn is a mock implementation of chat.Conn for testing. Bytes sent
// on readCh are returned by Read; every Write lands on writes.
type mockConn struct {
	readCh     chan []byte
	writes     chan []byte
	writeErr   error
	closed     chan struct{}
	closeOnce  sync.Once
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 16),
		writes:     make(chan []byte, 256),
		closed:     make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, io.EOF
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	select {
	case <-m.closed:
		return net.ErrClosed
	default:
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	select {
	case m.writes <- copied:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
