// Package chat holds the transport-independent core of the server: live
// clients, the session registry, request dispatch and the per-connection
// worker that ties them together.
package chat

import "context"

// Conn abstracts a bidirectional connection for both TCP and WebSocket.
// This interface isolates transport details from chat logic.
type Conn interface {
	// Read returns the next chunk of bytes from the peer. Chunks carry no
	// message boundaries; the caller frames them. Returns io.EOF when the
	// connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one encoded message.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
