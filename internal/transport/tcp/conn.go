// Package tcp provides TCP transport implementation for the chat server.
package tcp

import (
	"context"
	"net"
	"time"
)

const readBufferSize = 4096

// Conn adapts net.Conn to chat.Conn interface.
type Conn struct {
	conn net.Conn
	buf  []byte
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, buf: make([]byte, readBufferSize)}
}

// Read implements chat.Conn.
// Reads available bytes from the TCP connection. The context is not
// consulted; closing the connection unblocks a pending Read.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, c.buf[:n])
		return out, nil
	}
	return nil, err
}

// Write implements chat.Conn.
// The context deadline, if any, becomes the socket write deadline.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
