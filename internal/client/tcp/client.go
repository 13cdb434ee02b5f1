// Package tcp provides a TCP client for the chat server.
package tcp

import (
	"log/slog"
	"net"
	"time"

	"github.com/omochice/json-socket-chat/internal/client"
)

const dialTimeout = 5 * time.Second

type transport struct {
	conn net.Conn
	buf  []byte
}

// Dial returns a client.Dialer for a raw TCP server at address.
func Dial(address string) client.Dialer {
	return func() (client.Transport, error) {
		conn, err := net.DialTimeout("tcp", address, dialTimeout)
		if err != nil {
			return nil, err
		}
		return &transport{conn: conn, buf: make([]byte, 4096)}, nil
	}
}

func (t *transport) Read() ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, t.buf[:n])
		return out, nil
	}
	return nil, err
}

func (t *transport) Write(data []byte) error {
	_, err := t.conn.Write(data)
	return err
}

func (t *transport) Close() error {
	return t.conn.Close()
}

// New creates a TCP chat client.
func New(address, username string, logger *slog.Logger) *client.Client {
	return client.New(username, Dial(address), logger)
}
