// Package ws provides a WebSocket client for the chat server.
package ws

import (
	"context"
	"log/slog"
	"time"

	"nhooyr.io/websocket"

	"github.com/omochice/json-socket-chat/internal/client"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

type transport struct {
	conn *websocket.Conn
}

// Dial returns a client.Dialer for a WebSocket URL such as
// ws://localhost:8080/ws.
func Dial(url string) client.Dialer {
	return func() (client.Transport, error) {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(64 << 20)
		return &transport{conn: conn}, nil
	}
}

func (t *transport) Read() ([]byte, error) {
	_, data, err := t.conn.Read(context.Background())
	return data, err
}

func (t *transport) Write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *transport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// New creates a WebSocket chat client.
func New(url, username string, logger *slog.Logger) *client.Client {
	return client.New(username, Dial(url), logger)
}
