// Package ws carries chat connections over WebSocket, either accepted by an
// HTTP server (Server) or upgraded in place from a sniffed socket
// (UpgradedConn).
package ws

import (
	"context"
	"io"

	"nhooyr.io/websocket"
)

// Conn adapts a nhooyr.io/websocket connection to chat.Conn. Each chat
// message travels as one text message.
type Conn struct {
	ws     *websocket.Conn
	remote string
}

func NewConn(conn *websocket.Conn, remoteAddr string) *Conn {
	return &Conn{ws: conn, remote: remoteAddr}
}

// Read returns the payload of the next data message, text or binary. A
// close frame with a normal or going-away status reads as io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *Conn) RemoteAddr() string {
	return c.remote
}
