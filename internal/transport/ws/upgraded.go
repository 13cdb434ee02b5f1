package ws

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// UpgradedConn is a WebSocket spoken directly over a net.Conn that was
// upgraded in place, for listeners that accept both raw TCP and WebSocket
// on one port. It implements chat.Conn with gobwas/ws.
type UpgradedConn struct {
	conn  net.Conn
	rw    io.ReadWriter
	limit int64

	// Control frames are answered from the read path, so writes from both
	// sides are serialized.
	wmu sync.Mutex
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

var upgrader = ws.Upgrader{
	OnRequest: func(uri []byte) error {
		path, _, _ := bytes.Cut(uri, []byte("?"))
		if string(path) != Path {
			return ws.RejectConnectionError(ws.RejectionStatus(http.StatusNotFound))
		}
		return nil
	},
}

// ErrMessageTooBig is returned by Read when a message exceeds the read
// limit. The peer has been sent a 1009 close frame by then.
var ErrMessageTooBig = errors.New("websocket message exceeds read limit")

// Upgrade performs the server side of the opening handshake on conn. Only
// requests for Path are accepted. Bytes already buffered in br while
// sniffing the protocol are consumed first. limit caps one message; zero
// or less means no cap.
func Upgrade(conn net.Conn, br *bufio.Reader, limit int64) (*UpgradedConn, error) {
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c := &UpgradedConn{conn: conn, limit: limit}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{mu: &c.wmu, w: conn}}

	if _, err := upgrader.Upgrade(c.rw); err != nil {
		return nil, err
	}
	return c, nil
}

// Read implements chat.Conn.
// The context is not consulted; closing the connection unblocks Read. A
// normal or going-away close frame reads as io.EOF, as in Conn.
func (c *UpgradedConn) Read(ctx context.Context) ([]byte, error) {
	control := wsutil.ControlFrameHandler(c.rw, ws.StateServerSide)
	rd := wsutil.Reader{
		Source:         c.rw,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   c.limit,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, c.readErr(err)
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, &rd); err != nil {
				return nil, c.readErr(err)
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, c.readErr(err)
			}
			continue
		}

		// Continuation frames are each checked against MaxFrameSize; the
		// total is bounded here.
		var src io.Reader = &rd
		if c.limit > 0 {
			src = io.LimitReader(&rd, c.limit+1)
		}
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, c.readErr(err)
		}
		if c.limit > 0 && int64(len(data)) > c.limit {
			return nil, c.readErr(wsutil.ErrFrameTooLarge)
		}
		return data, nil
	}
}

func (c *UpgradedConn) readErr(err error) error {
	var closed wsutil.ClosedError
	switch {
	case errors.As(err, &closed) && (closed.Code == ws.StatusNormalClosure || closed.Code == ws.StatusGoingAway):
		return io.EOF
	case errors.Is(err, wsutil.ErrFrameTooLarge):
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "")))
		c.wmu.Unlock()
		return ErrMessageTooBig
	}
	return err
}

// Write implements chat.Conn.
func (c *UpgradedConn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// Close implements chat.Conn.
func (c *UpgradedConn) Close() error {
	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	c.wmu.Unlock()
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *UpgradedConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
