package chat

import (
	"context"
	"sync"
	"time"
)

// DefaultSendBuffer is the outgoing queue length used when none is given.
const DefaultSendBuffer = 64

// Client is one live connection. Messages for it are queued on a bounded
// channel and written by a single writer goroutine.
type Client struct {
	Conn Conn

	outgoing  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps conn with an outgoing queue of the given length.
func NewClient(conn Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{
		Conn:     conn,
		outgoing: make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Send queues data without blocking. A client whose queue is full is closed
// and Send reports false, as it does for a client that is already closed.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outgoing <- data:
		return true
	default:
		c.Close()
		return false
	}
}

// Close marks the client as finished. The writer flushes whatever is
// queued and stops. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// writeLoop writes queued messages until the client is closed, then drains
// the queue. Each write is bounded by timeout.
func (c *Client) writeLoop(ctx context.Context, timeout time.Duration) error {
	write := func(data []byte) error {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return c.Conn.Write(wctx, data)
	}

	for {
		select {
		case data := <-c.outgoing:
			if err := write(data); err != nil {
				c.Close()
				return err
			}
		case <-c.done:
			for {
				select {
				case data := <-c.outgoing:
					if err := write(data); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}
