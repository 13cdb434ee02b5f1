// Package client implements a chat client over any byte transport. The tcp
// and ws subpackages supply the transports.
package client

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/omochice/json-socket-chat/pkg/protocol"
)

// Transport moves raw bytes to and from the server. Read returns whatever
// arrived next; framing is done by the Client.
type Transport interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// Dialer opens a Transport.
type Dialer func() (Transport, error)

// ErrNotConnected is returned by requests made before Connect.
var ErrNotConnected = errors.New("not connected to server")

// Client represents a chat client. Server messages are delivered on
// Messages until the connection ends, then the channel is closed.
type Client struct {
	username string
	dial     Dialer
	logger   *slog.Logger

	mu        sync.RWMutex
	transport Transport
	messages  chan protocol.ServerMessage
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a client for username that connects with dial.
func New(username string, dial Dialer, logger *slog.Logger) *Client {
	return &Client{
		username: username,
		dial:     dial,
		logger:   logger,
		messages: make(chan protocol.ServerMessage, 64),
		done:     make(chan struct{}),
	}
}

// Username returns the name the client logs in as.
func (c *Client) Username() string { return c.username }

// Connect establishes a connection to the server
func (c *Client) Connect() error {
	t, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveMessages(t)
	return nil
}

// Disconnect closes the connection and waits for the receiver to stop.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport != nil
}

// Messages returns the channel for receiving server messages.
func (c *Client) Messages() <-chan protocol.ServerMessage {
	return c.messages
}

// Login authenticates as the client's username.
func (c *Client) Login(password string) error {
	return c.send(protocol.LoginRequest{Username: c.username, Password: password})
}

// Register creates an account for the client's username.
func (c *Client) Register(password, email string) error {
	return c.send(protocol.RegisterRequest{Username: c.username, Password: password, Email: email})
}

// Logout ends the session; the server closes the connection afterwards.
func (c *Client) Logout() error {
	return c.send(protocol.LogoutRequest{Username: c.username})
}

// RefreshUsers asks for the online user list.
func (c *Client) RefreshUsers() error {
	return c.send(protocol.RefreshUsersRequest{Username: c.username})
}

// SendMessage sends a text message to the whole room.
func (c *Client) SendMessage(content string) error {
	return c.SendPrivate("", content)
}

// SendPrivate sends a text message to receiver, or to the room when
// receiver is empty.
func (c *Client) SendPrivate(receiver, content string) error {
	return c.send(protocol.ContentRequest{
		Type:      protocol.TypeText,
		Username:  c.username,
		Content:   content,
		Receiver:  receiver,
		Timestamp: now(),
	})
}

// SendFile sends an attachment of the given content type.
func (c *Client) SendFile(kind protocol.MessageType, receiver, filename string, data []byte) error {
	if !kind.IsContent() || kind == protocol.TypeText {
		return fmt.Errorf("%s is not an attachment type", kind)
	}
	return c.send(protocol.ContentRequest{
		Type:      kind,
		Username:  c.username,
		Receiver:  receiver,
		Filename:  filename,
		Data:      base64.StdEncoding.EncodeToString(data),
		Size:      protocol.FileSize(len(data)),
		Timestamp: now(),
	})
}

// History requests a page of the room log.
func (c *Client) History(limit int) error {
	return c.send(protocol.GetHistoryRequest{Limit: limit})
}

// PrivateHistory requests a page of the conversation with another user.
func (c *Client) PrivateHistory(with string, limit int) error {
	return c.send(protocol.GetPrivateHistoryRequest{With: with, Limit: limit})
}

// MarkRead marks the conversation with another user as read.
func (c *Client) MarkRead(with string) error {
	return c.send(protocol.MarkReadRequest{With: with})
}

// ListConversations requests the client's private conversations.
func (c *Client) ListConversations() error {
	return c.send(protocol.ListConversationsRequest{})
}

func now() *float64 {
	ts := float64(time.Now().UnixNano()) / float64(time.Second)
	return &ts
}

// send encodes req and writes it to the server.
func (c *Client) send(req protocol.Request) error {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()

	if t == nil {
		return ErrNotConnected
	}

	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	if err := t.Write(data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// receiveMessages frames and decodes server output until the transport
// fails or Disconnect is called.
func (c *Client) receiveMessages(t Transport) {
	defer c.wg.Done()
	defer close(c.messages)

	framer := protocol.NewFramer(0)
	for {
		data, err := t.Read()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					c.logger.Warn("error reading from server", "error", err)
				}
			}
			c.mu.Lock()
			if c.transport == t {
				c.transport = nil
			}
			c.mu.Unlock()
			return
		}

		framer.Feed(data)
		for doc, err := range framer.Frames() {
			if err != nil {
				c.logger.Warn("failed to frame server output", "error", err)
				return
			}
			msg, err := protocol.DecodeServerMessage(doc)
			if err != nil {
				c.logger.Warn("failed to decode message", "error", err)
				continue
			}
			select {
			case c.messages <- msg:
			case <-c.done:
				return
			}
		}
	}
}
