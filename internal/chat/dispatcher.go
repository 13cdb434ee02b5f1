package chat

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/omochice/json-socket-chat/internal/chaterr"
	"github.com/omochice/json-socket-chat/internal/store"
	"github.com/omochice/json-socket-chat/pkg/protocol"
)

// Session is the per-connection state handlers read and update. It is
// only touched by the connection's own goroutine.
type Session struct {
	Client *Client
	User   *store.User
	Logger *slog.Logger
}

// LoggedIn reports whether the connection has authenticated.
func (s *Session) LoggedIn() bool { return s.User != nil }

// Username returns the authenticated name, or "" before login.
func (s *Session) Username() string {
	if s.User == nil {
		return ""
	}
	return s.User.Username
}

// Direct is a message for one named session.
type Direct struct {
	To  string
	Msg protocol.Outbound
}

// Outcome is what a handler wants delivered. Reply goes to the requesting
// connection, Broadcast to every online session (the sender included) and
// Direct to individual users. Close ends the connection once the replies
// are queued.
type Outcome struct {
	Reply     []protocol.Outbound
	Broadcast []protocol.Outbound
	Direct    []Direct
	Close     bool

	// Err is the failure behind an error reply, for logging and metrics.
	Err error
}

// HandlerFunc handles one decoded request.
type HandlerFunc func(ctx context.Context, s *Session, req protocol.Request) Outcome

// Dispatcher routes requests to handlers by message type.
type Dispatcher struct {
	handlers map[protocol.MessageType]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[protocol.MessageType]HandlerFunc)}
}

// Handle registers h for each of types, replacing any earlier handler.
func (d *Dispatcher) Handle(h HandlerFunc, types ...protocol.MessageType) {
	for _, t := range types {
		d.handlers[t] = h
	}
}

// Dispatch runs the handler for req. A panicking handler produces a
// generic error reply instead of taking the connection down.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, req protocol.Request) (out Outcome) {
	h, ok := d.handlers[req.MessageType()]
	if !ok {
		err := chaterr.InvalidArg("unknown message type")
		return Outcome{Reply: []protocol.Outbound{protocol.ErrorResponse(err.Error())}, Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			s.Logger.ErrorContext(ctx, "handler panic",
				"type", req.MessageType(), "panic", r, "stack", string(debug.Stack()))
			err := chaterr.Internal("handler panic", fmt.Errorf("%v", r))
			out = Outcome{Reply: []protocol.Outbound{protocol.ErrorResponse("internal server error")}, Err: err}
		}
	}()
	return h(ctx, s, req)
}

// fail builds an Outcome carrying a single failed reply of type t.
func fail(t protocol.MessageType, err error) Outcome {
	msg := chaterr.UserMessage(err, "internal server error")
	return Outcome{Reply: []protocol.Outbound{protocol.Fail(t, msg)}, Err: err}
}

func reply(msgs ...protocol.Outbound) Outcome {
	return Outcome{Reply: msgs}
}
