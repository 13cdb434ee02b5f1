package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/omochice/json-socket-chat/internal/auth"
	"github.com/omochice/json-socket-chat/internal/chaterr"
	"github.com/omochice/json-socket-chat/internal/conversation"
	"github.com/omochice/json-socket-chat/internal/media"
	"github.com/omochice/json-socket-chat/internal/metrics"
	"github.com/omochice/json-socket-chat/internal/store"
	"github.com/omochice/json-socket-chat/pkg/protocol"
)

// Handler serves one accepted connection until it ends. Transports call it
// from their own goroutine per connection.
type Handler interface {
	ServeConn(ctx context.Context, conn Conn, transport string)
}

// Config tunes per-connection behavior.
type Config struct {
	MaxFrameBytes int
	SendBuffer    int
	WriteTimeout  time.Duration
	// RateLimit is the sustained number of requests per second a
	// connection may send; RateBurst is the bucket size.
	RateLimit float64
	RateBurst int
}

// Deps are the components a Service coordinates.
type Deps struct {
	Hub     *Hub
	Engine  *conversation.Engine
	Auth    *auth.Service
	Media   *media.Service
	Users   store.Users
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Service runs the read, dispatch and deliver loop for every connection.
type Service struct {
	cfg        Config
	hub        *Hub
	engine     *conversation.Engine
	auth       *auth.Service
	media      *media.Service
	users      store.Users
	metrics    *metrics.Metrics
	logger     *slog.Logger
	dispatcher *Dispatcher
	now        func() time.Time
}

var _ Handler = (*Service)(nil)

func NewService(cfg Config, d Deps) *Service {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = float64(rate.Inf)
	}
	s := &Service{
		cfg:        cfg,
		hub:        d.Hub,
		engine:     d.Engine,
		auth:       d.Auth,
		media:      d.Media,
		users:      d.Users,
		metrics:    d.Metrics,
		logger:     d.Logger,
		dispatcher: NewDispatcher(),
		now:        time.Now,
	}
	s.routes()
	return s
}

// Hub returns the session registry.
func (s *Service) Hub() *Hub { return s.hub }

// ServeConn reads framed requests from conn, dispatches them in arrival
// order and delivers the results. It returns after the connection has been
// closed and its session, if any, removed.
func (s *Service) ServeConn(ctx context.Context, conn Conn, transport string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := NewClient(conn, s.cfg.SendBuffer)
	sess := &Session{
		Client: client,
		Logger: s.logger.With("remote", conn.RemoteAddr(), "transport", transport),
	}

	s.hub.Attach(client)
	s.metrics.ConnectionOpened(transport)
	sess.Logger.InfoContext(ctx, "client connected")

	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-client.Done():
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := client.writeLoop(context.WithoutCancel(ctx), s.cfg.WriteTimeout); err != nil {
			sess.Logger.DebugContext(ctx, "write failed", "error", err)
		}
		conn.Close()
	}()

	s.readLoop(ctx, sess)

	client.Close()
	<-writerDone

	s.leave(context.WithoutCancel(ctx), sess)
	s.hub.Detach(client)
	s.metrics.ConnectionClosed()
	sess.Logger.InfoContext(ctx, "client disconnected")
}

func (s *Service) readLoop(ctx context.Context, sess *Session) {
	framer := protocol.NewFramer(s.cfg.MaxFrameBytes)
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	conn := sess.Client.Conn

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if !isClosed(err) {
				sess.Logger.DebugContext(ctx, "read failed", "error", err)
			}
			return
		}
		framer.Feed(data)

		for doc, err := range framer.Frames() {
			if err != nil {
				s.metrics.FramingFailure()
				sess.Logger.WarnContext(ctx, "dropping connection", "error", err)
				return
			}
			if closing := s.handle(ctx, sess, doc, limiter); closing {
				return
			}
		}

		select {
		case <-sess.Client.Done():
			return
		default:
		}
	}
}

// handle processes one document and reports whether the connection should
// end.
func (s *Service) handle(ctx context.Context, sess *Session, doc []byte, limiter *rate.Limiter) bool {
	if !limiter.Allow() {
		s.recordError(ctx, sess, "", chaterr.ErrRateLimited)
		s.send(sess.Client, protocol.ErrorResponse(chaterr.ErrRateLimited.Error()))
		return false
	}

	req, err := protocol.Decode(doc)
	if err != nil {
		msg := "invalid message format"
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			msg = "unknown message type"
		}
		s.recordError(ctx, sess, "", chaterr.Wrap(chaterr.CodeInvalidArgument, msg, err))
		s.send(sess.Client, protocol.ErrorResponse(msg))
		return false
	}

	start := time.Now()
	out := s.dispatcher.Dispatch(ctx, sess, req)
	s.metrics.Dispatched(req.MessageType().String(), time.Since(start))
	if out.Err != nil {
		s.recordError(ctx, sess, req.MessageType(), out.Err)
	}

	s.deliver(sess.Client, out)
	if out.Close {
		sess.Client.Close()
		return true
	}
	return false
}

func (s *Service) recordError(ctx context.Context, sess *Session, t protocol.MessageType, err error) {
	code := chaterr.CodeOf(err)
	s.metrics.Error(string(code))

	level := slog.LevelDebug
	if code == chaterr.CodeInternal || code == chaterr.CodePersistence || code == chaterr.CodeUnknown {
		level = slog.LevelError
	}
	sess.Logger.Log(ctx, level, "request failed", "type", t, "user", sess.Username(), "code", code, "error", err)
}

// deliver queues an Outcome: replies first, then broadcasts, then direct
// messages.
func (s *Service) deliver(c *Client, out Outcome) {
	for _, m := range out.Reply {
		s.send(c, m)
	}
	for _, m := range out.Broadcast {
		data, ok := s.encode(m)
		if !ok {
			continue
		}
		for range s.hub.Broadcast(data) {
			s.metrics.DeliveryDropped()
		}
	}
	for _, d := range out.Direct {
		data, ok := s.encode(d.Msg)
		if !ok {
			continue
		}
		if s.hub.IsOnline(d.To) && !s.hub.SendTo(d.To, data) {
			s.metrics.DeliveryDropped()
		}
	}
}

func (s *Service) send(c *Client, msg protocol.Outbound) {
	data, ok := s.encode(msg)
	if !ok {
		return
	}
	if !c.Send(data) {
		s.metrics.DeliveryDropped()
	}
}

func (s *Service) encode(msg protocol.Outbound) ([]byte, bool) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("failed to encode message", "error", err)
		return nil, false
	}
	return data, true
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}
