package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/omochice/json-socket-chat/internal/chat"
)

// Transport is the label this package reports to the handler.
const Transport = "websocket"

// Path is where WebSocket upgrades are served.
const Path = "/ws"

// Server handles WebSocket connections and delegates to a chat.Handler.
type Server struct {
	address   string
	handler   chat.Handler
	logger    *slog.Logger
	readLimit int64

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a WebSocket server. readLimit caps a single WebSocket
// message; zero keeps the library default.
func New(address string, handler chat.Handler, readLimit int64, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address:   address,
		handler:   handler,
		logger:    logger,
		readLimit: readLimit,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts accepting WebSocket connections. It returns nil after Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(Path, s)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("WebSocket server started", "addr", listener.Addr().String(), "path", Path)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP upgrades the request and serves the connection until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to accept WebSocket connection", "error", err)
		return
	}
	if s.readLimit > 0 {
		wsConn.SetReadLimit(s.readLimit)
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.handler.ServeConn(s.ctx, NewConn(wsConn, r.RemoteAddr), Transport)
}

// Stop stops the WebSocket server and waits for connections to end.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	srv := s.server
	s.mu.Unlock()

	s.cancel()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
		}
	}
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
