// Package server runs the chat listeners: raw TCP and WebSocket, either
// sniffed on one port or on two separate ports.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omochice/json-socket-chat/internal/chat"
	"github.com/omochice/json-socket-chat/internal/transport/tcp"
	"github.com/omochice/json-socket-chat/internal/transport/ws"
)

// Config selects the listening mode. When WSAddress is empty both
// protocols share Address.
type Config struct {
	Address   string
	WSAddress string
	// ReadLimit caps one WebSocket message.
	ReadLimit int64
}

// UnifiedServer handles both TCP and WebSocket connections and hands each
// to the same chat.Handler.
type UnifiedServer struct {
	cfg     Config
	handler chat.Handler
	logger  *slog.Logger

	tcp *tcp.Server
	ws  *ws.Server

	mu       sync.Mutex
	listener net.Listener
	// sniffing holds connections not yet handed to a transport.
	sniffing map[net.Conn]struct{}
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// ctx scopes connections upgraded in place; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewUnifiedServer creates a server; nothing listens until Start.
func NewUnifiedServer(cfg Config, handler chat.Handler, logger *slog.Logger) *UnifiedServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &UnifiedServer{
		cfg:      cfg,
		handler:  handler,
		logger:   logger,
		tcp:      tcp.New(cfg.Address, handler, logger),
		quit:     make(chan struct{}),
		sniffing: make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.WSAddress != "" {
		s.ws = ws.New(cfg.WSAddress, handler, cfg.ReadLimit, logger)
	}
	return s
}

// SinglePort reports whether both protocols share one listener.
func (s *UnifiedServer) SinglePort() bool { return s.ws == nil }

// Start listens and serves until Stop. A listener failure stops the other
// listener too and is returned.
func (s *UnifiedServer) Start() error {
	if s.SinglePort() {
		return s.serveSniffed()
	}

	var g errgroup.Group
	g.Go(func() error {
		err := s.tcp.Start()
		if err != nil {
			s.Stop()
		}
		return err
	})
	g.Go(func() error {
		err := s.ws.Start()
		if err != nil {
			s.Stop()
		}
		return err
	})
	return g.Wait()
}

func (s *UnifiedServer) serveSniffed() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		listener.Close()
		return nil
	default:
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("server started (TCP and WebSocket)", "addr", listener.Addr().String(), "ws_path", ws.Path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// sniffTimeout bounds how long a client may take to identify its protocol
// and, for WebSocket, to finish the handshake.
const sniffTimeout = 10 * time.Second

var httpGet = []byte("GET ")

// handleConnection determines whether the connection is HTTP (WebSocket) or TCP
func (s *UnifiedServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	if !s.track(conn) {
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	reader := bufio.NewReader(conn)
	upgrade, err := sniff(reader)
	if err != nil && reader.Buffered() == 0 {
		s.untrack(conn)
		s.logger.Debug("connection closed before sending data", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	// Anything that is not a GET request line, including a client that
	// stalls partway through one, is raw TCP.
	if !upgrade {
		conn.SetReadDeadline(time.Time{})
		if s.untrack(conn) {
			s.tcp.Handle(&bufferedConn{Conn: conn, reader: reader})
		}
		return
	}

	conn.SetDeadline(time.Now().Add(sniffTimeout))
	wsConn, err := ws.Upgrade(conn, reader, s.cfg.ReadLimit)
	if !s.untrack(conn) {
		return
	}
	if err != nil {
		s.logger.Warn("failed to upgrade WebSocket connection", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	s.handler.ServeConn(s.ctx, wsConn, ws.Transport)
}

// sniff reports whether r starts with a GET request line. It reads no
// further than the first byte that rules one out.
func sniff(r *bufio.Reader) (bool, error) {
	for n := 1; n <= len(httpGet); n++ {
		prefix, err := r.Peek(n)
		if err != nil {
			return false, err
		}
		if prefix[n-1] != httpGet[n-1] {
			return false, nil
		}
	}
	return true, nil
}

// track registers conn so that Stop can close it while it is sniffed. It
// reports false once the server is stopping.
func (s *UnifiedServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.sniffing[conn] = struct{}{}
	return true
}

// untrack reports false when Stop already closed conn.
func (s *UnifiedServer) untrack(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sniffing[conn]; !ok {
		return false
	}
	delete(s.sniffing, conn)
	return true
}

// Stop closes every listener, ends live connections and waits for them.
func (s *UnifiedServer) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		for conn := range s.sniffing {
			conn.Close()
			delete(s.sniffing, conn)
		}
		s.mu.Unlock()

		s.cancel()
		s.tcp.Stop()
		if s.ws != nil {
			s.ws.Stop()
		}
		s.wg.Wait()
	})
}

// Addr returns the server's listening address (for single port mode)
func (s *UnifiedServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// TCPAddr returns the raw TCP listening address.
func (s *UnifiedServer) TCPAddr() string {
	if s.SinglePort() {
		return s.Addr()
	}
	return s.tcp.Addr()
}

// WSAddr returns the WebSocket listening address.
func (s *UnifiedServer) WSAddr() string {
	if s.SinglePort() {
		return s.Addr()
	}
	return s.ws.Addr()
}

// bufferedConn wraps a net.Conn with a bufio.Reader to preserve peeked data
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}
