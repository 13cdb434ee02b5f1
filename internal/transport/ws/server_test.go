package ws_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/omochice/json-socket-chat/internal/chat"
	"github.com/omochice/json-socket-chat/internal/logging"
	"github.com/omochice/json-socket-chat/internal/transport/ws"
)

// echoHandler writes back every message it reads and reports each
// connection.
type echoHandler struct {
	accepted chan string
}

func newEchoHandler() *echoHandler {
	return &echoHandler{accepted: make(chan string, 10)}
}

func (h *echoHandler) ServeConn(ctx context.Context, conn chat.Conn, transport string) {
	h.accepted <- transport
	defer conn.Close()
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := conn.Write(ctx, data); err != nil {
			return
		}
	}
}

func startServer(t *testing.T, h chat.Handler) *ws.Server {
	t.Helper()
	srv := ws.New(":0", h, 1<<20, logging.Discard())
	go srv.Start()

	deadline := time.Now().Add(time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv
}

func wsURL(srv *ws.Server) string {
	return "ws://" + srv.Addr() + ws.Path
}

func TestServer_Start(t *testing.T) {
	h := newEchoHandler()
	srv := startServer(t, h)
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if transport := <-h.accepted; transport != ws.Transport {
		t.Errorf("transport = %q, want %q", transport, ws.Transport)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"refresh_users"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	kind, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if kind != websocket.MessageText || string(data) != `{"type":"refresh_users"}` {
		t.Errorf("echo = %v %q", kind, data)
	}
}

func TestServer_Addr(t *testing.T) {
	srv := startServer(t, newEchoHandler())
	defer srv.Stop()

	addr := srv.Addr()
	if !strings.Contains(addr, ":") {
		t.Errorf("Addr() = %q, expected host:port format", addr)
	}
}

func TestServer_Stop(t *testing.T) {
	h := newEchoHandler()
	srv := startServer(t, h)

	conn, _, err := websocket.Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	<-h.accepted

	srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, _, err := websocket.Dial(ctx, wsURL(srv), nil); err == nil {
		t.Error("expected error after stop, got nil")
	}
}

func TestServer_MultipleClients(t *testing.T) {
	h := newEchoHandler()
	srv := startServer(t, h)
	defer srv.Stop()

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conn, _, err := websocket.Dial(context.Background(), wsURL(srv), nil)
		if err != nil {
			t.Fatalf("failed to connect client %d: %v", i, err)
		}
		conns[i] = conn
	}
	defer func() {
		for _, conn := range conns {
			conn.Close(websocket.StatusNormalClosure, "")
		}
	}()

	for range conns {
		select {
		case <-h.accepted:
		case <-time.After(time.Second):
			t.Fatal("handler was not called for every client")
		}
	}
}
