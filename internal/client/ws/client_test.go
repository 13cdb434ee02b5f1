package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	ws "github.com/omochice/json-socket-chat/internal/client/ws"
	"github.com/omochice/json-socket-chat/internal/logging"
	"github.com/omochice/json-socket-chat/pkg/protocol"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_ConnectAndDisconnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		// Wait for client to disconnect
		c.Read(context.Background())
	}))
	defer server.Close()

	client := ws.New(wsURL(server), "testuser", logging.Discard())

	if client.IsConnected() {
		t.Error("expected IsConnected() to be false before Connect()")
	}

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if !client.IsConnected() {
		t.Error("expected IsConnected() to be true after Connect()")
	}

	client.Disconnect()

	if client.IsConnected() {
		t.Error("expected IsConnected() to be false after Disconnect()")
	}
}

func TestClient_SendMessage(t *testing.T) {
	received := make(chan []byte, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		kind, data, err := c.Read(context.Background())
		if err != nil || kind != websocket.MessageText {
			return
		}
		received <- data
		c.Read(context.Background())
	}))
	defer server.Close()

	client := ws.New(wsURL(server), "testuser", logging.Discard())
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Disconnect()

	if err := client.SendPrivate("bob", "hello"); err != nil {
		t.Fatalf("SendPrivate() error = %v", err)
	}

	select {
	case data := <-received:
		var got map[string]any
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("request is not JSON: %v", err)
		}
		if got["type"] != "text" || got["receiver"] != "bob" || got["content"] != "hello" {
			t.Errorf("request = %s", data)
		}
		if _, ok := got["timestamp"].(float64); !ok {
			t.Errorf("timestamp must be numeric: %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for request")
	}
}

func TestClient_ReceiveMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		// Two documents in one WebSocket message.
		c.Write(context.Background(), websocket.MessageText,
			[]byte(`{"type":"system","message":"bob joined the chat","timestamp":"12:00:00"}{"type":"user_list","users":["alice","bob"]}`))
		c.Read(context.Background())
	}))
	defer server.Close()

	client := ws.New(wsURL(server), "alice", logging.Discard())
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Disconnect()

	want := []protocol.MessageType{protocol.TypeSystem, protocol.TypeUserList}
	for _, mt := range want {
		select {
		case msg := <-client.Messages():
			if msg.Type != mt {
				t.Errorf("Type = %v, want %v", msg.Type, mt)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	}
}

func TestClient_SendWithoutConnect(t *testing.T) {
	client := ws.New("ws://localhost:9999", "testuser", logging.Discard())

	if err := client.SendMessage("test"); err == nil {
		t.Error("expected error when sending without connection")
	}
}
