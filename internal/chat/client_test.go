package chat_test

import (
	"testing"

	"github.com/omochice/json-socket-chat/internal/chat"
)

func TestClient_SendQueuesUntilFull(t *testing.T) {
	client := chat.NewClient(newMockConn("127.0.0.1:1234"), 2)

	if !client.Send([]byte("a")) || !client.Send([]byte("b")) {
		t.Fatal("Send() = false before the queue was full")
	}
	if client.Send([]byte("c")) {
		t.Error("Send() = true on a full queue")
	}

	select {
	case <-client.Done():
	default:
		t.Error("slow client was not closed")
	}
}

func TestClient_SendAfterClose(t *testing.T) {
	client := chat.NewClient(newMockConn("127.0.0.1:1234"), 4)
	client.Close()
	client.Close()

	if client.Send([]byte("a")) {
		t.Error("Send() = true after Close")
	}
}
