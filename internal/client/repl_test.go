package client_test

import (
	"testing"

	"github.com/omochice/json-socket-chat/internal/client"
	"github.com/omochice/json-socket-chat/pkg/protocol"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.ServerMessage
		want string
	}{
		{
			name: "room text",
			msg:  protocol.ServerMessage{Type: protocol.TypeText, Username: "alice", Content: "hi", Timestamp: "12:00:00"},
			want: "[12:00:00] alice: hi",
		},
		{
			name: "private text",
			msg:  protocol.ServerMessage{Type: protocol.TypeText, Username: "alice", Receiver: "bob", Content: "psst", Timestamp: "12:00:00"},
			want: "[12:00:00] (private) alice: psst",
		},
		{
			name: "system",
			msg:  protocol.ServerMessage{Type: protocol.TypeSystem, Message: "bob joined the chat"},
			want: "*** bob joined the chat ***",
		},
		{
			name: "user list",
			msg:  protocol.ServerMessage{Type: protocol.TypeUserList, Users: []string{"alice", "bob"}},
			want: "online: alice, bob",
		},
		{
			name: "attachment",
			msg:  protocol.ServerMessage{Type: protocol.TypeImage, Username: "alice", Filename: "cat.png", Size: 2048, FileURL: "/files/x.png", Timestamp: "12:00:00"},
			want: "[12:00:00] alice sent image cat.png (2.0 KiB) /files/x.png",
		},
		{
			name: "failure",
			msg:  protocol.ServerMessage{Type: protocol.TypeLoginFailed, Message: "user already online"},
			want: "login_failed: user already online",
		},
		{
			name: "quiet ack",
			msg:  protocol.ServerMessage{Type: protocol.TypeMessageSent, Success: true, Message: "message sent"},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.Format(tt.msg); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := map[string]protocol.MessageType{
		"cat.PNG":   protocol.TypeImage,
		"clip.mp4":  protocol.TypeVideo,
		"song.mp3":  protocol.TypeAudio,
		"notes.txt": protocol.TypeFile,
		"Makefile":  protocol.TypeFile,
	}
	for name, want := range tests {
		if got := client.KindOf(name); got != want {
			t.Errorf("KindOf(%q) = %v, want %v", name, got, want)
		}
	}
}
