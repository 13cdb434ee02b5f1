package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is how broadcast timestamps are rendered. Inbound request
// timestamps are numeric seconds; outbound ones are display strings.
const TimestampLayout = "15:04:05"

// FormatTimestamp renders t for an outbound broadcast.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// Outbound is any message the server writes to a client.
type Outbound interface {
	MessageType() MessageType
}

// Response is the acknowledgement shape shared by login, register, logout,
// message_sent, user_list_refreshed and error replies.
type Response struct {
	Type     MessageType `json:"type"`
	Success  bool        `json:"success"`
	Message  string      `json:"message"`
	Username string      `json:"username,omitempty"`
}

func (r Response) MessageType() MessageType { return r.Type }

// Ack builds a successful Response.
func Ack(t MessageType, message string) Response {
	return Response{Type: t, Success: true, Message: message}
}

// Fail builds a failed Response.
func Fail(t MessageType, message string) Response {
	return Response{Type: t, Success: false, Message: message}
}

// ErrorResponse builds the generic error reply.
func ErrorResponse(message string) Response {
	return Fail(TypeError, message)
}

// ContentBroadcast delivers a text or attachment message to other sessions.
type ContentBroadcast struct {
	Type           MessageType `json:"type"`
	MessageID      string      `json:"message_id,omitempty"`
	Username       string      `json:"username"`
	Content        string      `json:"content"`
	Receiver       string      `json:"receiver,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Filename       string      `json:"filename,omitempty"`
	Data           string      `json:"data,omitempty"`
	Size           int64       `json:"size,omitempty"`
	FileURL        string      `json:"file_url,omitempty"`
	Timestamp      string      `json:"timestamp"`
}

func (b ContentBroadcast) MessageType() MessageType { return b.Type }

// SystemMessage is a server-generated notice such as a join or leave.
type SystemMessage struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (SystemMessage) MessageType() MessageType { return TypeSystem }

// MarshalJSON adds the type discriminator.
func (m SystemMessage) MarshalJSON() ([]byte, error) {
	type plain SystemMessage
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		plain
	}{TypeSystem, plain(m)})
}

// UserList carries the usernames currently online.
type UserList struct {
	Users []string `json:"users"`
}

func (UserList) MessageType() MessageType { return TypeUserList }

// MarshalJSON adds the type discriminator and never emits a null list.
func (l UserList) MarshalJSON() ([]byte, error) {
	users := l.Users
	if users == nil {
		users = []string{}
	}
	return json.Marshal(struct {
		Type  MessageType `json:"type"`
		Users []string    `json:"users"`
	}{TypeUserList, users})
}

// HistoryEntry is one message in a history page.
type HistoryEntry struct {
	MessageID   string `json:"message_id"`
	Username    string `json:"username,omitempty"`
	Receiver    string `json:"receiver,omitempty"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	Filename    string `json:"filename,omitempty"`
	FileURL     string `json:"file_url,omitempty"`
	Size        int64  `json:"size,omitempty"`
	IsEdited    bool   `json:"is_edited"`
	IsDeleted   bool   `json:"is_deleted"`
	IsRead      *bool  `json:"is_read,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// History is a page of the global log or of a private conversation.
type History struct {
	Type           MessageType    `json:"type"`
	Success        bool           `json:"success"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Messages       []HistoryEntry `json:"messages"`
}

func (h History) MessageType() MessageType { return h.Type }

// MarkReadResult acknowledges a mark_read request.
type MarkReadResult struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversation_id"`
	Updated        int64  `json:"updated"`
}

func (MarkReadResult) MessageType() MessageType { return TypeMarkReadSuccess }

// MarshalJSON adds the type discriminator.
func (r MarkReadResult) MarshalJSON() ([]byte, error) {
	type plain MarkReadResult
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		plain
	}{TypeMarkReadSuccess, plain(r)})
}

// MessageNotice announces an edit or deletion.
type MessageNotice struct {
	Type      MessageType `json:"type"`
	Success   bool        `json:"success"`
	MessageID string      `json:"message_id"`
	Scope     string      `json:"scope"`
	Username  string      `json:"username"`
	Content   string      `json:"content,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func (n MessageNotice) MessageType() MessageType { return n.Type }

// ConversationSummary is one row of a conversations reply.
type ConversationSummary struct {
	ConversationID string `json:"conversation_id"`
	With           string `json:"with"`
	LastMessageID  string `json:"last_message_id,omitempty"`
	LastMessageAt  string `json:"last_message_at,omitempty"`
	Unread         int    `json:"unread"`
	Muted          bool   `json:"muted"`
}

// Conversations lists the sender's private conversations.
type Conversations struct {
	Success       bool                  `json:"success"`
	Conversations []ConversationSummary `json:"conversations"`
}

func (Conversations) MessageType() MessageType { return TypeConversations }

// MarshalJSON adds the type discriminator.
func (c Conversations) MarshalJSON() ([]byte, error) {
	type plain Conversations
	p := plain(c)
	if p.Conversations == nil {
		p.Conversations = []ConversationSummary{}
	}
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		plain
	}{TypeConversations, p})
}

// Encode serializes an outbound message as UTF-8 JSON.
func Encode(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.MessageType(), err)
	}
	return data, nil
}

// ServerMessage is the client-side view of anything the server sends: the
// union of every outbound field, keyed by Type.
type ServerMessage struct {
	Type           MessageType           `json:"type"`
	Success        bool                  `json:"success"`
	Message        string                `json:"message"`
	Username       string                `json:"username"`
	Content        string                `json:"content"`
	Receiver       string                `json:"receiver"`
	ConversationID string                `json:"conversation_id"`
	MessageID      string                `json:"message_id"`
	Filename       string                `json:"filename"`
	Data           string                `json:"data"`
	Size           FileSize              `json:"size"`
	FileURL        string                `json:"file_url"`
	Timestamp      string                `json:"timestamp"`
	Users          []string              `json:"users"`
	Messages       []HistoryEntry        `json:"messages"`
	Conversations  []ConversationSummary `json:"conversations"`
	Updated        int64                 `json:"updated"`
}

// DecodeServerMessage parses one framed document sent by the server.
func DecodeServerMessage(doc []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(doc, &msg); err != nil {
		return ServerMessage{}, &DecodeError{Err: err}
	}
	return msg, nil
}
