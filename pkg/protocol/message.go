// Package protocol implements the JSON wire protocol spoken between chat
// clients and the server: stream framing, request decoding and response
// encoding.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MessageType is the value of the "type" discriminator carried by every
// message on the wire.
type MessageType string

// Request types.
const (
	TypeLogin             MessageType = "login"
	TypeRegister          MessageType = "register"
	TypeLogout            MessageType = "logout"
	TypeText              MessageType = "text"
	TypeImage             MessageType = "image"
	TypeVideo             MessageType = "video"
	TypeAudio             MessageType = "audio"
	TypeFile              MessageType = "file"
	TypeRefreshUsers      MessageType = "refresh_users"
	TypeGetHistory        MessageType = "get_history"
	TypeGetPrivateHistory MessageType = "get_private_history"
	TypeMarkRead          MessageType = "mark_read"
	TypeEditMessage       MessageType = "edit_message"
	TypeDeleteMessage     MessageType = "delete_message"
	TypeListConversations MessageType = "list_conversations"
	TypeMuteConversation  MessageType = "mute_conversation"
)

// Response and broadcast types.
const (
	TypeLoginSuccess      MessageType = "login_success"
	TypeLoginFailed       MessageType = "login_failed"
	TypeRegisterSuccess   MessageType = "register_success"
	TypeRegisterFailed    MessageType = "register_failed"
	TypeLogoutSuccess     MessageType = "logout_success"
	TypeMessageSent       MessageType = "message_sent"
	TypeSystem            MessageType = "system"
	TypeUserList          MessageType = "user_list"
	TypeUserListRefreshed MessageType = "user_list_refreshed"
	TypeHistory           MessageType = "history"
	TypePrivateHistory    MessageType = "private_history"
	TypeMarkReadSuccess   MessageType = "mark_read_success"
	TypeMessageEdited     MessageType = "message_edited"
	TypeMessageDeleted    MessageType = "message_deleted"
	TypeConversations     MessageType = "conversations"
	TypeConversationMuted MessageType = "conversation_muted"
	TypeError             MessageType = "error"
)

// String returns the wire representation of MessageType.
func (mt MessageType) String() string {
	return string(mt)
}

// IsContent reports whether mt carries chat content (text or an attachment).
func (mt MessageType) IsContent() bool {
	switch mt {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	default:
		return false
	}
}

// DecodeError reports a document that is not valid JSON or does not match
// the shape of its declared type.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnknownTypeError reports a well-formed document whose "type" is missing
// or not recognized.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	if e.Type == "" {
		return "message has no type"
	}
	return fmt.Sprintf("unknown message type: %q", e.Type)
}

// Request is a decoded inbound message. The set of implementations is
// closed: one struct per recognized type.
type Request interface {
	MessageType() MessageType
}

// LoginRequest authenticates the connection as Username.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	DisplayName string `json:"display_name"`
}

// LogoutRequest ends the authenticated session.
type LogoutRequest struct {
	Username string `json:"username"`
}

// RefreshUsersRequest asks for the current online user list.
type RefreshUsersRequest struct {
	Username string `json:"username"`
}

// ContentRequest is a text or attachment message. Receiver is empty for
// messages addressed to the whole room.
type ContentRequest struct {
	Type      MessageType `json:"type"`
	Username  string      `json:"username"`
	Content   string      `json:"content"`
	Receiver  string      `json:"receiver,omitempty"`
	Filename  string      `json:"filename,omitempty"`
	Data      string      `json:"data,omitempty"`
	Size      FileSize    `json:"size,omitempty"`
	Timestamp *float64    `json:"timestamp,omitempty"`
}

// GetHistoryRequest pages through the global message log.
type GetHistoryRequest struct {
	Before string `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// GetPrivateHistoryRequest pages through the conversation with another user.
type GetPrivateHistoryRequest struct {
	With   string `json:"with"`
	Before string `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// MarkReadRequest marks the conversation with another user as read.
type MarkReadRequest struct {
	With string `json:"with"`
}

// Message scopes for edit and delete requests.
const (
	ScopeGlobal  = "global"
	ScopePrivate = "private"
)

// EditMessageRequest replaces the content of a message the sender wrote.
type EditMessageRequest struct {
	MessageID string `json:"message_id"`
	Scope     string `json:"scope"`
	Content   string `json:"content"`
}

// DeleteMessageRequest soft-deletes a message the sender wrote.
type DeleteMessageRequest struct {
	MessageID string `json:"message_id"`
	Scope     string `json:"scope"`
}

// ListConversationsRequest asks for the sender's private conversations.
type ListConversationsRequest struct{}

// MuteConversationRequest toggles the sender's mute flag on a conversation.
type MuteConversationRequest struct {
	With  string `json:"with"`
	Muted bool   `json:"muted"`
}

func (LoginRequest) MessageType() MessageType             { return TypeLogin }
func (RegisterRequest) MessageType() MessageType          { return TypeRegister }
func (LogoutRequest) MessageType() MessageType            { return TypeLogout }
func (RefreshUsersRequest) MessageType() MessageType      { return TypeRefreshUsers }
func (r ContentRequest) MessageType() MessageType         { return r.Type }
func (GetHistoryRequest) MessageType() MessageType        { return TypeGetHistory }
func (GetPrivateHistoryRequest) MessageType() MessageType { return TypeGetPrivateHistory }
func (MarkReadRequest) MessageType() MessageType          { return TypeMarkRead }
func (EditMessageRequest) MessageType() MessageType       { return TypeEditMessage }
func (DeleteMessageRequest) MessageType() MessageType     { return TypeDeleteMessage }
func (ListConversationsRequest) MessageType() MessageType { return TypeListConversations }
func (MuteConversationRequest) MessageType() MessageType  { return TypeMuteConversation }

// SentAt returns the client-supplied timestamp, or fallback when absent.
func (r ContentRequest) SentAt(fallback time.Time) time.Time {
	if r.Timestamp == nil || *r.Timestamp <= 0 {
		return fallback
	}
	sec := int64(*r.Timestamp)
	nsec := int64((*r.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// FileSize accepts either a JSON number or a numeric string. Strings that
// are not numbers decode to zero.
type FileSize int64

// UnmarshalJSON implements json.Unmarshaler.
func (s *FileSize) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			*s = 0
			return nil
		}
		*s = FileSize(n)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = FileSize(f)
	return nil
}

// Decode parses one framed document into its Request variant.
func Decode(doc []byte) (Request, error) {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(doc, &envelope); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if envelope.Type == nil {
		return nil, &UnknownTypeError{}
	}

	mt := MessageType(*envelope.Type)
	switch mt {
	case TypeLogin:
		return decodeAs[LoginRequest](doc)
	case TypeRegister:
		return decodeAs[RegisterRequest](doc)
	case TypeLogout:
		return decodeAs[LogoutRequest](doc)
	case TypeRefreshUsers:
		return decodeAs[RefreshUsersRequest](doc)
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile:
		return decodeAs[ContentRequest](doc)
	case TypeGetHistory:
		return decodeAs[GetHistoryRequest](doc)
	case TypeGetPrivateHistory:
		return decodeAs[GetPrivateHistoryRequest](doc)
	case TypeMarkRead:
		return decodeAs[MarkReadRequest](doc)
	case TypeEditMessage:
		return decodeAs[EditMessageRequest](doc)
	case TypeDeleteMessage:
		return decodeAs[DeleteMessageRequest](doc)
	case TypeListConversations:
		return ListConversationsRequest{}, nil
	case TypeMuteConversation:
		return decodeAs[MuteConversationRequest](doc)
	default:
		return nil, &UnknownTypeError{Type: *envelope.Type}
	}
}

func decodeAs[T Request](doc []byte) (Request, error) {
	var req T
	if err := json.Unmarshal(doc, &req); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return req, nil
}
