// Package store defines the persistence gateway used by the chat server:
// users, files, the global message log, and private conversations with
// their messages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
)

// DefaultPageSize and MaxPageSize bound history queries.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ClampLimit maps a requested page size into [1, MaxPageSize].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

type Users interface {
	// CreateUser inserts u, filling ID and timestamps. Duplicate username,
	// email or phone yields ErrConflict.
	CreateUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id uuid.UUID) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	UsersByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*User, error)
	SetUserStatus(ctx context.Context, username string, status UserStatus, lastSeen time.Time) error
}

type Files interface {
	CreateFile(ctx context.Context, f *File) error
	FileByID(ctx context.Context, id uuid.UUID) (*File, error)
	SetUploadStatus(ctx context.Context, id uuid.UUID, status UploadStatus) error
}

type GlobalMessages interface {
	CreateGlobalMessage(ctx context.Context, m *GlobalMessage) error
	GlobalMessageByID(ctx context.Context, id uuid.UUID) (*GlobalMessage, error)
	// UpdateGlobalMessage persists content and the edit/delete flags.
	UpdateGlobalMessage(ctx context.Context, m *GlobalMessage) error
	// ListGlobalMessages returns up to limit rows created strictly before
	// before (zero means now), newest first. Soft-deleted rows are included.
	ListGlobalMessages(ctx context.Context, before time.Time, limit int) ([]*GlobalMessage, error)
}

type Conversations interface {
	// ConversationByPair looks up the conversation for an already
	// normalized pair. With forUpdate the row stays locked until the
	// enclosing transaction ends.
	ConversationByPair(ctx context.Context, user1, user2 uuid.UUID, forUpdate bool) (*PrivateConversation, error)
	ConversationByID(ctx context.Context, id uuid.UUID, forUpdate bool) (*PrivateConversation, error)
	// CreateConversation inserts c. If a row for the pair already exists it
	// returns ErrConflict without aborting the enclosing transaction.
	CreateConversation(ctx context.Context, c *PrivateConversation) error
	// UpdateConversation persists the last message pointer, unread counters
	// and mute flags.
	UpdateConversation(ctx context.Context, c *PrivateConversation) error
	ConversationsByUser(ctx context.Context, userID uuid.UUID) ([]*PrivateConversation, error)

	CreatePrivateMessage(ctx context.Context, m *PrivateMessage) error
	PrivateMessageByID(ctx context.Context, id uuid.UUID) (*PrivateMessage, error)
	UpdatePrivateMessage(ctx context.Context, m *PrivateMessage) error
	// MarkPrivateMessagesRead flags every unread message addressed to
	// readerID in the conversation and returns how many changed.
	MarkPrivateMessagesRead(ctx context.Context, conversationID, readerID uuid.UUID, at time.Time) (int64, error)
	ListPrivateMessages(ctx context.Context, conversationID uuid.UUID, before time.Time, limit int) ([]*PrivateMessage, error)
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	Users
	Files
	GlobalMessages
	Conversations
}

// Store runs operations directly or inside a transaction.
type Store interface {
	Tx
	// InTx runs fn in one transaction. If fn returns an error every write
	// it made is rolled back and the error is returned.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}
