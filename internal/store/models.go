package store

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

type UserStatus string

const (
	StatusOffline UserStatus = "offline"
	StatusOnline  UserStatus = "online"
	StatusBusy    UserStatus = "busy"
	StatusAway    UserStatus = "away"
)

type ContentType string

const (
	ContentText   ContentType = "text"
	ContentImage  ContentType = "image"
	ContentVideo  ContentType = "video"
	ContentFile   ContentType = "file"
	ContentAudio  ContentType = "audio"
	ContentSystem ContentType = "system"
)

type UploadStatus string

const (
	UploadUploading UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

type User struct {
	ID           uuid.UUID
	Username     string
	Email        *string
	Phone        *string
	PasswordHash string
	DisplayName  string
	AvatarURL    string
	Status       UserStatus
	LastSeen     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type File struct {
	ID           uuid.UUID
	UserID       *uuid.UUID
	FileName     string
	FilePath     string
	FileURL      string
	FileType     string
	MimeType     string
	FileSize     int64
	Width        *int
	Height       *int
	Duration     *int
	Bitrate      *int
	SampleRate   *int
	Channels     *int
	ThumbnailURL string
	UploadStatus UploadStatus
	IsTemp       bool
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Attachment holds the file reference fields shared by global and private
// messages. A message references a File; it never owns it.
type Attachment struct {
	FileID   *uuid.UUID
	FileURL  string
	FileName string
	FileSize int64
}

// GlobalMessage is a row of the append-only room log. UserID is nil for
// system messages.
type GlobalMessage struct {
	ID          uuid.UUID
	UserID      *uuid.UUID
	ContentType ContentType
	Content     string
	Attachment
	Metadata  map[string]any
	IsEdited  bool
	EditedAt  *time.Time
	IsDeleted bool
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PrivateConversation is the aggregate for one unordered pair of users.
// User1ID is always the smaller id; see NormalizePair.
type PrivateConversation struct {
	ID               uuid.UUID
	User1ID          uuid.UUID
	User2ID          uuid.UUID
	LastMessageID    *uuid.UUID
	LastMessageAt    *time.Time
	UnreadCountUser1 int
	UnreadCountUser2 int
	IsMutedUser1     bool
	IsMutedUser2     bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Has reports whether userID is one of the two participants.
func (c *PrivateConversation) Has(userID uuid.UUID) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Other returns the participant that is not userID.
func (c *PrivateConversation) Other(userID uuid.UUID) uuid.UUID {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// Unread returns the unread counter for userID's side.
func (c *PrivateConversation) Unread(userID uuid.UUID) int {
	if c.User1ID == userID {
		return c.UnreadCountUser1
	}
	return c.UnreadCountUser2
}

// Muted returns the mute flag for userID's side.
func (c *PrivateConversation) Muted(userID uuid.UUID) bool {
	if c.User1ID == userID {
		return c.IsMutedUser1
	}
	return c.IsMutedUser2
}

type PrivateMessage struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	ReceiverID     uuid.UUID
	ContentType    ContentType
	Content        string
	Attachment
	Metadata  map[string]any
	IsRead    bool
	ReadAt    *time.Time
	IsEdited  bool
	EditedAt  *time.Time
	IsDeleted bool
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizePair orders two user ids so the first is the smaller one, using
// the same byte ordering PostgreSQL applies to uuid columns.
func NormalizePair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}
