// Package conversation applies the persistent side effects of chat traffic:
// the append-only global log and the private conversation aggregate with
// its last-message pointer, unread counters, and read/edit/delete flags.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/json-socket-chat/internal/chaterr"
	"github.com/omochice/json-socket-chat/internal/store"
)

// Content is the body of a message being posted.
type Content struct {
	Type     store.ContentType
	Text     string
	File     *store.File
	Metadata map[string]any
}

func (c Content) attachment() store.Attachment {
	if c.File == nil {
		return store.Attachment{}
	}
	id := c.File.ID
	return store.Attachment{
		FileID:   &id,
		FileURL:  c.File.FileURL,
		FileName: c.File.FileName,
		FileSize: c.File.FileSize,
	}
}

// Engine is safe for concurrent use; all coordination happens in the store.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(s store.Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{store: s, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// persistenceErr leaves AppErrors untouched and wraps anything else.
func persistenceErr(op string, err error) error {
	var appErr *chaterr.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return chaterr.Persistence("failed to "+op, err)
}

// PostGlobal appends a message from userID to the room log.
func (e *Engine) PostGlobal(ctx context.Context, userID uuid.UUID, c Content) (*store.GlobalMessage, error) {
	return e.postGlobal(ctx, &userID, c)
}

// PostSystem appends a server notice to the room log.
func (e *Engine) PostSystem(ctx context.Context, text string) (*store.GlobalMessage, error) {
	return e.postGlobal(ctx, nil, Content{Type: store.ContentSystem, Text: text})
}

func (e *Engine) postGlobal(ctx context.Context, userID *uuid.UUID, c Content) (*store.GlobalMessage, error) {
	m := &store.GlobalMessage{
		UserID:      userID,
		ContentType: c.Type,
		Content:     c.Text,
		Attachment:  c.attachment(),
		Metadata:    c.Metadata,
		CreatedAt:   e.now(),
	}
	if err := e.store.CreateGlobalMessage(ctx, m); err != nil {
		return nil, persistenceErr("store message", err)
	}
	return m, nil
}

// Sent is the result of a committed private send.
type Sent struct {
	Message      *store.PrivateMessage
	Conversation *store.PrivateConversation
}

// SendPrivate stores a message from sender to receiver and updates the
// conversation aggregate in one transaction: find or create the row for
// the pair, insert the message, point last_message_* at it and bump the
// receiver's unread counter. Nothing is visible unless all of it commits.
func (e *Engine) SendPrivate(ctx context.Context, senderID, receiverID uuid.UUID, c Content) (*Sent, error) {
	if senderID == receiverID {
		return nil, chaterr.ErrSelfConversation
	}

	var sent Sent
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		conv, err := findOrCreate(ctx, tx, senderID, receiverID)
		if err != nil {
			return err
		}

		// Taken after the row lock so last_message_at is monotonic per pair.
		now := e.now()
		msg := &store.PrivateMessage{
			ConversationID: conv.ID,
			SenderID:       senderID,
			ReceiverID:     receiverID,
			ContentType:    c.Type,
			Content:        c.Text,
			Attachment:     c.attachment(),
			Metadata:       c.Metadata,
			CreatedAt:      now,
		}
		if err := tx.CreatePrivateMessage(ctx, msg); err != nil {
			return err
		}

		conv.LastMessageID = &msg.ID
		conv.LastMessageAt = &msg.CreatedAt
		if receiverID == conv.User1ID {
			conv.UnreadCountUser1++
		} else {
			conv.UnreadCountUser2++
		}
		if err := tx.UpdateConversation(ctx, conv); err != nil {
			return err
		}

		sent = Sent{Message: msg, Conversation: conv}
		return nil
	})
	if err != nil {
		return nil, persistenceErr("send private message", err)
	}
	e.logger.DebugContext(ctx, "private message stored",
		"conversation", sent.Conversation.ID, "message", sent.Message.ID)
	return &sent, nil
}

// findOrCreate returns the locked conversation row for the pair. A losing
// concurrent creator re-reads the winner's row.
func findOrCreate(ctx context.Context, tx store.Tx, a, b uuid.UUID) (*store.PrivateConversation, error) {
	u1, u2 := store.NormalizePair(a, b)

	conv, err := tx.ConversationByPair(ctx, u1, u2, true)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conv = &store.PrivateConversation{User1ID: u1, User2ID: u2}
	err = tx.CreateConversation(ctx, conv)
	switch {
	case err == nil:
		return conv, nil
	case errors.Is(err, store.ErrConflict):
		return tx.ConversationByPair(ctx, u1, u2, true)
	default:
		return nil, err
	}
}

// ConversationBetween returns the conversation for a pair in either order.
func (e *Engine) ConversationBetween(ctx context.Context, a, b uuid.UUID) (*store.PrivateConversation, error) {
	u1, u2 := store.NormalizePair(a, b)
	conv, err := e.store.ConversationByPair(ctx, u1, u2, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chaterr.NotFound("conversation not found")
	}
	if err != nil {
		return nil, persistenceErr("load conversation", err)
	}
	return conv, nil
}

// MarkRead resets readerID's unread counter and flags every message
// addressed to them as read. It returns how many messages changed; a second
// call returns zero and leaves the state as it was.
func (e *Engine) MarkRead(ctx context.Context, conversationID, readerID uuid.UUID) (int64, error) {
	var updated int64
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		conv, err := participantConversation(ctx, tx, conversationID, readerID)
		if err != nil {
			return err
		}

		updated, err = tx.MarkPrivateMessagesRead(ctx, conv.ID, readerID, e.now())
		if err != nil {
			return err
		}

		if conv.Unread(readerID) == 0 {
			return nil
		}
		if readerID == conv.User1ID {
			conv.UnreadCountUser1 = 0
		} else {
			conv.UnreadCountUser2 = 0
		}
		return tx.UpdateConversation(ctx, conv)
	})
	if err != nil {
		return 0, persistenceErr("mark conversation read", err)
	}
	return updated, nil
}

// SetMuted sets userID's mute flag. Muting affects rendering only; unread
// counters keep accumulating.
func (e *Engine) SetMuted(ctx context.Context, conversationID, userID uuid.UUID, muted bool) (*store.PrivateConversation, error) {
	var out *store.PrivateConversation
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		conv, err := participantConversation(ctx, tx, conversationID, userID)
		if err != nil {
			return err
		}
		if userID == conv.User1ID {
			conv.IsMutedUser1 = muted
		} else {
			conv.IsMutedUser2 = muted
		}
		out = conv
		return tx.UpdateConversation(ctx, conv)
	})
	if err != nil {
		return nil, persistenceErr("update conversation", err)
	}
	return out, nil
}

func participantConversation(ctx context.Context, tx store.Tx, conversationID, userID uuid.UUID) (*store.PrivateConversation, error) {
	conv, err := tx.ConversationByID(ctx, conversationID, true)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chaterr.NotFound("conversation not found")
	}
	if err != nil {
		return nil, err
	}
	if !conv.Has(userID) {
		return nil, chaterr.Forbidden("not a participant of this conversation")
	}
	return conv, nil
}

// Conversations lists userID's conversations, most recently active first.
func (e *Engine) Conversations(ctx context.Context, userID uuid.UUID) ([]*store.PrivateConversation, error) {
	convs, err := e.store.ConversationsByUser(ctx, userID)
	if err != nil {
		return nil, persistenceErr("list conversations", err)
	}
	return convs, nil
}

// GlobalHistory pages backwards through the room log.
func (e *Engine) GlobalHistory(ctx context.Context, before time.Time, limit int) ([]*store.GlobalMessage, error) {
	msgs, err := e.store.ListGlobalMessages(ctx, before, limit)
	if err != nil {
		return nil, persistenceErr("load history", err)
	}
	return msgs, nil
}

// PrivateHistory pages backwards through a conversation userID takes part in.
func (e *Engine) PrivateHistory(ctx context.Context, conversationID, userID uuid.UUID, before time.Time, limit int) ([]*store.PrivateMessage, error) {
	conv, err := e.store.ConversationByID(ctx, conversationID, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chaterr.NotFound("conversation not found")
	}
	if err != nil {
		return nil, persistenceErr("load conversation", err)
	}
	if !conv.Has(userID) {
		return nil, chaterr.Forbidden("not a participant of this conversation")
	}
	msgs, err := e.store.ListPrivateMessages(ctx, conversationID, before, limit)
	if err != nil {
		return nil, persistenceErr("load history", err)
	}
	return msgs, nil
}

// Usernames resolves user ids for rendering. Unknown ids are omitted.
func (e *Engine) Usernames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	users, err := e.store.UsersByIDs(ctx, ids)
	if err != nil {
		return nil, persistenceErr("load users", err)
	}
	names := make(map[uuid.UUID]string, len(users))
	for id, u := range users {
		names[id] = u.Username
	}
	return names, nil
}

func validEdit(content string) error {
	if strings.TrimSpace(content) == "" {
		return chaterr.InvalidArg("content must not be empty")
	}
	return nil
}

// EditGlobal replaces the content of a room message written by editorID.
func (e *Engine) EditGlobal(ctx context.Context, editorID, messageID uuid.UUID, content string) (*store.GlobalMessage, error) {
	if err := validEdit(content); err != nil {
		return nil, err
	}
	var out *store.GlobalMessage
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		m, err := ownGlobal(ctx, tx, editorID, messageID)
		if err != nil {
			return err
		}
		if m.IsDeleted {
			return chaterr.ErrMessageDeleted
		}
		now := e.now()
		m.Content = content
		m.IsEdited, m.EditedAt = true, &now
		out = m
		return tx.UpdateGlobalMessage(ctx, m)
	})
	if err != nil {
		return nil, persistenceErr("edit message", err)
	}
	return out, nil
}

// DeleteGlobal soft-deletes a room message written by editorID. Deleting an
// already deleted message succeeds without changing it.
func (e *Engine) DeleteGlobal(ctx context.Context, editorID, messageID uuid.UUID) (*store.GlobalMessage, error) {
	var out *store.GlobalMessage
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		m, err := ownGlobal(ctx, tx, editorID, messageID)
		if err != nil {
			return err
		}
		out = m
		if m.IsDeleted {
			return nil
		}
		now := e.now()
		m.IsDeleted, m.DeletedAt = true, &now
		return tx.UpdateGlobalMessage(ctx, m)
	})
	if err != nil {
		return nil, persistenceErr("delete message", err)
	}
	return out, nil
}

func ownGlobal(ctx context.Context, tx store.Tx, editorID, messageID uuid.UUID) (*store.GlobalMessage, error) {
	m, err := tx.GlobalMessageByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chaterr.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.UserID == nil || *m.UserID != editorID {
		return nil, chaterr.ErrNotAuthor
	}
	return m, nil
}

// EditPrivate replaces the content of a private message sent by editorID.
// The conversation's last-message pointer is left alone.
func (e *Engine) EditPrivate(ctx context.Context, editorID, messageID uuid.UUID, content string) (*store.PrivateMessage, error) {
	if err := validEdit(content); err != nil {
		return nil, err
	}
	var out *store.PrivateMessage
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		m, err := ownPrivate(ctx, tx, editorID, messageID)
		if err != nil {
			return err
		}
		if m.IsDeleted {
			return chaterr.ErrMessageDeleted
		}
		now := e.now()
		m.Content = content
		m.IsEdited, m.EditedAt = true, &now
		out = m
		return tx.UpdatePrivateMessage(ctx, m)
	})
	if err != nil {
		return nil, persistenceErr("edit message", err)
	}
	return out, nil
}

// DeletePrivate soft-deletes a private message sent by editorID. If it was
// the latest message, last_message_id keeps pointing at it.
func (e *Engine) DeletePrivate(ctx context.Context, editorID, messageID uuid.UUID) (*store.PrivateMessage, error) {
	var out *store.PrivateMessage
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		m, err := ownPrivate(ctx, tx, editorID, messageID)
		if err != nil {
			return err
		}
		out = m
		if m.IsDeleted {
			return nil
		}
		now := e.now()
		m.IsDeleted, m.DeletedAt = true, &now
		return tx.UpdatePrivateMessage(ctx, m)
	})
	if err != nil {
		return nil, persistenceErr("delete message", err)
	}
	return out, nil
}

func ownPrivate(ctx context.Context, tx store.Tx, editorID, messageID uuid.UUID) (*store.PrivateMessage, error) {
	m, err := tx.PrivateMessageByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chaterr.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.SenderID != editorID {
		return nil, chaterr.ErrNotAuthor
	}
	return m, nil
}
