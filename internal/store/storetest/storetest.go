// Package storetest holds a behavioral test suite that every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/json-socket-chat/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises newStore against the store.Store contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Users", testUsers},
		{"UserStatus", testUserStatus},
		{"Files", testFiles},
		{"GlobalMessages", testGlobalMessages},
		{"GlobalMessagePaging", testGlobalMessagePaging},
		{"ConversationPairIsUnique", testConversationPairIsUnique},
		{"ConversationUpdate", testConversationUpdate},
		{"PrivateMessages", testPrivateMessages},
		{"RollbackOnError", testRollbackOnError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2024, 4, 5, 12, 0, 0, 0, time.UTC)

// MustUser creates a user with a placeholder password hash.
func MustUser(t *testing.T, s store.Store, username string) *store.User {
	t.Helper()
	u := &store.User{Username: username, PasswordHash: "x", DisplayName: username}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := "alice@example.com"
	alice := &store.User{Username: "alice", PasswordHash: "hash", Email: &email}
	require.NoError(t, s.CreateUser(ctx, alice))
	assert.NotEqual(t, uuid.Nil, alice.ID)
	assert.Equal(t, store.StatusOffline, alice.Status)
	assert.False(t, alice.CreatedAt.IsZero())

	got, err := s.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)
	assert.Equal(t, "hash", got.PasswordHash)
	require.NotNil(t, got.Email)
	assert.Equal(t, email, *got.Email)

	got, err = s.UserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	err = s.CreateUser(ctx, &store.User{Username: "alice", PasswordHash: "other"})
	assert.ErrorIs(t, err, store.ErrConflict)

	err = s.CreateUser(ctx, &store.User{Username: "alice2", PasswordHash: "other", Email: &email})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.UserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)

	bob := MustUser(t, s, "bob")
	users, err := s.UsersByIDs(ctx, []uuid.UUID{alice.ID, bob.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Equal(t, "bob", users[bob.ID].Username)
}

func testUserStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	MustUser(t, s, "alice")

	require.NoError(t, s.SetUserStatus(ctx, "alice", store.StatusOnline, base))
	got, err := s.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, got.Status)
	require.NotNil(t, got.LastSeen)
	assert.True(t, base.Equal(*got.LastSeen))

	err = s.SetUserStatus(ctx, "ghost", store.StatusOnline, base)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testFiles(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice := MustUser(t, s, "alice")
	w, h := 4, 3
	f := &store.File{
		UserID:   &alice.ID,
		FileName: "cat.png",
		FilePath: "2024/04/05/x.png",
		FileURL:  "/media/2024/04/05/x.png",
		FileType: string(store.ContentImage),
		MimeType: "image/png",
		FileSize: 128,
		Width:    &w,
		Height:   &h,
	}
	require.NoError(t, s.CreateFile(ctx, f))
	assert.Equal(t, store.UploadCompleted, f.UploadStatus)

	got, err := s.FileByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/png", got.MimeType)
	require.NotNil(t, got.Width)
	assert.Equal(t, 4, *got.Width)
	assert.Nil(t, got.Duration)

	require.NoError(t, s.SetUploadStatus(ctx, f.ID, store.UploadFailed))
	got, err = s.FileByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, store.UploadFailed, got.UploadStatus)

	_, err = s.FileByID(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.SetUploadStatus(ctx, uuid.New(), store.UploadFailed), store.ErrNotFound)
}

func testGlobalMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice := MustUser(t, s, "alice")

	m := &store.GlobalMessage{UserID: &alice.ID, ContentType: store.ContentText, Content: "hi"}
	require.NoError(t, s.CreateGlobalMessage(ctx, m))

	sys := &store.GlobalMessage{ContentType: store.ContentSystem, Content: "alice joined the chat"}
	require.NoError(t, s.CreateGlobalMessage(ctx, sys))

	got, err := s.GlobalMessageByID(ctx, sys.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UserID)
	assert.Equal(t, store.ContentSystem, got.ContentType)

	now := time.Now()
	m.Content = "hello"
	m.IsEdited, m.EditedAt = true, &now
	require.NoError(t, s.UpdateGlobalMessage(ctx, m))

	got, err = s.GlobalMessageByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.True(t, got.IsEdited)
	assert.False(t, got.IsDeleted)

	err = s.CreateGlobalMessage(ctx, &store.GlobalMessage{UserID: ptr(uuid.New()), ContentType: store.ContentText})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testGlobalMessagePaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice := MustUser(t, s, "alice")

	for i := range 5 {
		m := &store.GlobalMessage{
			UserID:      &alice.ID,
			ContentType: store.ContentText,
			Content:     string(rune('a' + i)),
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateGlobalMessage(ctx, m))
	}

	page, err := s.ListGlobalMessages(ctx, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e", page[0].Content)
	assert.Equal(t, "d", page[1].Content)

	page, err = s.ListGlobalMessages(ctx, page[1].CreatedAt, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "c", page[0].Content)
	assert.Equal(t, "a", page[2].Content)
}

func testConversationPairIsUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	u1, u2 := store.NormalizePair(MustUser(t, s, "alice").ID, MustUser(t, s, "bob").ID)

	first := &store.PrivateConversation{User1ID: u1, User2ID: u2}
	require.NoError(t, s.CreateConversation(ctx, first))

	// A losing insert must leave the transaction usable.
	err := s.InTx(ctx, func(tx store.Tx) error {
		err := tx.CreateConversation(ctx, &store.PrivateConversation{User1ID: u1, User2ID: u2})
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		c, err := tx.ConversationByPair(ctx, u1, u2, true)
		if err != nil {
			return err
		}
		assert.Equal(t, first.ID, c.ID)
		return nil
	})
	require.NoError(t, err)

	err = s.CreateConversation(ctx, &store.PrivateConversation{User1ID: u2, User2ID: u1})
	assert.ErrorIs(t, err, store.ErrConflict)

	convs, err := s.ConversationsByUser(ctx, u2)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, first.ID, convs[0].ID)
}

func testConversationUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	u1, u2 := store.NormalizePair(MustUser(t, s, "alice").ID, MustUser(t, s, "bob").ID)
	c := &store.PrivateConversation{User1ID: u1, User2ID: u2}
	require.NoError(t, s.CreateConversation(ctx, c))

	msgID := uuid.New()
	c.LastMessageID, c.LastMessageAt = &msgID, &base
	c.UnreadCountUser2 = 3
	c.IsMutedUser1 = true
	require.NoError(t, s.UpdateConversation(ctx, c))

	got, err := s.ConversationByID(ctx, c.ID, false)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, msgID, *got.LastMessageID)
	assert.Equal(t, 0, got.UnreadCountUser1)
	assert.Equal(t, 3, got.UnreadCountUser2)
	assert.True(t, got.Muted(u1))
	assert.False(t, got.Muted(u2))
	assert.Equal(t, 3, got.Unread(u2))
	assert.Equal(t, u1, got.Other(u2))
}

func testPrivateMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice, bob := MustUser(t, s, "alice"), MustUser(t, s, "bob")
	u1, u2 := store.NormalizePair(alice.ID, bob.ID)
	c := &store.PrivateConversation{User1ID: u1, User2ID: u2}
	require.NoError(t, s.CreateConversation(ctx, c))

	send := func(from, to uuid.UUID, content string, at time.Time) *store.PrivateMessage {
		m := &store.PrivateMessage{
			ConversationID: c.ID,
			SenderID:       from,
			ReceiverID:     to,
			ContentType:    store.ContentText,
			Content:        content,
			CreatedAt:      at,
		}
		require.NoError(t, s.CreatePrivateMessage(ctx, m))
		return m
	}
	send(alice.ID, bob.ID, "one", base)
	send(alice.ID, bob.ID, "two", base.Add(time.Second))
	reply := send(bob.ID, alice.ID, "three", base.Add(2*time.Second))

	n, err := s.MarkPrivateMessagesRead(ctx, c.ID, bob.ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.MarkPrivateMessagesRead(ctx, c.ID, bob.ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	page, err := s.ListPrivateMessages(ctx, c.ID, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "three", page[0].Content)
	assert.False(t, page[0].IsRead)
	assert.True(t, page[2].IsRead)

	now := time.Now()
	reply.IsDeleted, reply.DeletedAt = true, &now
	require.NoError(t, s.UpdatePrivateMessage(ctx, reply))
	got, err := s.PrivateMessageByID(ctx, reply.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, "three", got.Content)

	stranger := MustUser(t, s, "carol")
	err = s.CreatePrivateMessage(ctx, &store.PrivateMessage{
		ConversationID: uuid.New(),
		SenderID:       stranger.ID,
		ReceiverID:     alice.ID,
		ContentType:    store.ContentText,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRollbackOnError(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, &store.User{Username: "ghost", PasswordHash: "x"}); err != nil {
			return err
		}
		if err := tx.CreateGlobalMessage(ctx, &store.GlobalMessage{ContentType: store.ContentSystem, Content: "x"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.UserByUsername(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	msgs, err := s.ListGlobalMessages(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func ptr[T any](v T) *T { return &v }
