// Package memory is an in-process store.Store used for tests and for running
// the server without a database.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/json-socket-chat/internal/store"
)

// Store keeps every table in maps guarded by one mutex. A transaction holds
// the mutex for its whole duration and journals an undo step per write.
type Store struct {
	mu    sync.Mutex
	now   func() time.Time
	users map[uuid.UUID]*store.User
	files map[uuid.UUID]*store.File
	glob  map[uuid.UUID]*store.GlobalMessage
	convs map[uuid.UUID]*store.PrivateConversation
	pairs map[[2]uuid.UUID]uuid.UUID
	priv  map[uuid.UUID]*store.PrivateMessage
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		now:   time.Now,
		users: make(map[uuid.UUID]*store.User),
		files: make(map[uuid.UUID]*store.File),
		glob:  make(map[uuid.UUID]*store.GlobalMessage),
		convs: make(map[uuid.UUID]*store.PrivateConversation),
		pairs: make(map[[2]uuid.UUID]uuid.UUID),
		priv:  make(map[uuid.UUID]*store.PrivateMessage),
	}
}

// InTx implements store.Store.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	if err := fn(t); err != nil {
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
		return err
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() {}

func (s *Store) run(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.InTx(ctx, fn)
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	return s.run(ctx, func(tx store.Tx) error { return tx.CreateUser(ctx, u) })
}

func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (u *store.User, err error) {
	err = s.run(ctx, func(tx store.Tx) error { u, err = tx.UserByID(ctx, id); return err })
	return u, err
}

func (s *Store) UserByUsername(ctx context.Context, username string) (u *store.User, err error) {
	err = s.run(ctx, func(tx store.Tx) error { u, err = tx.UserByUsername(ctx, username); return err })
	return u, err
}

func (s *Store) UsersByIDs(ctx context.Context, ids []uuid.UUID) (m map[uuid.UUID]*store.User, err error) {
	err = s.run(ctx, func(tx store.Tx) error { m, err = tx.UsersByIDs(ctx, ids); return err })
	return m, err
}

func (s *Store) SetUserStatus(ctx context.Context, username string, status store.UserStatus, lastSeen time.Time) error {
	return s.run(ctx, func(tx store.Tx) error { return tx.SetUserStatus(ctx, username, status, lastSeen) })
}

func (s *Store) CreateFile(ctx context.Context, f *store.File) error {
	return s.run(ctx, func(tx store.Tx) error { return tx.CreateFile(ctx, f) })
}

func (s *Store) FileByID(ctx context.Context, id uuid.UUID) (f *store.File, err error) {
	err = s.run(ctx, func(tx store.Tx) error { f, err = tx.FileByID(ctx, id); return err })
	return f, err
}

func (s *Store) SetUploadStatus(ctx context.Context, id uuid.UUID, status store.UploadStatus) error {
	return s.run(ctx, func(tx store.Tx) error { return tx.SetUploadStatus(ctx, id, status) })
}

func (s *Store) CreateGlobalMessage(ctx context.Context, m *store.GlobalMessage) error {
	return s.run(ctx, func(tx store.Tx) error { return tx.CreateGlobalMessage(ctx, m) })
}

func (s *Store) GlobalMessageByID(ctx context.Context, id uuid.UUID) (m *store.GlobalMessage, err error) {
	err = s.run(ctx, func(tx store.Tx) error { m, err = tx.GlobalMessageByID(ctx, id); return err })
	return m, err
}

func (s *Store) UpdateGlobalMessage(ctx context.Context, m *store.GlobalMessage) error {
	return s.run(ctx, func(tx store.Tx) error { return tx.UpdateGlobalMessage(ctx, m) })
}

func (s *Store) ListGlobalMessages(ctx context.Context, before time.Time, limit int) (ms []*store.GlobalMessage, err error) {
	err = s.run(ctx, func(tx store.Tx) error { ms, err = tx.ListGlobalMessages(ctx, before, limit); return err })
	return ms, err
}

func (s *Store) ConversationByPair(ctx context.Context, user1, user2 uuid.UUID, forUpdate bool) (c *store.PrivateConversation, err error) {
	err = s.run(ctx, func(tx store.Tx) error { c, err = tx.ConversationByPair(ctx, user1, user2, forUpdate); return err })
	return c, err
}

func (s *Store) ConversationByID(ctx context.Context, id uuid.UUID, forUpdate bool) (c *store.PrivateConversation, err error) {
	err = s.run(ctx, func(tx store.Tx) error { c, err = tx.ConversationByID(ctx, id, forUpdate); return err })
	return c, err
}

func (s *Store) CreateConversation(ctx context.Context, c *store.PrivateConversation) error {
	return s.run(ctx, func(tx store.Tx) error { return tx.CreateConversation(ctx, c) })
}

func (s *Store) UpdateConversation(ctx context.Context, c *store.PrivateConversation) error {
	return s.run(ctx, func(tx store.Tx) error { return tx.UpdateConversation(ctx, c) })
}

func (s *Store) ConversationsByUser(ctx context.Context, userID uuid.UUID) (cs []*store.PrivateConversation, err error) {
	err = s.run(ctx, func(tx store.Tx) error { cs, err = tx.ConversationsByUser(ctx, userID); return err })
	return cs, err
}

func (s *Store) CreatePrivateMessage(ctx context.Context, m *store.PrivateMessage) error {
	return s.run(ctx, func(tx store.Tx) error { return tx.CreatePrivateMessage(ctx, m) })
}

func (s *Store) PrivateMessageByID(ctx context.Context, id uuid.UUID) (m *store.PrivateMessage, err error) {
	err = s.run(ctx, func(tx store.Tx) error { m, err = tx.PrivateMessageByID(ctx, id); return err })
	return m, err
}

func (s *Store) UpdatePrivateMessage(ctx context.Context, m *store.PrivateMessage) error {
	return s.run(ctx, func(tx store.Tx) error { return tx.UpdatePrivateMessage(ctx, m) })
}

func (s *Store) MarkPrivateMessagesRead(ctx context.Context, conversationID, readerID uuid.UUID, at time.Time) (n int64, err error) {
	err = s.run(ctx, func(tx store.Tx) error {
		n, err = tx.MarkPrivateMessagesRead(ctx, conversationID, readerID, at)
		return err
	})
	return n, err
}

func (s *Store) ListPrivateMessages(ctx context.Context, conversationID uuid.UUID, before time.Time, limit int) (ms []*store.PrivateMessage, err error) {
	err = s.run(ctx, func(tx store.Tx) error {
		ms, err = tx.ListPrivateMessages(ctx, conversationID, before, limit)
		return err
	})
	return ms, err
}

// tx operates on the locked state of its Store.
type tx struct {
	s    *Store
	undo []func()
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

// put stores row under id in m, journaling the previous value.
func put[T any](t *tx, m map[uuid.UUID]*T, id uuid.UUID, row *T) {
	prev, existed := m[id]
	m[id] = row
	t.undo = append(t.undo, func() {
		if existed {
			m[id] = prev
		} else {
			delete(m, id)
		}
	})
}

func (t *tx) stamp(id *uuid.UUID, createdAt, updatedAt *time.Time) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
	now := t.s.now()
	if createdAt.IsZero() {
		*createdAt = now
	}
	*updatedAt = now
}

func (t *tx) CreateUser(_ context.Context, u *store.User) error {
	for _, existing := range t.s.users {
		if existing.Username == u.Username ||
			(u.Email != nil && existing.Email != nil && *u.Email == *existing.Email) ||
			(u.Phone != nil && existing.Phone != nil && *u.Phone == *existing.Phone) {
			return store.ErrConflict
		}
	}
	t.stamp(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if u.Status == "" {
		u.Status = store.StatusOffline
	}
	put(t, t.s.users, u.ID, clone(u))
	return nil
}

func (t *tx) UserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(u), nil
}

func (t *tx) UserByUsername(_ context.Context, username string) (*store.User, error) {
	for _, u := range t.s.users {
		if u.Username == username {
			return clone(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) UsersByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*store.User, error) {
	out := make(map[uuid.UUID]*store.User, len(ids))
	for _, id := range ids {
		if u, ok := t.s.users[id]; ok {
			out[id] = clone(u)
		}
	}
	return out, nil
}

func (t *tx) SetUserStatus(_ context.Context, username string, status store.UserStatus, lastSeen time.Time) error {
	for id, u := range t.s.users {
		if u.Username != username {
			continue
		}
		row := clone(u)
		row.Status = status
		row.LastSeen = &lastSeen
		row.UpdatedAt = t.s.now()
		put(t, t.s.users, id, row)
		return nil
	}
	return store.ErrNotFound
}

func (t *tx) CreateFile(_ context.Context, f *store.File) error {
	t.stamp(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if f.UploadStatus == "" {
		f.UploadStatus = store.UploadCompleted
	}
	put(t, t.s.files, f.ID, clone(f))
	return nil
}

func (t *tx) FileByID(_ context.Context, id uuid.UUID) (*store.File, error) {
	f, ok := t.s.files[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(f), nil
}

func (t *tx) SetUploadStatus(_ context.Context, id uuid.UUID, status store.UploadStatus) error {
	f, ok := t.s.files[id]
	if !ok {
		return store.ErrNotFound
	}
	row := clone(f)
	row.UploadStatus = status
	row.UpdatedAt = t.s.now()
	put(t, t.s.files, id, row)
	return nil
}

func (t *tx) CreateGlobalMessage(_ context.Context, m *store.GlobalMessage) error {
	if m.UserID != nil {
		if _, ok := t.s.users[*m.UserID]; !ok {
			return store.ErrNotFound
		}
	}
	t.stamp(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	put(t, t.s.glob, m.ID, clone(m))
	return nil
}

func (t *tx) GlobalMessageByID(_ context.Context, id uuid.UUID) (*store.GlobalMessage, error) {
	m, ok := t.s.glob[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(m), nil
}

func (t *tx) UpdateGlobalMessage(_ context.Context, m *store.GlobalMessage) error {
	existing, ok := t.s.glob[m.ID]
	if !ok {
		return store.ErrNotFound
	}
	row := clone(existing)
	row.Content = m.Content
	row.IsEdited, row.EditedAt = m.IsEdited, m.EditedAt
	row.IsDeleted, row.DeletedAt = m.IsDeleted, m.DeletedAt
	row.UpdatedAt = t.s.now()
	m.UpdatedAt = row.UpdatedAt
	put(t, t.s.glob, m.ID, row)
	return nil
}

// newestFirst orders rows by creation time descending, breaking ties by id
// so pages are stable.
func newestFirst(aAt, bAt time.Time, aID, bID uuid.UUID) int {
	if c := bAt.Compare(aAt); c != 0 {
		return c
	}
	return cmp.Compare(bID.String(), aID.String())
}

func (t *tx) ListGlobalMessages(_ context.Context, before time.Time, limit int) ([]*store.GlobalMessage, error) {
	if before.IsZero() {
		before = t.s.now().Add(time.Nanosecond)
	}
	var out []*store.GlobalMessage
	for _, m := range t.s.glob {
		if m.CreatedAt.Before(before) {
			out = append(out, clone(m))
		}
	}
	slices.SortFunc(out, func(a, b *store.GlobalMessage) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	if limit = store.ClampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) ConversationByPair(_ context.Context, user1, user2 uuid.UUID, _ bool) (*store.PrivateConversation, error) {
	id, ok := t.s.pairs[[2]uuid.UUID{user1, user2}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(t.s.convs[id]), nil
}

func (t *tx) ConversationByID(_ context.Context, id uuid.UUID, _ bool) (*store.PrivateConversation, error) {
	c, ok := t.s.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(c), nil
}

func (t *tx) CreateConversation(_ context.Context, c *store.PrivateConversation) error {
	if u1, u2 := store.NormalizePair(c.User1ID, c.User2ID); u1 != c.User1ID || u1 == u2 {
		return store.ErrConflict
	}
	key := [2]uuid.UUID{c.User1ID, c.User2ID}
	if _, ok := t.s.pairs[key]; ok {
		return store.ErrConflict
	}
	t.stamp(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	put(t, t.s.convs, c.ID, clone(c))
	t.s.pairs[key] = c.ID
	t.undo = append(t.undo, func() { delete(t.s.pairs, key) })
	return nil
}

func (t *tx) UpdateConversation(_ context.Context, c *store.PrivateConversation) error {
	existing, ok := t.s.convs[c.ID]
	if !ok {
		return store.ErrNotFound
	}
	row := clone(existing)
	row.LastMessageID, row.LastMessageAt = c.LastMessageID, c.LastMessageAt
	row.UnreadCountUser1, row.UnreadCountUser2 = c.UnreadCountUser1, c.UnreadCountUser2
	row.IsMutedUser1, row.IsMutedUser2 = c.IsMutedUser1, c.IsMutedUser2
	row.UpdatedAt = t.s.now()
	c.UpdatedAt = row.UpdatedAt
	put(t, t.s.convs, c.ID, row)
	return nil
}

func (t *tx) ConversationsByUser(_ context.Context, userID uuid.UUID) ([]*store.PrivateConversation, error) {
	var out []*store.PrivateConversation
	for _, c := range t.s.convs {
		if c.Has(userID) {
			out = append(out, clone(c))
		}
	}
	slices.SortFunc(out, func(a, b *store.PrivateConversation) int {
		return newestFirst(activity(a), activity(b), a.ID, b.ID)
	})
	return out, nil
}

func activity(c *store.PrivateConversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (t *tx) CreatePrivateMessage(_ context.Context, m *store.PrivateMessage) error {
	c, ok := t.s.convs[m.ConversationID]
	if !ok || !c.Has(m.SenderID) || !c.Has(m.ReceiverID) {
		return store.ErrNotFound
	}
	t.stamp(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	put(t, t.s.priv, m.ID, clone(m))
	return nil
}

func (t *tx) PrivateMessageByID(_ context.Context, id uuid.UUID) (*store.PrivateMessage, error) {
	m, ok := t.s.priv[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(m), nil
}

func (t *tx) UpdatePrivateMessage(_ context.Context, m *store.PrivateMessage) error {
	existing, ok := t.s.priv[m.ID]
	if !ok {
		return store.ErrNotFound
	}
	row := clone(existing)
	row.Content = m.Content
	row.IsRead, row.ReadAt = m.IsRead, m.ReadAt
	row.IsEdited, row.EditedAt = m.IsEdited, m.EditedAt
	row.IsDeleted, row.DeletedAt = m.IsDeleted, m.DeletedAt
	row.UpdatedAt = t.s.now()
	m.UpdatedAt = row.UpdatedAt
	put(t, t.s.priv, m.ID, row)
	return nil
}

func (t *tx) MarkPrivateMessagesRead(_ context.Context, conversationID, readerID uuid.UUID, at time.Time) (int64, error) {
	var n int64
	for id, m := range t.s.priv {
		if m.ConversationID != conversationID || m.ReceiverID != readerID || m.IsRead {
			continue
		}
		row := clone(m)
		row.IsRead = true
		row.ReadAt = &at
		row.UpdatedAt = t.s.now()
		put(t, t.s.priv, id, row)
		n++
	}
	return n, nil
}

func (t *tx) ListPrivateMessages(_ context.Context, conversationID uuid.UUID, before time.Time, limit int) ([]*store.PrivateMessage, error) {
	if before.IsZero() {
		before = t.s.now().Add(time.Nanosecond)
	}
	var out []*store.PrivateMessage
	for _, m := range t.s.priv {
		if m.ConversationID == conversationID && m.CreatedAt.Before(before) {
			out = append(out, clone(m))
		}
	}
	slices.SortFunc(out, func(a, b *store.PrivateMessage) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	if limit = store.ClampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
