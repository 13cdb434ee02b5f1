package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/omochice/json-socket-chat/internal/store"
)

// queries implements store.Tx against either the pool or a transaction.
type queries struct {
	q querier
}

const userColumns = `id, username, email, phone, password_hash, display_name, avatar_url, status, last_seen, created_at, updated_at`

func scanUser(row pgx.Row) (*store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Phone, &u.PasswordHash, &u.DisplayName,
		&u.AvatarURL, &u.Status, &u.LastSeen, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r queries) CreateUser(ctx context.Context, u *store.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = store.StatusOffline
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO users (id, username, email, phone, password_hash, display_name, avatar_url, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))
		RETURNING created_at, updated_at
	`, u.ID, u.Username, u.Email, u.Phone, u.PasswordHash, u.DisplayName, u.AvatarURL, u.Status, orNow(u.CreatedAt),
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	return mapErr(err, "CreateUser")
}

func (r queries) UserByID(ctx context.Context, id uuid.UUID) (*store.User, error) {
	u, err := scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	return u, mapErr(err, "UserByID")
}

func (r queries) UserByUsername(ctx context.Context, username string) (*store.User, error) {
	u, err := scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	return u, mapErr(err, "UserByUsername")
}

func (r queries) UsersByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*store.User, error) {
	out := make(map[uuid.UUID]*store.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	rows, err := r.q.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1::uuid[])`, keys)
	if err != nil {
		return nil, mapErr(err, "UsersByIDs")
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, mapErr(err, "UsersByIDs")
		}
		out[u.ID] = u
	}
	return out, mapErr(rows.Err(), "UsersByIDs")
}

func (r queries) SetUserStatus(ctx context.Context, username string, status store.UserStatus, lastSeen time.Time) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE users SET status = $2, last_seen = $3, updated_at = now() WHERE username = $1
	`, username, status, lastSeen)
	if err != nil {
		return mapErr(err, "SetUserStatus")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const fileColumns = `id, user_id, file_name, file_path, file_url, file_type, mime_type, file_size,
	width, height, duration, bitrate, sample_rate, channels, thumbnail_url, upload_status,
	is_temp, expires_at, created_at, updated_at`

func (r queries) CreateFile(ctx context.Context, f *store.File) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.UploadStatus == "" {
		f.UploadStatus = store.UploadCompleted
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO files (id, user_id, file_name, file_path, file_url, file_type, mime_type, file_size,
			width, height, duration, bitrate, sample_rate, channels, thumbnail_url, upload_status,
			is_temp, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, COALESCE($19, now()))
		RETURNING created_at, updated_at
	`, f.ID, f.UserID, f.FileName, f.FilePath, f.FileURL, f.FileType, f.MimeType, f.FileSize,
		f.Width, f.Height, f.Duration, f.Bitrate, f.SampleRate, f.Channels, f.ThumbnailURL, f.UploadStatus,
		f.IsTemp, f.ExpiresAt, orNow(f.CreatedAt),
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	return mapErr(err, "CreateFile")
}

func (r queries) FileByID(ctx context.Context, id uuid.UUID) (*store.File, error) {
	var f store.File
	err := r.q.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id).Scan(
		&f.ID, &f.UserID, &f.FileName, &f.FilePath, &f.FileURL, &f.FileType, &f.MimeType, &f.FileSize,
		&f.Width, &f.Height, &f.Duration, &f.Bitrate, &f.SampleRate, &f.Channels, &f.ThumbnailURL, &f.UploadStatus,
		&f.IsTemp, &f.ExpiresAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "FileByID")
	}
	return &f, nil
}

func (r queries) SetUploadStatus(ctx context.Context, id uuid.UUID, status store.UploadStatus) error {
	tag, err := r.q.Exec(ctx, `UPDATE files SET upload_status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return mapErr(err, "SetUploadStatus")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const globalColumns = `id, user_id, content_type, content, file_id, file_url, file_name, file_size,
	metadata, is_edited, edited_at, is_deleted, deleted_at, created_at, updated_at`

func scanGlobal(row pgx.Row) (*store.GlobalMessage, error) {
	var m store.GlobalMessage
	err := row.Scan(&m.ID, &m.UserID, &m.ContentType, &m.Content, &m.FileID, &m.FileURL, &m.FileName, &m.FileSize,
		&m.Metadata, &m.IsEdited, &m.EditedAt, &m.IsDeleted, &m.DeletedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r queries) CreateGlobalMessage(ctx context.Context, m *store.GlobalMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO global_messages (id, user_id, content_type, content, file_id, file_url, file_name, file_size, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now()))
		RETURNING created_at, updated_at
	`, m.ID, m.UserID, m.ContentType, m.Content, m.FileID, m.FileURL, m.FileName, m.FileSize,
		jsonb(m.Metadata), orNow(m.CreatedAt),
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	return mapErr(err, "CreateGlobalMessage")
}

func (r queries) GlobalMessageByID(ctx context.Context, id uuid.UUID) (*store.GlobalMessage, error) {
	m, err := scanGlobal(r.q.QueryRow(ctx, `SELECT `+globalColumns+` FROM global_messages WHERE id = $1`, id))
	return m, mapErr(err, "GlobalMessageByID")
}

func (r queries) UpdateGlobalMessage(ctx context.Context, m *store.GlobalMessage) error {
	err := r.q.QueryRow(ctx, `
		UPDATE global_messages
		SET content = $2, is_edited = $3, edited_at = $4, is_deleted = $5, deleted_at = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, m.ID, m.Content, m.IsEdited, m.EditedAt, m.IsDeleted, m.DeletedAt).Scan(&m.UpdatedAt)
	return mapErr(err, "UpdateGlobalMessage")
}

func (r queries) ListGlobalMessages(ctx context.Context, before time.Time, limit int) ([]*store.GlobalMessage, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+globalColumns+` FROM global_messages
		WHERE created_at < COALESCE($1, now() + interval '1 microsecond')
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, orNow(before), store.ClampLimit(limit))
	if err != nil {
		return nil, mapErr(err, "ListGlobalMessages")
	}
	defer rows.Close()
	var out []*store.GlobalMessage
	for rows.Next() {
		m, err := scanGlobal(rows)
		if err != nil {
			return nil, mapErr(err, "ListGlobalMessages")
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err(), "ListGlobalMessages")
}

const conversationColumns = `id, user1_id, user2_id, last_message_id, last_message_at,
	unread_count_user1, unread_count_user2, is_muted_user1, is_muted_user2, created_at, updated_at`

func scanConversation(row pgx.Row) (*store.PrivateConversation, error) {
	var c store.PrivateConversation
	err := row.Scan(&c.ID, &c.User1ID, &c.User2ID, &c.LastMessageID, &c.LastMessageAt,
		&c.UnreadCountUser1, &c.UnreadCountUser2, &c.IsMutedUser1, &c.IsMutedUser2, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return ` FOR UPDATE`
	}
	return ``
}

func (r queries) ConversationByPair(ctx context.Context, user1, user2 uuid.UUID, forUpdate bool) (*store.PrivateConversation, error) {
	c, err := scanConversation(r.q.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM private_conversations WHERE user1_id = $1 AND user2_id = $2`+lockClause(forUpdate),
		user1, user2))
	return c, mapErr(err, "ConversationByPair")
}

func (r queries) ConversationByID(ctx context.Context, id uuid.UUID, forUpdate bool) (*store.PrivateConversation, error) {
	c, err := scanConversation(r.q.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM private_conversations WHERE id = $1`+lockClause(forUpdate), id))
	return c, mapErr(err, "ConversationByID")
}

// CreateConversation inserts with ON CONFLICT DO NOTHING so that losing a
// creation race does not abort the surrounding transaction.
func (r queries) CreateConversation(ctx context.Context, c *store.PrivateConversation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO private_conversations (id, user1_id, user2_id, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
		ON CONFLICT (user1_id, user2_id) DO NOTHING
		RETURNING created_at, updated_at
	`, c.ID, c.User1ID, c.User2ID, orNow(c.CreatedAt)).Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrConflict
	}
	return mapErr(err, "CreateConversation")
}

func (r queries) UpdateConversation(ctx context.Context, c *store.PrivateConversation) error {
	err := r.q.QueryRow(ctx, `
		UPDATE private_conversations
		SET last_message_id = $2, last_message_at = $3,
		    unread_count_user1 = $4, unread_count_user2 = $5,
		    is_muted_user1 = $6, is_muted_user2 = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, c.ID, c.LastMessageID, c.LastMessageAt, c.UnreadCountUser1, c.UnreadCountUser2,
		c.IsMutedUser1, c.IsMutedUser2).Scan(&c.UpdatedAt)
	return mapErr(err, "UpdateConversation")
}

func (r queries) ConversationsByUser(ctx context.Context, userID uuid.UUID) ([]*store.PrivateConversation, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+conversationColumns+` FROM private_conversations
		WHERE user1_id = $1 OR user2_id = $1
		ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC
	`, userID)
	if err != nil {
		return nil, mapErr(err, "ConversationsByUser")
	}
	defer rows.Close()
	var out []*store.PrivateConversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, mapErr(err, "ConversationsByUser")
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err(), "ConversationsByUser")
}

const privateColumns = `id, conversation_id, sender_id, receiver_id, content_type, content,
	file_id, file_url, file_name, file_size, metadata, is_read, read_at,
	is_edited, edited_at, is_deleted, deleted_at, created_at, updated_at`

func scanPrivate(row pgx.Row) (*store.PrivateMessage, error) {
	var m store.PrivateMessage
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.ContentType, &m.Content,
		&m.FileID, &m.FileURL, &m.FileName, &m.FileSize, &m.Metadata, &m.IsRead, &m.ReadAt,
		&m.IsEdited, &m.EditedAt, &m.IsDeleted, &m.DeletedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r queries) CreatePrivateMessage(ctx context.Context, m *store.PrivateMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO private_messages (id, conversation_id, sender_id, receiver_id, content_type, content,
			file_id, file_url, file_name, file_size, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, now()))
		RETURNING created_at, updated_at
	`, m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.ContentType, m.Content,
		m.FileID, m.FileURL, m.FileName, m.FileSize, jsonb(m.Metadata), orNow(m.CreatedAt),
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	return mapErr(err, "CreatePrivateMessage")
}

func (r queries) PrivateMessageByID(ctx context.Context, id uuid.UUID) (*store.PrivateMessage, error) {
	m, err := scanPrivate(r.q.QueryRow(ctx, `SELECT `+privateColumns+` FROM private_messages WHERE id = $1`, id))
	return m, mapErr(err, "PrivateMessageByID")
}

func (r queries) UpdatePrivateMessage(ctx context.Context, m *store.PrivateMessage) error {
	err := r.q.QueryRow(ctx, `
		UPDATE private_messages
		SET content = $2, is_read = $3, read_at = $4, is_edited = $5, edited_at = $6,
		    is_deleted = $7, deleted_at = $8, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, m.ID, m.Content, m.IsRead, m.ReadAt, m.IsEdited, m.EditedAt, m.IsDeleted, m.DeletedAt).Scan(&m.UpdatedAt)
	return mapErr(err, "UpdatePrivateMessage")
}

func (r queries) MarkPrivateMessagesRead(ctx context.Context, conversationID, readerID uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE private_messages SET is_read = true, read_at = $3, updated_at = now()
		WHERE conversation_id = $1 AND receiver_id = $2 AND NOT is_read
	`, conversationID, readerID, at)
	if err != nil {
		return 0, mapErr(err, "MarkPrivateMessagesRead")
	}
	return tag.RowsAffected(), nil
}

func (r queries) ListPrivateMessages(ctx context.Context, conversationID uuid.UUID, before time.Time, limit int) ([]*store.PrivateMessage, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+privateColumns+` FROM private_messages
		WHERE conversation_id = $1 AND created_at < COALESCE($2, now() + interval '1 microsecond')
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, conversationID, orNow(before), store.ClampLimit(limit))
	if err != nil {
		return nil, mapErr(err, "ListPrivateMessages")
	}
	defer rows.Close()
	var out []*store.PrivateMessage
	for rows.Next() {
		m, err := scanPrivate(rows)
		if err != nil {
			return nil, mapErr(err, "ListPrivateMessages")
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err(), "ListPrivateMessages")
}
