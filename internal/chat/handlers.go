package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/json-socket-chat/internal/auth"
	"github.com/omochice/json-socket-chat/internal/chaterr"
	"github.com/omochice/json-socket-chat/internal/conversation"
	"github.com/omochice/json-socket-chat/internal/media"
	"github.com/omochice/json-socket-chat/internal/store"
	"github.com/omochice/json-socket-chat/pkg/protocol"
)

func (s *Service) routes() {
	d := s.dispatcher
	d.Handle(s.handleLogin, protocol.TypeLogin)
	d.Handle(s.handleRegister, protocol.TypeRegister)
	d.Handle(s.requireLogin(s.handleLogout), protocol.TypeLogout)
	d.Handle(s.handleRefreshUsers, protocol.TypeRefreshUsers)
	d.Handle(s.requireLogin(s.handleContent),
		protocol.TypeText, protocol.TypeImage, protocol.TypeVideo, protocol.TypeAudio, protocol.TypeFile)
	d.Handle(s.requireLogin(s.handleGetHistory), protocol.TypeGetHistory)
	d.Handle(s.requireLogin(s.handleGetPrivateHistory), protocol.TypeGetPrivateHistory)
	d.Handle(s.requireLogin(s.handleMarkRead), protocol.TypeMarkRead)
	d.Handle(s.requireLogin(s.handleEdit), protocol.TypeEditMessage)
	d.Handle(s.requireLogin(s.handleDelete), protocol.TypeDeleteMessage)
	d.Handle(s.requireLogin(s.handleListConversations), protocol.TypeListConversations)
	d.Handle(s.requireLogin(s.handleMute), protocol.TypeMuteConversation)
}

// requireLogin rejects requests from connections that have not logged in.
// The sender is always the session's user, never a name in the request.
func (s *Service) requireLogin(h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, sess *Session, req protocol.Request) Outcome {
		if !sess.LoggedIn() {
			return fail(protocol.TypeError, chaterr.ErrNotLoggedIn)
		}
		return h(ctx, sess, req)
	}
}

func (s *Service) handleLogin(ctx context.Context, sess *Session, req protocol.Request) Outcome {
	r := req.(protocol.LoginRequest)
	if sess.LoggedIn() {
		return fail(protocol.TypeLoginFailed, chaterr.ErrAlreadyLoggedIn)
	}

	user, err := s.auth.VerifyCredentials(ctx, r.Username, r.Password)
	if err != nil {
		return fail(protocol.TypeLoginFailed, err)
	}
	if err := s.hub.Register(ctx, user.Username, sess.Client); err != nil {
		return fail(protocol.TypeLoginFailed, err)
	}
	sess.User = user
	sess.Logger = sess.Logger.With("user", user.Username)
	sess.Logger.InfoContext(ctx, "user logged in")

	out := Outcome{Reply: []protocol.Outbound{protocol.Response{
		Type:     protocol.TypeLoginSuccess,
		Success:  true,
		Message:  "login successful",
		Username: user.Username,
	}}}
	out.Broadcast = s.presenceNotice(ctx, user.Username+" joined the chat")
	return out
}

func (s *Service) handleRegister(ctx context.Context, sess *Session, req protocol.Request) Outcome {
	r := req.(protocol.RegisterRequest)
	user, err := s.auth.CreateAccount(ctx, auth.Account{
		Username:    r.Username,
		Password:    r.Password,
		Email:       r.Email,
		Phone:       r.Phone,
		DisplayName: r.DisplayName,
	})
	if err != nil {
		return fail(protocol.TypeRegisterFailed, err)
	}
	return reply(protocol.Response{
		Type:     protocol.TypeRegisterSuccess,
		Success:  true,
		Message:  "registration successful",
		Username: user.Username,
	})
}

// handleLogout ends the session and closes the connection after the reply.
func (s *Service) handleLogout(ctx context.Context, sess *Session, _ protocol.Request) Outcome {
	out := Outcome{Close: true}
	out.Reply = []protocol.Outbound{protocol.Ack(protocol.TypeLogoutSuccess, "logout successful")}
	out.Broadcast = s.unbind(ctx, sess)
	return out
}

// leave runs when a connection ends without logging out.
func (s *Service) leave(ctx context.Context, sess *Session) {
	if !sess.LoggedIn() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.deliver(sess.Client, Outcome{Broadcast: s.unbind(ctx, sess)})
}

// unbind removes the session's registry entry and returns the leave
// notices, or nothing if the connection was not logged in.
func (s *Service) unbind(ctx context.Context, sess *Session) []protocol.Outbound {
	if !sess.LoggedIn() {
		return nil
	}
	name := sess.User.Username
	sess.User = nil
	if !s.hub.Unregister(ctx, name, sess.Client) {
		return nil
	}
	sess.Logger.InfoContext(ctx, "user left")
	return s.presenceNotice(ctx, name+" left the chat")
}

// presenceNotice records a join or leave in the room log and returns the
// system notice followed by the fresh user list. A failed write is logged;
// the live notice still goes out.
func (s *Service) presenceNotice(ctx context.Context, text string) []protocol.Outbound {
	at := s.now()
	if m, err := s.engine.PostSystem(ctx, text); err != nil {
		s.logger.WarnContext(ctx, "failed to record system message", "error", err)
	} else {
		at = m.CreatedAt
	}
	return []protocol.Outbound{
		protocol.SystemMessage{Message: text, Timestamp: protocol.FormatTimestamp(at)},
		protocol.UserList{Users: s.hub.Usernames()},
	}
}

func (s *Service) handleRefreshUsers(context.Context, *Session, protocol.Request) Outcome {
	return reply(
		protocol.UserList{Users: s.hub.Usernames()},
		protocol.Ack(protocol.TypeUserListRefreshed, "user list refreshed"),
	)
}

func (s *Service) handleContent(ctx context.Context, sess *Session, req protocol.Request) Outcome {
	r := req.(protocol.ContentRequest)
	kind := store.ContentType(r.Type)

	if kind == store.ContentText && strings.TrimSpace(r.Content) == "" {
		return fail(protocol.TypeError, chaterr.InvalidArg("message content is empty"))
	}

	// The receiver is resolved before anything is written.
	var receiver *store.User
	if r.Receiver != "" {
		if r.Receiver == sess.User.Username {
			return fail(protocol.TypeError, chaterr.ErrSelfConversation)
		}
		var err error
		if receiver, err = s.lookupUser(ctx, r.Receiver); err != nil {
			return fail(protocol.TypeError, err)
		}
	}

	content := conversation.Content{Type: kind, Text: r.Content}
	if kind != store.ContentText {
		f, err := s.media.Save(ctx, media.Upload{
			Owner:    sess.User.ID,
			Kind:     kind,
			Filename: r.Filename,
			Data:     r.Data,
		})
		if err != nil {
			return fail(protocol.TypeError, err)
		}
		content.File = f
		content.Metadata = map[string]any{"mime_type": f.MimeType}
	}

	msg := protocol.ContentBroadcast{
		Type:      r.Type,
		Username:  sess.User.Username,
		Content:   r.Content,
		Filename:  r.Filename,
		Data:      r.Data,
		Timestamp: protocol.FormatTimestamp(r.SentAt(s.now())),
	}
	if content.File != nil {
		msg.Filename = content.File.FileName
		msg.Size = content.File.FileSize
		msg.FileURL = content.File.FileURL
	}

	if receiver == nil {
		m, err := s.engine.PostGlobal(ctx, sess.User.ID, content)
		if err != nil {
			s.discard(ctx, content)
			return fail(protocol.TypeError, err)
		}
		msg.MessageID = m.ID.String()
		return Outcome{
			Reply:     []protocol.Outbound{protocol.Ack(protocol.TypeMessageSent, "message sent")},
			Broadcast: []protocol.Outbound{msg},
		}
	}

	sent, err := s.engine.SendPrivate(ctx, sess.User.ID, receiver.ID, content)
	if err != nil {
		s.discard(ctx, content)
		return fail(protocol.TypeError, err)
	}
	msg.MessageID = sent.Message.ID.String()
	msg.Receiver = receiver.Username
	msg.ConversationID = sent.Conversation.ID.String()

	status := "message delivered"
	if !s.hub.IsOnline(receiver.Username) {
		status = "message saved; recipient is offline"
	}
	return Outcome{
		Reply:  []protocol.Outbound{protocol.Ack(protocol.TypeMessageSent, status)},
		Direct: []Direct{{To: receiver.Username, Msg: msg}},
	}
}

// discard drops the attachment of a message that was not posted.
func (s *Service) discard(ctx context.Context, c conversation.Content) {
	if c.File != nil {
		s.media.Discard(ctx, c.File)
	}
}

func (s *Service) lookupUser(ctx context.Context, username string) (*store.User, error) {
	u, err := s.users.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chaterr.ErrUserNotFound
	}
	if err != nil {
		return nil, chaterr.Persistence("failed to load user", err)
	}
	return u, nil
}

func parseBefore(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, chaterr.InvalidArg("before must be an RFC 3339 timestamp")
	}
	return t, nil
}

func historyTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Service) handleGetHistory(ctx context.Context, _ *Session, req protocol.Request) Outcome {
	r := req.(protocol.GetHistoryRequest)
	before, err := parseBefore(r.Before)
	if err != nil {
		return fail(protocol.TypeError, err)
	}
	msgs, err := s.engine.GlobalHistory(ctx, before, r.Limit)
	if err != nil {
		return fail(protocol.TypeError, err)
	}

	ids := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		if m.UserID != nil {
			ids = append(ids, *m.UserID)
		}
	}
	names, err := s.engine.Usernames(ctx, ids)
	if err != nil {
		return fail(protocol.TypeError, err)
	}

	entries := make([]protocol.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		e := protocol.HistoryEntry{
			MessageID:   m.ID.String(),
			ContentType: string(m.ContentType),
			Content:     m.Content,
			Filename:    m.FileName,
			FileURL:     m.FileURL,
			Size:        m.FileSize,
			IsEdited:    m.IsEdited,
			IsDeleted:   m.IsDeleted,
			CreatedAt:   historyTime(m.CreatedAt),
		}
		if m.UserID != nil {
			e.Username = names[*m.UserID]
		}
		if m.IsDeleted {
			e.Content, e.Filename, e.FileURL, e.Size = "", "", "", 0
		}
		entries = append(entries, e)
	}
	return reply(protocol.History{Type: protocol.TypeHistory, Success: true, Messages: entries})
}

// conversationWith resolves the sender's conversation with another user.
func (s *Service) conversationWith(ctx context.Context, sess *Session, with string) (*store.PrivateConversation, *store.User, error) {
	if with == "" {
		return nil, nil, chaterr.InvalidArg("with is required")
	}
	other, err := s.lookupUser(ctx, with)
	if err != nil {
		return nil, nil, err
	}
	conv, err := s.engine.ConversationBetween(ctx, sess.User.ID, other.ID)
	if err != nil {
		return nil, other, err
	}
	return conv, other, nil
}

func (s *Service) handleGetPrivateHistory(ctx context.Context, sess *Session, req protocol.Request) Outcome {
	r := req.(protocol.GetPrivateHistoryRequest)
	before, err := parseBefore(r.Before)
	if err != nil {
		return fail(protocol.TypeError, err)
	}
	conv, other, err := s.conversationWith(ctx, sess, r.With)
	// other is set only when the user exists and the conversation does not.
	if other != nil && errors.Is(err, chaterr.NotFound("conversation not found")) {
		return reply(protocol.History{Type: protocol.TypePrivateHistory, Success: true})
	}
	if err != nil {
		return fail(protocol.TypeError, err)
	}
	msgs, err := s.engine.PrivateHistory(ctx, conv.ID, sess.User.ID, before, r.Limit)
	if err != nil {
		return fail(protocol.TypeError, err)
	}

	names := map[uuid.UUID]string{sess.User.ID: sess.User.Username, other.ID: other.Username}
	entries := make([]protocol.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		read := m.IsRead
		e := protocol.HistoryEntry{
			MessageID:   m.ID.String(),
			Username:    names[m.SenderID],
			Receiver:    names[m.ReceiverID],
			ContentType: string(m.ContentType),
			Content:     m.Content,
			Filename:    m.FileName,
			FileURL:     m.FileURL,
			Size:        m.FileSize,
			IsEdited:    m.IsEdited,
			IsDeleted:   m.IsDeleted,
			IsRead:      &read,
			CreatedAt:   historyTime(m.CreatedAt),
		}
		if m.IsDeleted {
			e.Content, e.Filename, e.FileURL, e.Size = "", "", "", 0
		}
		entries = append(entries, e)
	}
	return reply(protocol.History{
		Type:           protocol.TypePrivateHistory,
		Success:        true,
		ConversationID: conv.ID.String(),
		Messages:       entries,
	})
}

func (s *Service) handleMarkRead(ctx context.Context, sess *Session, req protocol.Request) Outcome {
	r := req.(protocol.MarkReadRequest)
	conv, _, err := s.conversationWith(ctx, sess, r.With)
	if err != nil {
		return fail(protocol.TypeError, err)
	}
	n, err := s.engine.MarkRead(ctx, conv.ID, sess.User.ID)
	if err != nil {
		return fail(protocol.TypeError, err)
	}
	return reply(protocol.MarkReadResult{Success: true, ConversationID: conv.ID.String(), Updated: n})
}

func parseMessageID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, chaterr.InvalidArg("invalid message id")
	}
	return id, nil
}

func (s *Service) handleEdit(ctx context.Context, sess *Session, req protocol.Request) Outcome {
	r := req.(protocol.EditMessageRequest)
	id, err := parseMessageID(r.MessageID)
	if err != nil {
		return fail(protocol.TypeError, err)
	}

	notice := protocol.MessageNotice{
		Type:      protocol.TypeMessageEdited,
		Success:   true,
		MessageID: id.String(),
		Username:  sess.User.Username,
		Content:   r.Content,
		Timestamp: protocol.FormatTimestamp(s.now()),
	}

	switch r.Scope {
	case "", protocol.ScopeGlobal:
		if _, err := s.engine.EditGlobal(ctx, sess.User.ID, id, r.Content); err != nil {
			return fail(protocol.TypeError, err)
		}
		notice.Scope = protocol.ScopeGlobal
		return Outcome{Broadcast: []protocol.Outbound{notice}}
	case protocol.ScopePrivate:
		m, err := s.engine.EditPrivate(ctx, sess.User.ID, id, r.Content)
		if err != nil {
			return fail(protocol.TypeError, err)
		}
		notice.Scope = protocol.ScopePrivate
		return s.privateNotice(ctx, notice, m.ReceiverID)
	default:
		return fail(protocol.TypeError, invalidScope(r.Scope))
	}
}

func (s *Service) handleDelete(ctx context.Context, sess *Session, req protocol.Request) Outcome {
	r := req.(protocol.DeleteMessageRequest)
	id, err := parseMessageID(r.MessageID)
	if err != nil {
		return fail(protocol.TypeError, err)
	}

	notice := protocol.MessageNotice{
		Type:      protocol.TypeMessageDeleted,
		Success:   true,
		MessageID: id.String(),
		Username:  sess.User.Username,
		Timestamp: protocol.FormatTimestamp(s.now()),
	}

	switch r.Scope {
	case "", protocol.ScopeGlobal:
		if _, err := s.engine.DeleteGlobal(ctx, sess.User.ID, id); err != nil {
			return fail(protocol.TypeError, err)
		}
		notice.Scope = protocol.ScopeGlobal
		return Outcome{Broadcast: []protocol.Outbound{notice}}
	case protocol.ScopePrivate:
		m, err := s.engine.DeletePrivate(ctx, sess.User.ID, id)
		if err != nil {
			return fail(protocol.TypeError, err)
		}
		notice.Scope = protocol.ScopePrivate
		return s.privateNotice(ctx, notice, m.ReceiverID)
	default:
		return fail(protocol.TypeError, invalidScope(r.Scope))
	}
}

func invalidScope(scope string) error {
	return chaterr.InvalidArg(fmt.Sprintf("unknown scope %q", scope))
}

// privateNotice echoes notice to the author and forwards it to the other
// participant.
func (s *Service) privateNotice(ctx context.Context, notice protocol.MessageNotice, otherID uuid.UUID) Outcome {
	out := Outcome{Reply: []protocol.Outbound{notice}}
	names, err := s.engine.Usernames(ctx, []uuid.UUID{otherID})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to resolve notice recipient", "error", err)
		return out
	}
	if name, ok := names[otherID]; ok {
		out.Direct = []Direct{{To: name, Msg: notice}}
	}
	return out
}

func (s *Service) handleListConversations(ctx context.Context, sess *Session, _ protocol.Request) Outcome {
	convs, err := s.engine.Conversations(ctx, sess.User.ID)
	if err != nil {
		return fail(protocol.TypeError, err)
	}

	ids := make([]uuid.UUID, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.Other(sess.User.ID))
	}
	names, err := s.engine.Usernames(ctx, ids)
	if err != nil {
		return fail(protocol.TypeError, err)
	}

	summaries := make([]protocol.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		sum := protocol.ConversationSummary{
			ConversationID: c.ID.String(),
			With:           names[c.Other(sess.User.ID)],
			Unread:         c.Unread(sess.User.ID),
			Muted:          c.Muted(sess.User.ID),
		}
		if c.LastMessageID != nil {
			sum.LastMessageID = c.LastMessageID.String()
		}
		if c.LastMessageAt != nil {
			sum.LastMessageAt = historyTime(*c.LastMessageAt)
		}
		summaries = append(summaries, sum)
	}
	return reply(protocol.Conversations{Success: true, Conversations: summaries})
}

func (s *Service) handleMute(ctx context.Context, sess *Session, req protocol.Request) Outcome {
	r := req.(protocol.MuteConversationRequest)
	conv, _, err := s.conversationWith(ctx, sess, r.With)
	if err != nil {
		return fail(protocol.TypeError, err)
	}
	if _, err := s.engine.SetMuted(ctx, conv.ID, sess.User.ID, r.Muted); err != nil {
		return fail(protocol.TypeError, err)
	}
	msg := "conversation unmuted"
	if r.Muted {
		msg = "conversation muted"
	}
	return reply(protocol.Ack(protocol.TypeConversationMuted, msg))
}
