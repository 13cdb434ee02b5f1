package chat_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/json-socket-chat/internal/auth"
	"github.com/omochice/json-socket-chat/internal/chat"
	"github.com/omochice/json-socket-chat/internal/conversation"
	"github.com/omochice/json-socket-chat/internal/logging"
	"github.com/omochice/json-socket-chat/internal/media"
	"github.com/omochice/json-socket-chat/internal/metrics"
	"github.com/omochice/json-socket-chat/internal/store"
	"github.com/omochice/json-socket-chat/internal/store/memory"
	"github.com/omochice/json-socket-chat/pkg/protocol"
)

const password = "secret1"

type harness struct {
	svc   *chat.Service
	store *memory.Store
	auth  *auth.Service
	media string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	nconn  int
}

func newHarness(t *testing.T, configure ...func(*chat.Config)) *harness {
	t.Helper()
	logger := logging.Discard()
	s := memory.New()
	m := metrics.New()

	cfg := chat.Config{
		MaxFrameBytes: 1 << 20,
		SendBuffer:    64,
		WriteTimeout:  time.Second,
		RateLimit:     1000,
		RateBurst:     1000,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	h := &harness{store: s, media: t.TempDir()}
	h.auth = auth.New(s, auth.Config{BcryptCost: bcrypt.MinCost, MinPasswordLength: 6}, logger)
	h.svc = chat.NewService(cfg, chat.Deps{
		Hub:     chat.NewHub(s, logger, chat.WithObserver(m.SetOnline)),
		Engine:  conversation.New(s, logger),
		Auth:    h.auth,
		Media:   media.New(s, media.Options{Dir: h.media, BaseURL: "/files/", MaxBytes: 1 << 20}, logger),
		Users:   s,
		Metrics: m,
		Logger:  logger,
	})

	h.ctx, h.cancel = context.WithCancel(context.Background())
	t.Cleanup(func() {
		h.cancel()
		h.wg.Wait()
	})
	return h
}

func (h *harness) account(t *testing.T, name string) {
	t.Helper()
	_, err := h.auth.CreateAccount(context.Background(), auth.Account{Username: name, Password: password})
	require.NoError(t, err)
}

func (h *harness) connect(t *testing.T) *mockConn {
	t.Helper()
	h.nconn++
	conn := newMockConn(fmt.Sprintf("127.0.0.1:%d", 40000+h.nconn))
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.svc.ServeConn(h.ctx, conn, "tcp")
	}()
	return conn
}

// login connects name and drains the messages that follow a successful
// login.
func (h *harness) login(t *testing.T, name string) *mockConn {
	t.Helper()
	conn := h.connect(t)
	send(conn, `{"type":"login","username":"%s","password":"%s"}`, name, password)
	expect(t, conn, protocol.TypeLoginSuccess)
	expect(t, conn, protocol.TypeUserList)
	return conn
}

func send(conn *mockConn, format string, args ...any) {
	sendRaw(conn, fmt.Sprintf(format, args...))
}

// sendRaw delivers doc to the server unchanged.
func sendRaw(conn *mockConn, doc string) {
	conn.readCh <- []byte(doc)
}

func next(t *testing.T, conn *mockConn) protocol.ServerMessage {
	t.Helper()
	select {
	case data := <-conn.writes:
		msg, err := protocol.DecodeServerMessage(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return protocol.ServerMessage{}
	}
}

// expect skips messages until one of type mt arrives.
func expect(t *testing.T, conn *mockConn, mt protocol.MessageType) protocol.ServerMessage {
	t.Helper()
	for {
		msg := next(t, conn)
		if msg.Type == mt {
			return msg
		}
	}
}

func waitClosed(t *testing.T, conn *mockConn) {
	t.Helper()
	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestService_LoginSuccess(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	conn := h.connect(t)

	send(conn, `{"type":"login","username":"alice","password":"secret1"}`)

	resp := next(t, conn)
	assert.Equal(t, protocol.TypeLoginSuccess, resp.Type)
	assert.True(t, resp.Success)
	assert.Equal(t, "alice", resp.Username)

	sys := next(t, conn)
	assert.Equal(t, protocol.TypeSystem, sys.Type)
	assert.Equal(t, "alice joined the chat", sys.Message)

	list := next(t, conn)
	assert.Equal(t, protocol.TypeUserList, list.Type)
	assert.Equal(t, []string{"alice"}, list.Users)

	assert.True(t, h.svc.Hub().IsOnline("alice"))
	u, err := h.store.UserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, u.Status)
}

func TestService_LoginFailures(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "wrong password", doc: `{"type":"login","username":"alice","password":"nope123"}`, want: "invalid username or password"},
		{name: "unknown user", doc: `{"type":"login","username":"mallory","password":"secret1"}`, want: "invalid username or password"},
		{name: "missing password", doc: `{"type":"login","username":"alice"}`, want: "username and password are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := h.connect(t)
			sendRaw(conn, tt.doc)
			resp := next(t, conn)
			assert.Equal(t, protocol.TypeLoginFailed, resp.Type)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.want, resp.Message)
		})
	}
	assert.False(t, h.svc.Hub().IsOnline("alice"))
}

func TestService_DuplicateLogin(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	first := h.login(t, "alice")

	second := h.connect(t)
	send(second, `{"type":"login","username":"alice","password":"secret1"}`)
	resp := next(t, second)
	assert.Equal(t, protocol.TypeLoginFailed, resp.Type)
	assert.Equal(t, "user already online", resp.Message)

	// The first session still works.
	send(first, `{"type":"refresh_users"}`)
	list := expect(t, first, protocol.TypeUserList)
	assert.Equal(t, []string{"alice"}, list.Users)
	assert.False(t, second.isClosed())
}

func TestService_ConcurrentDuplicateLogin(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")

	const n = 10
	conns := make([]*mockConn, n)
	for i := range conns {
		conns[i] = h.connect(t)
	}
	for _, c := range conns {
		send(c, `{"type":"login","username":"alice","password":"secret1"}`)
	}

	wins := 0
	for _, c := range conns {
		resp := next(t, c)
		switch resp.Type {
		case protocol.TypeLoginSuccess:
			wins++
		case protocol.TypeLoginFailed:
			assert.Equal(t, "user already online", resp.Message)
		default:
			t.Fatalf("unexpected first message %q", resp.Type)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, h.svc.Hub().SessionCount())
}

func TestService_GlobalText(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")

	send(alice, `{"type":"text","username":"alice","content":"hello","timestamp":1712345678.5}`)

	ack := expect(t, alice, protocol.TypeMessageSent)
	assert.True(t, ack.Success)
	assert.Equal(t, "message sent", ack.Message)

	for _, conn := range []*mockConn{alice, bob} {
		got := expect(t, conn, protocol.TypeText)
		assert.Equal(t, "alice", got.Username)
		assert.Equal(t, "hello", got.Content)
		assert.Equal(t, protocol.FormatTimestamp(time.Unix(1712345678, 5e8)), got.Timestamp)
		assert.NotEmpty(t, got.MessageID)
	}

	send(bob, `{"type":"get_history","limit":10}`)
	hist := expect(t, bob, protocol.TypeHistory)
	var found bool
	for _, m := range hist.Messages {
		if m.ContentType == "text" {
			found = true
			assert.Equal(t, "hello", m.Content)
			assert.Equal(t, "alice", m.Username)
		}
	}
	assert.True(t, found, "history must contain the text message")
}

func TestService_SenderComesFromSession(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")

	send(alice, `{"type":"text","username":"bob","content":"not really bob"}`)
	got := expect(t, bob, protocol.TypeText)
	assert.Equal(t, "alice", got.Username)
}

func TestService_Attachment(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	alice := h.login(t, "alice")

	data := base64.StdEncoding.EncodeToString([]byte("hello world"))
	send(alice, `{"type":"file","content":"","filename":"notes.txt","data":"%s","size":"999"}`, data)

	expect(t, alice, protocol.TypeMessageSent)
	got := expect(t, alice, protocol.TypeFile)
	assert.Equal(t, "notes.txt", got.Filename)
	assert.EqualValues(t, 11, got.Size)
	assert.True(t, strings.HasPrefix(got.FileURL, "/files/"))
	assert.Equal(t, data, got.Data)
}

func TestService_AttachmentToUnknownUserLeavesNoFile(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	alice := h.login(t, "alice")

	send(alice, `{"type":"file","receiver":"ghost","filename":"a.txt","data":"aGk="}`)
	got := expect(t, alice, protocol.TypeError)
	assert.Equal(t, "user not found", got.Message)

	send(alice, `{"type":"image","receiver":"alice","filename":"a.png","data":"aGk="}`)
	expect(t, alice, protocol.TypeError)

	var files []string
	require.NoError(t, filepath.WalkDir(h.media, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, path)
		}
		return err
	}))
	assert.Empty(t, files)
}

func TestService_MalformedInputKeepsConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	send(conn, `{not json}`)
	resp := next(t, conn)
	assert.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, "invalid message format", resp.Message)

	send(conn, `{"type":"dance"}`)
	resp = next(t, conn)
	assert.Equal(t, "unknown message type", resp.Message)

	send(conn, `{"type":"refresh_users"}`)
	assert.Equal(t, protocol.TypeUserList, next(t, conn).Type)
	assert.Equal(t, protocol.TypeUserListRefreshed, next(t, conn).Type)
	assert.False(t, conn.isClosed())
}

func TestService_RequestsBeforeLogin(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	for _, doc := range []string{
		`{"type":"text","username":"alice","content":"hi"}`,
		`{"type":"get_history"}`,
		`{"type":"list_conversations"}`,
		`{"type":"logout","username":"alice"}`,
	} {
		sendRaw(conn, doc)
		resp := next(t, conn)
		assert.Equal(t, protocol.TypeError, resp.Type)
		assert.Equal(t, "not logged in", resp.Message)
	}

	// The connection is still served after a rejected logout.
	sendRaw(conn, `{"type":"refresh_users"}`)
	assert.Equal(t, protocol.TypeUserList, next(t, conn).Type)
	assert.False(t, conn.isClosed())
}

func TestService_FragmentedAndBatchedDocuments(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	conn := h.connect(t)

	send(conn, `{"type":"login","user`)
	send(conn, `name":"alice","password":"secret1"}{"type":"refresh_users"}`)

	assert.Equal(t, protocol.TypeLoginSuccess, next(t, conn).Type)
	assert.Equal(t, protocol.TypeSystem, next(t, conn).Type)
	assert.Equal(t, protocol.TypeUserList, next(t, conn).Type)
	assert.Equal(t, protocol.TypeUserList, next(t, conn).Type)
	assert.Equal(t, protocol.TypeUserListRefreshed, next(t, conn).Type)
}

func TestService_OversizeFrameClosesConnection(t *testing.T) {
	h := newHarness(t, func(c *chat.Config) { c.MaxFrameBytes = 32 })
	conn := h.connect(t)

	send(conn, `{"content":"%s`, strings.Repeat("x", 64))
	waitClosed(t, conn)
}

func TestService_RateLimit(t *testing.T) {
	h := newHarness(t, func(c *chat.Config) {
		c.RateLimit = 0.001
		c.RateBurst = 2
	})
	conn := h.connect(t)

	send(conn, `{"type":"refresh_users"}{"type":"refresh_users"}{"type":"refresh_users"}`)
	expect(t, conn, protocol.TypeUserListRefreshed)
	expect(t, conn, protocol.TypeUserListRefreshed)
	resp := next(t, conn)
	assert.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, "rate limit exceeded", resp.Message)
}

func TestService_Logout(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")

	send(alice, `{"type":"logout","username":"alice"}`)
	assert.Equal(t, protocol.TypeLogoutSuccess, expect(t, alice, protocol.TypeLogoutSuccess).Type)
	waitClosed(t, alice)

	sys := expect(t, bob, protocol.TypeSystem)
	assert.Equal(t, "alice left the chat", sys.Message)
	assert.Equal(t, []string{"bob"}, expect(t, bob, protocol.TypeUserList).Users)
}

func TestService_DisconnectUnregisters(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")

	alice.Close()

	sys := expect(t, bob, protocol.TypeSystem)
	assert.Equal(t, "alice left the chat", sys.Message)
	assert.Equal(t, []string{"bob"}, expect(t, bob, protocol.TypeUserList).Users)
	assert.False(t, h.svc.Hub().IsOnline("alice"))

	u, err := h.store.UserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOffline, u.Status)

	// The name is free again.
	h.login(t, "alice")
}

func TestService_PrivateMessages(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	h.account(t, "carol")
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")

	send(alice, `{"type":"text","content":"psst","receiver":"bob"}`)
	ack := expect(t, alice, protocol.TypeMessageSent)
	assert.Equal(t, "message delivered", ack.Message)

	got := expect(t, bob, protocol.TypeText)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "bob", got.Receiver)
	assert.NotEmpty(t, got.ConversationID)

	send(bob, `{"type":"list_conversations"}`)
	convs := expect(t, bob, protocol.TypeConversations)
	require.Len(t, convs.Conversations, 1)
	assert.Equal(t, "alice", convs.Conversations[0].With)
	assert.Equal(t, 1, convs.Conversations[0].Unread)
	assert.Equal(t, got.MessageID, convs.Conversations[0].LastMessageID)

	send(bob, `{"type":"mark_read","with":"alice"}`)
	read := expect(t, bob, protocol.TypeMarkReadSuccess)
	assert.EqualValues(t, 1, read.Updated)
	assert.Equal(t, got.ConversationID, read.ConversationID)

	send(bob, `{"type":"mark_read","with":"alice"}`)
	assert.EqualValues(t, 0, expect(t, bob, protocol.TypeMarkReadSuccess).Updated)

	send(alice, `{"type":"get_private_history","with":"bob"}`)
	hist := expect(t, alice, protocol.TypePrivateHistory)
	require.Len(t, hist.Messages, 1)
	require.NotNil(t, hist.Messages[0].IsRead)
	assert.True(t, *hist.Messages[0].IsRead)

	send(alice, `{"type":"text","content":"later","receiver":"carol"}`)
	assert.Equal(t, "message saved; recipient is offline", expect(t, alice, protocol.TypeMessageSent).Message)

	send(alice, `{"type":"text","content":"me","receiver":"alice"}`)
	assert.Equal(t, "cannot send a private message to yourself", expect(t, alice, protocol.TypeError).Message)

	send(alice, `{"type":"text","content":"?","receiver":"nobody"}`)
	assert.Equal(t, "user not found", expect(t, alice, protocol.TypeError).Message)

	send(bob, `{"type":"get_private_history","with":"carol"}`)
	empty := expect(t, bob, protocol.TypePrivateHistory)
	assert.True(t, empty.Success)
	assert.Empty(t, empty.Messages)

	send(bob, `{"type":"get_private_history","with":"nobody"}`)
	assert.Equal(t, "user not found", expect(t, bob, protocol.TypeError).Message)
}

func TestService_EditAndDelete(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")

	send(alice, `{"type":"text","content":"tpyo"}`)
	id := expect(t, bob, protocol.TypeText).MessageID

	send(bob, `{"type":"edit_message","message_id":"%s","content":"hijack"}`, id)
	assert.Equal(t, "only the author can change this message", expect(t, bob, protocol.TypeError).Message)

	send(alice, `{"type":"edit_message","message_id":"%s","scope":"global","content":"typo"}`, id)
	edited := expect(t, bob, protocol.TypeMessageEdited)
	assert.Equal(t, id, edited.MessageID)
	assert.Equal(t, "typo", edited.Content)

	send(alice, `{"type":"delete_message","message_id":"%s"}`, id)
	assert.Equal(t, id, expect(t, bob, protocol.TypeMessageDeleted).MessageID)

	send(bob, `{"type":"get_history"}`)
	hist := expect(t, bob, protocol.TypeHistory)
	var found bool
	for _, m := range hist.Messages {
		if m.MessageID == id {
			found = true
			assert.True(t, m.IsDeleted)
			assert.True(t, m.IsEdited)
			assert.Empty(t, m.Content)
		}
	}
	assert.True(t, found, "deleted message must stay in the log")

	send(alice, `{"type":"edit_message","message_id":"not-a-uuid","content":"x"}`)
	assert.Equal(t, "invalid message id", expect(t, alice, protocol.TypeError).Message)
}

func TestService_MuteConversation(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	alice := h.login(t, "alice")

	send(alice, `{"type":"mute_conversation","with":"bob","muted":true}`)
	assert.Equal(t, "conversation not found", expect(t, alice, protocol.TypeError).Message)

	send(alice, `{"type":"text","content":"hey","receiver":"bob"}`)
	expect(t, alice, protocol.TypeMessageSent)

	send(alice, `{"type":"mute_conversation","with":"bob","muted":true}`)
	resp := expect(t, alice, protocol.TypeConversationMuted)
	assert.Equal(t, "conversation muted", resp.Message)

	send(alice, `{"type":"list_conversations"}`)
	convs := expect(t, alice, protocol.TypeConversations)
	require.Len(t, convs.Conversations, 1)
	assert.True(t, convs.Conversations[0].Muted)
}

func TestService_Register(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	send(conn, `{"type":"register","username":"dave","password":"secret1","email":"dave@example.com"}`)
	resp := next(t, conn)
	assert.Equal(t, protocol.TypeRegisterSuccess, resp.Type)
	assert.Equal(t, "dave", resp.Username)

	send(conn, `{"type":"register","username":"dave","password":"secret1"}`)
	resp = next(t, conn)
	assert.Equal(t, protocol.TypeRegisterFailed, resp.Type)
	assert.Equal(t, "username already exists", resp.Message)

	send(conn, `{"type":"login","username":"dave","password":"secret1"}`)
	assert.Equal(t, protocol.TypeLoginSuccess, next(t, conn).Type)
}
