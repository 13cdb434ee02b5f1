package chat

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/omochice/json-socket-chat/internal/chaterr"
	"github.com/omochice/json-socket-chat/internal/store"
)

// Presence persists a user's online status.
type Presence interface {
	SetUserStatus(ctx context.Context, username string, status store.UserStatus, lastSeen time.Time) error
}

type sessionState int

const (
	// statePending entries hold the name while the online status is being
	// written; they are not yet visible as online.
	statePending sessionState = iota
	stateActive
	// stateLeaving entries are invisible but still block a new login until
	// the offline status is written.
	stateLeaving
)

type session struct {
	client *Client
	state  sessionState
}

// Hub is the session registry: which username is bound to which live
// client. Both TCP and WebSocket connections share a single Hub instance.
//
// The mutex guards only the maps. Presence writes happen outside it, with
// the pending and leaving states keeping the registry and the persisted
// status from disagreeing in a visible way.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	clients  map[*Client]struct{}

	presence Presence
	logger   *slog.Logger
	now      func() time.Time
	observe  func(online int)
}

type HubOption func(*Hub)

// WithObserver registers fn to be called with the number of online
// sessions after every change.
func WithObserver(fn func(online int)) HubOption {
	return func(h *Hub) { h.observe = fn }
}

// NewHub creates an empty registry.
func NewHub(presence Presence, logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		sessions: make(map[string]*session),
		clients:  make(map[*Client]struct{}),
		presence: presence,
		logger:   logger,
		now:      time.Now,
		observe:  func(int) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach tracks a connected client that has not logged in yet.
func (h *Hub) Attach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// Detach stops tracking c.
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// ClientCount returns the number of connected clients, logged in or not.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register binds username to c and records the user as online. It fails
// with chaterr.ErrDuplicateSession if the name is already bound; the
// existing session is kept.
func (h *Hub) Register(ctx context.Context, username string, c *Client) error {
	h.mu.Lock()
	if _, taken := h.sessions[username]; taken {
		h.mu.Unlock()
		return chaterr.ErrDuplicateSession
	}
	s := &session{client: c, state: statePending}
	h.sessions[username] = s
	h.mu.Unlock()

	if err := h.presence.SetUserStatus(ctx, username, store.StatusOnline, h.now()); err != nil {
		h.mu.Lock()
		if h.sessions[username] == s {
			delete(h.sessions, username)
		}
		h.mu.Unlock()
		return chaterr.Persistence("failed to record presence", err)
	}

	h.mu.Lock()
	s.state = stateActive
	n := h.onlineLocked()
	h.mu.Unlock()

	h.observe(n)
	return nil
}

// Unregister removes username if it is bound to c and records the user as
// offline. It reports whether a session was removed; calling it again is a
// no-op.
func (h *Hub) Unregister(ctx context.Context, username string, c *Client) bool {
	h.mu.Lock()
	s, ok := h.sessions[username]
	if !ok || s.client != c || s.state == stateLeaving {
		h.mu.Unlock()
		return false
	}
	s.state = stateLeaving
	n := h.onlineLocked()
	h.mu.Unlock()
	h.observe(n)

	if err := h.presence.SetUserStatus(ctx, username, store.StatusOffline, h.now()); err != nil {
		h.logger.ErrorContext(ctx, "failed to record offline status", "user", username, "error", err)
	}

	h.mu.Lock()
	if h.sessions[username] == s {
		delete(h.sessions, username)
	}
	h.mu.Unlock()
	return true
}

func (h *Hub) onlineLocked() int {
	n := 0
	for _, s := range h.sessions {
		if s.state == stateActive {
			n++
		}
	}
	return n
}

// IsOnline reports whether username has an active session.
func (h *Hub) IsOnline(username string) bool {
	_, ok := h.Lookup(username)
	return ok
}

// Lookup returns the client bound to username.
func (h *Hub) Lookup(username string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[username]
	if !ok || s.state != stateActive {
		return nil, false
	}
	return s.client, true
}

// Usernames returns a sorted snapshot of the online usernames.
func (h *Hub) Usernames() []string {
	h.mu.RLock()
	names := make([]string, 0, len(h.sessions))
	for name, s := range h.sessions {
		if s.state == stateActive {
			names = append(names, name)
		}
	}
	h.mu.RUnlock()
	slices.Sort(names)
	return names
}

// SessionCount returns the number of online sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked()
}

// Broadcast queues data for every online session and returns how many
// deliveries were dropped.
func (h *Hub) Broadcast(data []byte) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.state == stateActive {
			targets = append(targets, s.client)
		}
	}
	h.mu.RUnlock()

	dropped := 0
	for _, c := range targets {
		if !c.Send(data) {
			dropped++
		}
	}
	return dropped
}

// SendTo queues data for username's session. It reports false when the
// user is offline or the delivery was dropped.
func (h *Hub) SendTo(username string, data []byte) bool {
	c, ok := h.Lookup(username)
	if !ok {
		return false
	}
	return c.Send(data)
}
