package admin_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/omochice/json-socket-chat/internal/admin"
	"github.com/omochice/json-socket-chat/internal/logging"
	"github.com/omochice/json-socket-chat/internal/metrics"
)

type fakeSessions []string

func (f fakeSessions) Usernames() []string { return f }

func TestRouter(t *testing.T) {
	var healthErr error
	health := func(context.Context) error { return healthErr }
	r := admin.Router(fakeSessions{"alice", "bob"}, health, metrics.New().Handler(), logging.Discard())

	tests := []struct {
		name       string
		method     string
		path       string
		setup      func()
		wantStatus int
	}{
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK},
		{name: "healthy", method: http.MethodGet, path: "/healthz", wantStatus: http.StatusOK},
		{
			name:       "unhealthy",
			method:     http.MethodGet,
			path:       "/healthz",
			setup:      func() { healthErr = errors.New("db down") },
			wantStatus: http.StatusServiceUnavailable,
		},
		{name: "sessions", method: http.MethodGet, path: "/sessions", wantStatus: http.StatusOK},
		{name: "wrong method", method: http.MethodPost, path: "/sessions", wantStatus: http.StatusMethodNotAllowed},
		{name: "unknown route", method: http.MethodGet, path: "/nope", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			healthErr = nil
			if tt.setup != nil {
				tt.setup()
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestSessionsBody(t *testing.T) {
	r := admin.Router(fakeSessions{"alice"}, nil, metrics.New().Handler(), logging.Discard())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	var body struct {
		Count int      `json:"count"`
		Users []string `json:"users"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Users) != 1 || body.Users[0] != "alice" {
		t.Errorf("body = %+v", body)
	}
}
