// Package admin serves the operational HTTP endpoints: Prometheus metrics,
// a health check and the list of online sessions.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Sessions reports who is online.
type Sessions interface {
	Usernames() []string
}

// HealthFunc reports whether a dependency is usable.
type HealthFunc func(ctx context.Context) error

// Router builds the admin routes. health may be nil.
func Router(sessions Sessions, health HealthFunc, metrics http.Handler, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthz(health, logger)).Methods(http.MethodGet)
	r.HandleFunc("/sessions", listSessions(sessions)).Methods(http.MethodGet)
	return r
}

// NewServer wraps the router in an http.Server with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthz(health HealthFunc, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				logger.WarnContext(ctx, "health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func listSessions(sessions Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users := sessions.Usernames()
		if users == nil {
			users = []string{}
		}
		writeJSON(w, http.StatusOK, struct {
			Count int      `json:"count"`
			Users []string `json:"users"`
		}{len(users), users})
	}
}
