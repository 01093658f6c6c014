package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/toolbridge/internal/server/middleware"
	"github.com/pysugar/toolbridge/internal/session"
)

// MaxExtendMinutes bounds a single extension request.
const MaxExtendMinutes = 120

// SessionStore is the cache surface used by the session endpoints.
type SessionStore interface {
	GetSession(id, userID string) (*session.Session, bool)
	ExtendSession(id, userID string, extra time.Duration) (time.Time, bool)
	ClearSession(ctx context.Context, id string) bool
	ClearUserSessions(ctx context.Context, userID string) int
	ClearToolSessions(ctx context.Context, userID, tool string) int
}

type sessionResponse struct {
	ID        string      `json:"session_id"`
	Tool      string      `json:"tool"`
	ItemCount int         `json:"item_count"`
	FetchedAt time.Time   `json:"fetched_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Payload   interface{} `json:"payload"`
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, ErrTypeNotFound, "session not found or expired")
}

// GetSessionHandler returns a session to its owner. Unknown, expired and
// foreign ids are indistinguishable.
func GetSessionHandler(store SessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := store.GetSession(chi.URLParam(r, "id"), middleware.UserID(r.Context()))
		if !ok {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{
			ID:        s.ID,
			Tool:      s.Tool,
			ItemCount: s.ItemCount,
			FetchedAt: s.FetchedAt,
			ExpiresAt: s.ExpiresAt,
			Payload:   s.Payload,
		})
	}
}

// ExtendSessionHandler pushes a session's expiry out by {"minutes": n}.
func ExtendSessionHandler(store SessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Minutes int `json:"minutes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Minutes <= 0 || req.Minutes > MaxExtendMinutes {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "minutes must be between 1 and 120")
			return
		}
		expiresAt, ok := store.ExtendSession(chi.URLParam(r, "id"), middleware.UserID(r.Context()), time.Duration(req.Minutes)*time.Minute)
		if !ok {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"expires_at": expiresAt})
	}
}

// DeleteSessionHandler clears one of the caller's sessions.
func DeleteSessionHandler(store SessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := store.GetSession(id, middleware.UserID(r.Context())); !ok {
			notFound(w)
			return
		}
		store.ClearSession(r.Context(), id)
		writeJSON(w, http.StatusOK, map[string]int{"sessions_cleared": 1})
	}
}

// DeleteSessionsHandler clears all the caller's sessions, or only those of
// ?tool=.
func DeleteSessionsHandler(store SessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := middleware.UserID(ctx)
		var n int
		if tool := r.URL.Query().Get("tool"); tool != "" {
			n = store.ClearToolSessions(ctx, userID, tool)
		} else {
			n = store.ClearUserSessions(ctx, userID)
		}
		writeJSON(w, http.StatusOK, map[string]int{"sessions_cleared": n})
	}
}
