package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/pysugar/toolbridge/internal/db/models"
	"github.com/pysugar/toolbridge/internal/privacy"
	"github.com/pysugar/toolbridge/internal/server/middleware"
)

// Privacy is the reporter surface.
type Privacy interface {
	Status(ctx context.Context, userID string) (*privacy.UserStatus, error)
	Stats(ctx context.Context) (*privacy.Stats, error)
	Erase(ctx context.Context, userID string) (*privacy.ErasureReport, error)
}

// History reads a user's audit trail.
type History interface {
	GetUserHistory(ctx context.Context, userID string, limit int, tool string) ([]models.AuditLogEntry, error)
}

func PrivacyStatusHandler(p Privacy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := p.Status(r.Context(), middleware.UserID(r.Context()))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func PrivacyStatsHandler(p Privacy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := p.Stats(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// EraseHandler deletes everything held about the caller.
func EraseHandler(p Privacy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := p.Erase(r.Context(), middleware.UserID(r.Context()))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// AuditHistoryHandler serves GET /api/audit/history?limit=&tool=.
func AuditHistoryHandler(h History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		entries, err := h.GetUserHistory(r.Context(), middleware.UserID(r.Context()), limit, q.Get("tool"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
	}
}
