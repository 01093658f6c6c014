package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/toolbridge/internal/fetch"
	"github.com/pysugar/toolbridge/internal/server/middleware"
)

const (
	ErrTypeConsentRequired = "consent_required"
	ErrTypeFetchFailed     = "fetch_failed"
)

// FetchRunner runs one audited fetch through a tool adapter.
type FetchRunner interface {
	Run(ctx context.Context, userID, tool string, consent bool, fetcher fetch.Fetcher) (*fetch.Result, error)
}

// FetchHandler fetches from the tool's adapter into a new session. The body
// is {"consent": true}; without it nothing is fetched or audited.
func FetchHandler(runner FetchRunner, fetchers map[string]fetch.Fetcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tool := chi.URLParam(r, "tool")
		fetcher, ok := fetchers[tool]
		if !ok {
			writeError(w, http.StatusNotFound, ErrTypeProviderUnavailable, "no adapter for tool")
			return
		}

		var req struct {
			Consent bool `json:"consent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "invalid request body")
			return
		}

		res, err := runner.Run(r.Context(), middleware.UserID(r.Context()), tool, req.Consent, fetcher)
		switch {
		case errors.Is(err, fetch.ErrConsentRequired):
			writeError(w, http.StatusForbidden, ErrTypeConsentRequired, "user consent is required")
		case errors.Is(err, fetch.ErrAdapterFailed):
			writeError(w, http.StatusBadGateway, ErrTypeFetchFailed, "tool adapter failed")
		case err != nil:
			writeServiceError(w, err)
		default:
			writeJSON(w, http.StatusOK, res)
		}
	}
}
