package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/toolbridge/internal/auth/token"
	"github.com/pysugar/toolbridge/internal/providers/registry"
	"github.com/pysugar/toolbridge/internal/server/middleware"
)

// Catalog is the registry view exposed over HTTP.
type Catalog interface {
	IsAvailable(tool string) bool
	ListAvailable() []string
	Contract() []registry.ContractRow
}

// Authorizer starts the authorization flow.
type Authorizer interface {
	BuildAuthorizationURL(ctx context.Context, userID, tool string) (string, string, error)
}

// Disconnector soft-deletes an integration.
type Disconnector interface {
	Disconnect(ctx context.Context, userID, tool string) error
}

// ToolSessionClearer drops a user's cached sessions for one tool.
type ToolSessionClearer interface {
	ClearToolSessions(ctx context.Context, userID, tool string) int
}

// ConsentRecorder writes CONSENT_GIVEN.
type ConsentRecorder interface {
	LogConsent(ctx context.Context, userID, tool string) error
}

// ProvidersHandler lists configured providers and the full contract table.
func ProvidersHandler(catalog Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"available": catalog.ListAvailable(),
			"providers": catalog.Contract(),
		})
	}
}

// ConnectHandler returns the provider authorization URL for the user.
func ConnectHandler(flow Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, state, err := flow.BuildAuthorizationURL(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "tool"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": authURL, "state": state})
	}
}

// DisconnectHandler clears the tool's sessions and deactivates the
// integration. Sessions are cleared even when no integration is active.
func DisconnectHandler(store Disconnector, sessions ToolSessionClearer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := middleware.UserID(ctx)
		tool := chi.URLParam(r, "tool")

		cleared := sessions.ClearToolSessions(ctx, userID, tool)
		err := store.Disconnect(ctx, userID, tool)
		if err != nil && !(errors.Is(err, token.ErrNotConnected) && cleared > 0) {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":           "disconnected",
			"tool":             tool,
			"sessions_cleared": cleared,
		})
	}
}

// ConsentHandler records that the user consented to fetching from the tool.
func ConsentHandler(catalog Catalog, recorder ConsentRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tool := chi.URLParam(r, "tool")
		if !catalog.IsAvailable(tool) {
			writeError(w, http.StatusNotFound, ErrTypeProviderUnavailable, "provider is not configured")
			return
		}
		if err := recorder.LogConsent(r.Context(), middleware.UserID(r.Context()), tool); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded", "tool": tool})
	}
}
