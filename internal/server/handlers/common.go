// Package handlers implements the HTTP endpoints: OAuth callbacks,
// integration management, session access and privacy reporting.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pysugar/toolbridge/internal/audit"
	"github.com/pysugar/toolbridge/internal/auth/oauthflow"
	"github.com/pysugar/toolbridge/internal/auth/token"
	"github.com/pysugar/toolbridge/internal/auth/tokencipher"
	"github.com/pysugar/toolbridge/internal/privacy"
	"github.com/pysugar/toolbridge/internal/util"
)

// Error types returned in the JSON error body.
const (
	ErrTypeReconnectRequired   = "reconnect_required"
	ErrTypeNotConnected        = "not_connected"
	ErrTypeProviderUnavailable = "provider_unavailable"
	ErrTypeNotFound            = "not_found"
	ErrTypeInvalidRequest      = "invalid_request"
	ErrTypeIntegrity           = "integrity_error"
	ErrTypeInternal            = "internal_error"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: errType}})
}

// writeServiceError maps a service error to a status and error type.
// Internal failures are reported without their cause.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrReconnectRequired), errors.Is(err, token.ErrTokenExpired):
		writeError(w, http.StatusConflict, ErrTypeReconnectRequired, "integration must be reconnected")
	case errors.Is(err, token.ErrNotConnected):
		writeError(w, http.StatusNotFound, ErrTypeNotConnected, "integration is not connected")
	case errors.Is(err, oauthflow.ErrProviderUnavailable):
		writeError(w, http.StatusNotFound, ErrTypeProviderUnavailable, "provider is not configured")
	case errors.Is(err, tokencipher.ErrIntegrity):
		writeError(w, http.StatusInternalServerError, ErrTypeIntegrity, "stored credential failed integrity check")
	case errors.Is(err, oauthflow.ErrMissingUser), errors.Is(err, audit.ErrMissingUser), errors.Is(err, privacy.ErrMissingUser):
		writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, util.TruncateError(err))
	default:
		writeError(w, http.StatusInternalServerError, ErrTypeInternal, "internal error")
	}
}

// HealthHandler reports liveness.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
