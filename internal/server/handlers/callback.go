package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/toolbridge/internal/auth/oauthflow"
	"github.com/pysugar/toolbridge/internal/logging"
	"go.uber.org/zap"
)

// Callback is the part of the authorization flow that completes a redirect.
type Callback interface {
	HandleCallback(ctx context.Context, pathProvider, code, state string) oauthflow.Result
}

// Redirects are the browser landing pages after a callback.
type Redirects struct {
	Success string
	Failure string
}

// CallbackHandler completes GET /callback/{provider} and redirects the
// browser. The provider's error parameter is forwarded as an empty code so
// the flow records the failed attempt.
func CallbackHandler(flow Callback, redirects Redirects, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		code := q.Get("code")
		if q.Get("error") != "" {
			code = ""
		}

		res := flow.HandleCallback(r.Context(), chi.URLParam(r, "provider"), code, q.Get("state"))
		if res.Success {
			http.Redirect(w, r, withQuery(redirects.Success, "tool", res.Tool), http.StatusFound)
			return
		}

		reason := "connect_failed"
		switch {
		case errors.Is(res.Err, oauthflow.ErrInvalidState):
			reason = "invalid_state"
		case errors.Is(res.Err, oauthflow.ErrTokenExchange):
			reason = "token_exchange_failed"
		}
		logging.FromContext(r.Context(), logger).Warn("oauth callback failed",
			zap.String("provider", chi.URLParam(r, "provider")),
			zap.String("reason", reason),
			zap.String("provider_error", q.Get("error")),
			zap.Error(res.Err))
		http.Redirect(w, r, withQuery(redirects.Failure, "error", reason), http.StatusFound)
	}
}

func withQuery(base, key, value string) string {
	if base == "" {
		base = "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "/"
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
