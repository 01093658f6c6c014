// Package server assembles the chi router and runs the HTTP listener.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/toolbridge/internal/fetch"
	"github.com/pysugar/toolbridge/internal/logging"
	"github.com/pysugar/toolbridge/internal/server/handlers"
	"github.com/pysugar/toolbridge/internal/server/middleware"
	"go.uber.org/zap"
)

// Flow is the full authorization flow surface.
type Flow interface {
	handlers.Authorizer
	handlers.Callback
}

// Deps are the services behind the routes.
type Deps struct {
	APIKey    string
	Redirects handlers.Redirects

	Providers handlers.Catalog
	Flow      Flow
	Tokens    handlers.Disconnector
	Sessions  handlers.SessionStore
	Audit     interface {
		handlers.ConsentRecorder
		handlers.History
	}
	Privacy handlers.Privacy

	Fetch handlers.FetchRunner
	// Fetchers maps a tool to its data adapter. Tools without one answer
	// fetch requests with 404.
	Fetchers map[string]fetch.Fetcher

	Logger *zap.Logger
}

// NewRouter wires every route.
func NewRouter(d Deps) http.Handler {
	logger := logging.OrNop(d.Logger)

	r := chi.NewRouter()
	r.Use(logging.RequestIDMiddleware)
	r.Use(middleware.AccessLog(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", handlers.HealthHandler())
	r.Get("/callback/{provider}", handlers.CallbackHandler(d.Flow, d.Redirects, logger.Named("callback")))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKey))
		r.Get("/providers", handlers.ProvidersHandler(d.Providers))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)

			r.Post("/integrations/{tool}/connect", handlers.ConnectHandler(d.Flow))
			r.Post("/integrations/{tool}/consent", handlers.ConsentHandler(d.Providers, d.Audit))
			r.Delete("/integrations/{tool}", handlers.DisconnectHandler(d.Tokens, d.Sessions))
			r.Post("/integrations/{tool}/fetch", handlers.FetchHandler(d.Fetch, d.Fetchers))

			r.Get("/sessions/{id}", handlers.GetSessionHandler(d.Sessions))
			r.Post("/sessions/{id}/extend", handlers.ExtendSessionHandler(d.Sessions))
			r.Delete("/sessions/{id}", handlers.DeleteSessionHandler(d.Sessions))
			r.Delete("/sessions", handlers.DeleteSessionsHandler(d.Sessions))

			r.Get("/privacy/status", handlers.PrivacyStatusHandler(d.Privacy))
			r.Get("/privacy/stats", handlers.PrivacyStatsHandler(d.Privacy))
			r.Delete("/privacy/data", handlers.EraseHandler(d.Privacy))
			r.Get("/audit/history", handlers.AuditHistoryHandler(d.Audit))
		})
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	logger = logging.OrNop(logger)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
