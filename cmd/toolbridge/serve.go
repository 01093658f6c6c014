package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pysugar/toolbridge/internal/audit"
	"github.com/pysugar/toolbridge/internal/auth/oauthflow"
	"github.com/pysugar/toolbridge/internal/auth/token"
	"github.com/pysugar/toolbridge/internal/auth/tokencipher"
	"github.com/pysugar/toolbridge/internal/config"
	"github.com/pysugar/toolbridge/internal/db"
	"github.com/pysugar/toolbridge/internal/fetch"
	"github.com/pysugar/toolbridge/internal/logging"
	"github.com/pysugar/toolbridge/internal/privacy"
	"github.com/pysugar/toolbridge/internal/providers/registry"
	"github.com/pysugar/toolbridge/internal/scheduler"
	"github.com/pysugar/toolbridge/internal/server"
	"github.com/pysugar/toolbridge/internal/server/handlers"
	"github.com/pysugar/toolbridge/internal/session"
	"github.com/pysugar/toolbridge/internal/version"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func serve(ctx context.Context, c *cli.Command) error {
	cfg := config.FromCommand(c)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	cipher, err := tokencipher.New(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	database, err := db.InitDB(cfg.DBBackend, cfg.DSN(), cfg.Debug)
	if err != nil {
		return err
	}
	reg, err := registry.Load(registry.Options{
		File:          cfg.ProvidersFile,
		PublicBaseURL: cfg.PublicBaseURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	providerHTTP := &http.Client{Timeout: cfg.ProviderHTTPTimeout}
	auditLog := audit.NewLog(database, audit.WithLogger(logger))
	store := token.NewStore(database, reg, cipher, auditLog,
		token.WithLogger(logger),
		token.WithHTTPClient(providerHTTP),
		token.WithRefreshTimeout(cfg.ProviderHTTPTimeout))

	cache := session.NewCache(
		session.WithTTL(cfg.SessionTTL),
		session.WithSweepInterval(cfg.SessionSweepInterval),
		session.WithRecorder(auditLog),
		session.WithLogger(logger))
	cache.Start()
	defer cache.Stop()

	flow, err := oauthflow.NewFlow(reg, store, auditLog, cfg.StateSigningKey(),
		oauthflow.WithLogger(logger),
		oauthflow.WithHTTPClient(providerHTTP),
		oauthflow.WithExchangeTimeout(cfg.ProviderHTTPTimeout))
	if err != nil {
		return err
	}
	flow.Start()
	defer flow.Stop()

	reporter := privacy.NewReporter(database, store, auditLog, cache, reg, privacy.Options{
		SessionTTL:     cfg.SessionTTL,
		AuditRetention: cfg.AuditRetention,
		Logger:         logger,
	})

	coordinator := fetch.NewCoordinator(store, cache, auditLog, logger)

	jobs := scheduler.NewService(logger)
	if err := jobs.Register(
		scheduler.AuditRetentionTask(auditLog, cfg.AuditRetention, cfg.RetentionSchedule, logger),
		scheduler.ProactiveRefreshTask(store, cfg.RefreshWindow, cfg.RefreshSchedule, logger),
	); err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	router := server.NewRouter(server.Deps{
		APIKey: cfg.APIKey,
		Redirects: handlers.Redirects{
			Success: cfg.SuccessRedirectURL,
			Failure: cfg.FailureRedirectURL,
		},
		Providers: reg,
		Flow:      flow,
		Tokens:    store,
		Sessions:  cache,
		Audit:     auditLog,
		Privacy:   reporter,
		Fetch:     coordinator,
		Fetchers:  map[string]fetch.Fetcher{},
		Logger:    logger,
	})

	if cfg.APIKey == "" {
		logger.Warn("TOOLBRIDGE_API_KEY is empty, /api routes are unauthenticated")
	}
	logger.Info("toolbridge starting",
		zap.String("version", version.Version),
		zap.String("addr", cfg.Addr()),
		zap.String("db_backend", cfg.DBBackend),
		zap.Strings("providers", reg.ListAvailable()))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx, cfg.Addr(), router, logger)
}
