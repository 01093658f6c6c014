// Package config defines the service flags, each sourced from an environment
// variable, and validates the resulting settings.
package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/pysugar/toolbridge/internal/db"
	"github.com/pysugar/toolbridge/internal/providers/registry"
	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
)

var ErrMissingEncryptionKey = errors.New("TOOLBRIDGE_ENCRYPTION_KEY is required")

// Config is the resolved service configuration.
type Config struct {
	EncryptionKey string
	StateSecret   string
	APIKey        string

	DBBackend   string
	DBPath      string
	DatabaseURL string
	Debug       bool

	Host               string
	Port               int
	PublicBaseURL      string
	SuccessRedirectURL string
	FailureRedirectURL string

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	AuditRetention       time.Duration
	RetentionSchedule    string
	RefreshSchedule      string
	RefreshWindow        time.Duration
	ProviderHTTPTimeout  time.Duration
	ProvidersFile        string
}

// Flags returns the service flags. Every flag can be set from its
// environment variable.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "encryption-key", Sources: cli.EnvVars("TOOLBRIDGE_ENCRYPTION_KEY"), Usage: "secret used to encrypt stored tokens"},
		&cli.StringFlag{Name: "state-secret", Sources: cli.EnvVars("TOOLBRIDGE_STATE_SECRET"), Usage: "HMAC key for OAuth state (derived from the encryption key when empty)"},
		&cli.StringFlag{Name: "api-key", Sources: cli.EnvVars("TOOLBRIDGE_API_KEY"), Usage: "service API key required on /api routes"},
		&cli.StringFlag{Name: "db-backend", Aliases: []string{"db"}, Sources: cli.EnvVars("DB_BACKEND"), Value: db.BackendSQLite, Usage: "database driver: sqlite or postgres"},
		&cli.StringFlag{Name: "db-path", Sources: cli.EnvVars("DB_PATH"), Value: "toolbridge.db", Usage: "sqlite database file"},
		&cli.StringFlag{Name: "database-url", Sources: cli.EnvVars("DATABASE_URL"), Usage: "postgres connection URL"},
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Sources: cli.EnvVars("DEBUG"), Usage: "enable debug logging"},
		&cli.StringFlag{Name: "host", Sources: cli.EnvVars("HOST"), Value: "127.0.0.1", Usage: "server bind address"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Sources: cli.EnvVars("PORT"), Value: 8080, Usage: "server port"},
		&cli.StringFlag{Name: "public-base-url", Sources: cli.EnvVars("PUBLIC_BASE_URL"), Usage: "external base URL used to derive OAuth redirect URIs"},
		&cli.StringFlag{Name: "success-redirect-url", Sources: cli.EnvVars("SUCCESS_REDIRECT_URL"), Value: "/", Usage: "where the browser lands after a successful connect"},
		&cli.StringFlag{Name: "failure-redirect-url", Sources: cli.EnvVars("FAILURE_REDIRECT_URL"), Value: "/", Usage: "where the browser lands after a failed connect"},
		&cli.DurationFlag{Name: "session-ttl", Sources: cli.EnvVars("SESSION_TTL"), Value: 30 * time.Minute, Usage: "lifetime of cached fetch sessions"},
		&cli.DurationFlag{Name: "session-sweep-interval", Sources: cli.EnvVars("SESSION_SWEEP_INTERVAL"), Value: 5 * time.Minute, Usage: "how often expired sessions are evicted"},
		&cli.DurationFlag{Name: "audit-retention", Sources: cli.EnvVars("AUDIT_RETENTION"), Value: 90 * 24 * time.Hour, Usage: "age after which audit entries are purged"},
		&cli.StringFlag{Name: "retention-schedule", Sources: cli.EnvVars("RETENTION_SCHEDULE"), Value: "0 3 * * *", Usage: "cron schedule of the audit purge (empty disables)"},
		&cli.StringFlag{Name: "refresh-schedule", Sources: cli.EnvVars("REFRESH_SCHEDULE"), Value: "*/15 * * * *", Usage: "cron schedule of proactive token refresh (empty disables)"},
		&cli.DurationFlag{Name: "refresh-window", Sources: cli.EnvVars("REFRESH_WINDOW"), Value: 20 * time.Minute, Usage: "refresh tokens expiring within this window"},
		&cli.DurationFlag{Name: "provider-http-timeout", Sources: cli.EnvVars("PROVIDER_HTTP_TIMEOUT"), Value: 15 * time.Second, Usage: "timeout of token endpoint calls"},
		&cli.StringFlag{Name: "providers-file", Sources: cli.EnvVars(registry.FileEnv), Usage: "YAML file with provider overrides"},
	}
}

// FromCommand reads the parsed flags.
func FromCommand(c *cli.Command) *Config {
	return &Config{
		EncryptionKey:        c.String("encryption-key"),
		StateSecret:          c.String("state-secret"),
		APIKey:               c.String("api-key"),
		DBBackend:            c.String("db-backend"),
		DBPath:               c.String("db-path"),
		DatabaseURL:          c.String("database-url"),
		Debug:                c.Bool("debug"),
		Host:                 c.String("host"),
		Port:                 int(c.Int("port")),
		PublicBaseURL:        strings.TrimRight(c.String("public-base-url"), "/"),
		SuccessRedirectURL:   c.String("success-redirect-url"),
		FailureRedirectURL:   c.String("failure-redirect-url"),
		SessionTTL:           c.Duration("session-ttl"),
		SessionSweepInterval: c.Duration("session-sweep-interval"),
		AuditRetention:       c.Duration("audit-retention"),
		RetentionSchedule:    c.String("retention-schedule"),
		RefreshSchedule:      c.String("refresh-schedule"),
		RefreshWindow:        c.Duration("refresh-window"),
		ProviderHTTPTimeout:  c.Duration("provider-http-timeout"),
		ProvidersFile:        c.String("providers-file"),
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if strings.TrimSpace(c.EncryptionKey) == "" {
		err = multierr.Append(err, ErrMissingEncryptionKey)
	}

	switch c.DBBackend {
	case db.BackendSQLite:
	case db.BackendPostgres:
		if c.DatabaseURL == "" {
			err = multierr.Append(err, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("unsupported DB_BACKEND %q", c.DBBackend))
	}

	if c.Port <= 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("invalid PORT %d", c.Port))
	}
	if c.PublicBaseURL != "" {
		if u, perr := url.Parse(c.PublicBaseURL); perr != nil || u.Scheme == "" || u.Host == "" {
			err = multierr.Append(err, fmt.Errorf("invalid PUBLIC_BASE_URL %q", c.PublicBaseURL))
		}
	}

	for name, d := range map[string]time.Duration{
		"SESSION_TTL":            c.SessionTTL,
		"SESSION_SWEEP_INTERVAL": c.SessionSweepInterval,
		"AUDIT_RETENTION":        c.AuditRetention,
		"PROVIDER_HTTP_TIMEOUT":  c.ProviderHTTPTimeout,
	} {
		if d <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.RefreshWindow < 0 {
		err = multierr.Append(err, fmt.Errorf("REFRESH_WINDOW must not be negative, got %s", c.RefreshWindow))
	}

	err = multierr.Append(err, validCron("RETENTION_SCHEDULE", c.RetentionSchedule))
	err = multierr.Append(err, validCron("REFRESH_SCHEDULE", c.RefreshSchedule))
	return err
}

// validCron parses a schedule the same way the job scheduler will.
func validCron(name, expr string) error {
	if expr == "" {
		return nil
	}
	s := gocron.NewScheduler(time.UTC)
	if _, err := s.Cron(expr).Do(func() {}); err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, expr, err)
	}
	return nil
}

// StateSigningKey returns the HMAC key for OAuth state. Without an explicit
// secret it is derived from the encryption key under a separate label.
func (c *Config) StateSigningKey() []byte {
	if c.StateSecret != "" {
		return []byte(c.StateSecret)
	}
	sum := sha256.Sum256([]byte("toolbridge/oauth-state:" + c.EncryptionKey))
	return sum[:]
}

// DSN returns the connection string for the configured backend.
func (c *Config) DSN() string {
	if c.DBBackend == db.BackendPostgres {
		return c.DatabaseURL
	}
	return c.DBPath
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
