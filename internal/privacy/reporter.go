// Package privacy answers "what do you hold about me" and erases it on request.
package privacy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pysugar/toolbridge/internal/audit"
	"github.com/pysugar/toolbridge/internal/auth/token"
	"github.com/pysugar/toolbridge/internal/db/models"
	"github.com/pysugar/toolbridge/internal/logging"
	"github.com/pysugar/toolbridge/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrMissingUser = errors.New("privacy: user id is required")

// Integrations is the credential-store view used for reporting.
type Integrations interface {
	ListIntegrations(ctx context.Context, userID string) ([]models.Integration, error)
	CountActive(ctx context.Context) (int64, error)
}

// AuditStats aggregates the audit log.
type AuditStats interface {
	Stats(ctx context.Context) (*models.AuditStats, error)
}

// Sessions is the session-cache view used for reporting and erasure.
type Sessions interface {
	ListForUser(userID string) []session.Info
	ClearUserSessions(ctx context.Context, userID string) int
	Active() int
}

// Providers lists the configured tools.
type Providers interface {
	ListAvailable() []string
}

// IntegrationStatus describes one stored integration. Token material is
// never included.
type IntegrationStatus struct {
	Tool            string     `json:"tool"`
	Connected       bool       `json:"connected"`
	Scope           string     `json:"scope,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	ConnectedAt     time.Time  `json:"connected_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Guarantees states the storage properties the service enforces.
type Guarantees struct {
	TokensEncryptedAtRest bool   `json:"tokens_encrypted_at_rest"`
	FetchedDataPersisted  bool   `json:"fetched_data_persisted"`
	SessionTTL            string `json:"session_ttl"`
	AuditRetentionDays    int    `json:"audit_retention_days"`
}

// UserStatus is everything held about one user, minus secrets and payloads.
type UserStatus struct {
	UserID       string              `json:"user_id"`
	Integrations []IntegrationStatus `json:"integrations"`
	Sessions     []session.Info      `json:"active_sessions"`
	Guarantees   Guarantees          `json:"guarantees"`
}

// Stats is the service-wide summary.
type Stats struct {
	TotalUsers         int64    `json:"total_users"`
	TotalIntegrations  int64    `json:"total_integrations"`
	TotalFetches       int64    `json:"total_fetches"`
	MostUsedTool       string   `json:"most_used_tool,omitempty"`
	ActiveSessions     int      `json:"active_sessions"`
	AvailableProviders []string `json:"available_providers"`
}

// ErasureReport summarises an Erase call.
type ErasureReport struct {
	UserID              string `json:"user_id"`
	IntegrationsDeleted int64  `json:"integrations_deleted"`
	AuditEntriesDeleted int64  `json:"audit_entries_deleted"`
	SessionsCleared     int    `json:"sessions_cleared"`
}

// Options carries the values echoed in Guarantees.
type Options struct {
	SessionTTL     time.Duration
	AuditRetention time.Duration
	Logger         *zap.Logger
}

// Reporter implements status, statistics and erasure.
type Reporter struct {
	db           *gorm.DB
	integrations Integrations
	audit        AuditStats
	sessions     Sessions
	providers    Providers
	guarantees   Guarantees
	logger       *zap.Logger
}

// NewReporter wires a reporter. db is used for the erasure transaction.
func NewReporter(db *gorm.DB, integrations Integrations, auditStats AuditStats, sessions Sessions, providers Providers, opts Options) *Reporter {
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	retention := opts.AuditRetention
	if retention <= 0 {
		retention = audit.DefaultRetention
	}
	return &Reporter{
		db:           db,
		integrations: integrations,
		audit:        auditStats,
		sessions:     sessions,
		providers:    providers,
		guarantees: Guarantees{
			TokensEncryptedAtRest: true,
			FetchedDataPersisted:  false,
			SessionTTL:            ttl.String(),
			AuditRetentionDays:    int(retention / (24 * time.Hour)),
		},
		logger: logging.OrNop(opts.Logger).Named("privacy"),
	}
}

// Status reports the user's integrations and live sessions.
func (r *Reporter) Status(ctx context.Context, userID string) (*UserStatus, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	rows, err := r.integrations.ListIntegrations(ctx, userID)
	if err != nil {
		return nil, err
	}

	status := &UserStatus{
		UserID:       userID,
		Integrations: make([]IntegrationStatus, 0, len(rows)),
		Sessions:     r.sessions.ListForUser(userID),
		Guarantees:   r.guarantees,
	}
	if status.Sessions == nil {
		status.Sessions = []session.Info{}
	}
	for _, row := range rows {
		status.Integrations = append(status.Integrations, IntegrationStatus{
			Tool:            row.ToolType,
			Connected:       row.IsActive,
			Scope:           row.Scope,
			ExpiresAt:       row.ExpiresAt,
			LastRefreshedAt: row.LastRefreshedAt,
			ConnectedAt:     row.CreatedAt,
			UpdatedAt:       row.UpdatedAt,
		})
	}
	return status, nil
}

// Stats summarises usage across all users.
func (r *Reporter) Stats(ctx context.Context) (*Stats, error) {
	auditStats, err := r.audit.Stats(ctx)
	if err != nil {
		return nil, err
	}
	active, err := r.integrations.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	available := r.providers.ListAvailable()
	if available == nil {
		available = []string{}
	}
	return &Stats{
		TotalUsers:         auditStats.TotalUsers,
		TotalIntegrations:  active,
		TotalFetches:       auditStats.TotalFetches,
		MostUsedTool:       auditStats.MostUsedTool,
		ActiveSessions:     r.sessions.Active(),
		AvailableProviders: available,
	}, nil
}

// Erase drops the user's sessions, then deletes their integrations and
// audit entries in one transaction. Nothing about the erasure is written
// back to the audit log.
func (r *Reporter) Erase(ctx context.Context, userID string) (*ErasureReport, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	report := &ErasureReport{UserID: userID}
	report.SessionsCleared = r.sessions.ClearUserSessions(ctx, userID)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := token.DeleteUserTx(tx, userID)
		if err != nil {
			return err
		}
		report.IntegrationsDeleted = n

		n, err = audit.DeleteUserTx(tx, userID)
		if err != nil {
			return err
		}
		report.AuditEntriesDeleted = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("privacy: erase user: %w", err)
	}

	logging.FromContext(ctx, r.logger).Info("user data erased",
		zap.String("user_id", userID),
		zap.Int64("integrations", report.IntegrationsDeleted),
		zap.Int64("audit_entries", report.AuditEntriesDeleted),
		zap.Int("sessions", report.SessionsCleared))
	return report, nil
}
