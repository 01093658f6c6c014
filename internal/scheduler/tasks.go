package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	TaskAuditRetention   = "audit_retention"
	TaskProactiveRefresh = "proactive_refresh"
)

// Purger deletes audit entries older than a horizon.
type Purger interface {
	PurgeOlderThan(ctx context.Context, horizon time.Duration) (int64, error)
}

// Refresher refreshes integrations close to expiry.
type Refresher interface {
	RefreshExpiring(ctx context.Context, within time.Duration) (refreshed, failed int)
}

// AuditRetentionTask purges audit entries older than horizon.
func AuditRetentionTask(p Purger, horizon time.Duration, schedule string, logger *zap.Logger) Task {
	return Task{
		Name:        TaskAuditRetention,
		Description: fmt.Sprintf("Delete audit entries older than %s", horizon),
		Schedule:    schedule,
		Enabled:     schedule != "",
		Handler: func(ctx context.Context) error {
			n, err := p.PurgeOlderThan(ctx, horizon)
			if err != nil {
				return err
			}
			if logger != nil {
				logger.Info("audit retention run", zap.Int64("deleted", n))
			}
			return nil
		},
	}
}

// ProactiveRefreshTask refreshes tokens expiring within window so callers
// rarely hit an expired token.
func ProactiveRefreshTask(r Refresher, window time.Duration, schedule string, logger *zap.Logger) Task {
	return Task{
		Name:        TaskProactiveRefresh,
		Description: fmt.Sprintf("Refresh tokens expiring within %s", window),
		Schedule:    schedule,
		Enabled:     schedule != "" && window > 0,
		Handler: func(ctx context.Context) error {
			refreshed, failed := r.RefreshExpiring(ctx, window)
			if logger != nil && refreshed+failed > 0 {
				logger.Info("proactive refresh run", zap.Int("refreshed", refreshed), zap.Int("failed", failed))
			}
			return nil
		},
	}
}
