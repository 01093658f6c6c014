package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/pysugar/toolbridge/internal/db/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GetUserHistory returns the newest entries for userID, optionally limited to
// one tool. limit <= 0 means DefaultHistoryLimit; it is capped at MaxHistoryLimit.
func (l *Log) GetUserHistory(ctx context.Context, userID string, limit int, tool string) ([]models.AuditLogEntry, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	q := l.db.WithContext(ctx).Where("user_id = ?", userID)
	if tool != "" {
		q = q.Where("tool_type = ?", tool)
	}

	var entries []models.AuditLogEntry
	if err := q.Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit: history for user: %w", err)
	}
	return entries, nil
}

// Stats aggregates the whole log. TotalFetches counts successful
// FETCH_COMPLETED entries; MostUsedTool is the tool with the most of them.
func (l *Log) Stats(ctx context.Context) (*models.AuditStats, error) {
	db := l.db.WithContext(ctx)
	stats := &models.AuditStats{}

	if err := db.Model(&models.AuditLogEntry{}).
		Distinct("user_id").
		Count(&stats.TotalUsers).Error; err != nil {
		return nil, fmt.Errorf("audit: count users: %w", err)
	}

	fetches := db.Model(&models.AuditLogEntry{}).
		Where("action = ? AND success = ?", models.ActionFetchCompleted, true)
	if err := fetches.Count(&stats.TotalFetches).Error; err != nil {
		return nil, fmt.Errorf("audit: count fetches: %w", err)
	}

	var top []struct {
		ToolType string
		N        int64
	}
	err := db.Model(&models.AuditLogEntry{}).
		Select("tool_type, COUNT(*) AS n").
		Where("action = ? AND success = ?", models.ActionFetchCompleted, true).
		Group("tool_type").
		Order("n DESC, tool_type ASC").
		Limit(1).
		Scan(&top).Error
	if err != nil {
		return nil, fmt.Errorf("audit: most used tool: %w", err)
	}
	if len(top) > 0 {
		stats.MostUsedTool = top[0].ToolType
	}
	return stats, nil
}

// IncompleteFetches returns FETCH_REQUESTED entries for userID that have no
// FETCH_COMPLETED with the same fetch id.
func (l *Log) IncompleteFetches(ctx context.Context, userID string) ([]models.AuditLogEntry, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}

	completed := l.db.Model(&models.AuditLogEntry{}).
		Select("fetch_id").
		Where("user_id = ? AND action = ? AND fetch_id <> ''", userID, models.ActionFetchCompleted)

	var entries []models.AuditLogEntry
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND action = ? AND fetch_id <> ''", userID, models.ActionFetchRequested).
		Where("fetch_id NOT IN (?)", completed).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("audit: incomplete fetches: %w", err)
	}
	return entries, nil
}

// PurgeOlderThan deletes entries created before now-horizon and returns the
// number removed. horizon <= 0 means DefaultRetention.
func (l *Log) PurgeOlderThan(ctx context.Context, horizon time.Duration) (int64, error) {
	if horizon <= 0 {
		horizon = DefaultRetention
	}
	cutoff := l.clock.Now().UTC().Add(-horizon)

	res := l.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.AuditLogEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("audit: purge: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		l.logger.Info("purged audit entries",
			zap.Int64("count", res.RowsAffected),
			zap.Time("cutoff", cutoff))
	}
	return res.RowsAffected, nil
}

// DeleteUser removes every entry for userID.
func (l *Log) DeleteUser(ctx context.Context, userID string) (int64, error) {
	return DeleteUserTx(l.db.WithContext(ctx), userID)
}

// DeleteUserTx removes every entry for userID using tx, so erasure can run
// it inside a wider transaction.
func DeleteUserTx(tx *gorm.DB, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}
	res := tx.Where("user_id = ?", userID).Delete(&models.AuditLogEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("audit: delete user entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}
