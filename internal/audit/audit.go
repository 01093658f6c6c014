// Package audit writes and queries the append-only consent and data-access log.
//
// Entries carry counts and outcomes only. Nothing in this package accepts
// fetched third-party content, so the log cannot become a copy of user data.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/toolbridge/internal/clock"
	"github.com/pysugar/toolbridge/internal/db/models"
	"github.com/pysugar/toolbridge/internal/logging"
	"github.com/pysugar/toolbridge/internal/util"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultRetention is how long entries are kept by the retention sweep.
	DefaultRetention = 90 * 24 * time.Hour
	// DefaultHistoryLimit applies when GetUserHistory is called with limit <= 0.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit bounds a single history page.
	MaxHistoryLimit = 500
)

var ErrMissingUser = errors.New("audit: user id is required")

// Entry is the input for Record.
type Entry struct {
	UserID        string
	IntegrationID string
	Action        models.AuditAction
	ToolType      string
	ConsentGiven  bool
	Success       bool
	ItemCount     *int
	Err           string
	SessionID     string
	FetchID       string
}

// Recorder is the write side of the audit log. Credential and session
// components depend on this instead of *Log.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Log is the gorm-backed audit log.
type Log struct {
	db     *gorm.DB
	clock  clock.Clock
	logger *zap.Logger
}

var _ Recorder = (*Log)(nil)

// Option configures a Log.
type Option func(*Log)

// WithClock sets the clock used for created_at and retention cutoffs.
func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// NewLog creates an audit log on db.
func NewLog(db *gorm.DB, opts ...Option) *Log {
	l := &Log{db: db, clock: clock.Real{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrNop(l.logger).Named("audit")
	return l
}

// Record inserts one entry synchronously.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.UserID == "" {
		return ErrMissingUser
	}

	row := models.AuditLogEntry{
		ID:           uuid.New().String(),
		UserID:       e.UserID,
		Action:       e.Action,
		ToolType:     e.ToolType,
		ConsentGiven: e.ConsentGiven,
		DataCleared:  true,
		ItemCount:    e.ItemCount,
		Success:      e.Success,
		SessionID:    e.SessionID,
		FetchID:      e.FetchID,
		CreatedAt:    l.clock.Now().UTC(),
	}
	if e.IntegrationID != "" {
		id := e.IntegrationID
		row.IntegrationID = &id
	}
	if e.Err != "" {
		msg := util.TruncateLog(e.Err, util.DefaultLogMaxLen)
		row.ErrorMessage = &msg
	}

	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		logging.FromContext(ctx, l.logger).Error("failed to write audit entry",
			zap.String("action", string(e.Action)),
			zap.String("tool", e.ToolType),
			zap.Error(err))
		return fmt.Errorf("audit: write %s: %w", e.Action, err)
	}

	logging.FromContext(ctx, l.logger).Debug("audit entry recorded",
		zap.String("action", string(e.Action)),
		zap.String("tool", e.ToolType),
		zap.Bool("success", e.Success))
	return nil
}

// LogConsent records that the user consented to data access for tool.
func (l *Log) LogConsent(ctx context.Context, userID, tool string) error {
	return l.Record(ctx, Entry{
		UserID:       userID,
		Action:       models.ActionConsentGiven,
		ToolType:     tool,
		ConsentGiven: true,
		Success:      true,
	})
}

// FetchOutcome describes a finished fetch.
type FetchOutcome struct {
	UserID    string
	Tool      string
	FetchID   string
	SessionID string
	ItemCount int
	Success   bool
	Err       string
}

// LogFetchRequested records the first half of a fetch. A FETCH_REQUESTED
// without a FETCH_COMPLETED carrying the same fetch id marks a fetch that
// never finished.
func (l *Log) LogFetchRequested(ctx context.Context, userID, tool, fetchID string, consent bool) error {
	return l.Record(ctx, Entry{
		UserID:       userID,
		Action:       models.ActionFetchRequested,
		ToolType:     tool,
		ConsentGiven: consent,
		Success:      true,
		FetchID:      fetchID,
	})
}

// LogFetchCompleted records the second half of a fetch.
func (l *Log) LogFetchCompleted(ctx context.Context, o FetchOutcome) error {
	count := o.ItemCount
	return l.Record(ctx, Entry{
		UserID:       o.UserID,
		Action:       models.ActionFetchCompleted,
		ToolType:     o.Tool,
		ConsentGiven: true,
		Success:      o.Success,
		ItemCount:    &count,
		Err:          o.Err,
		SessionID:    o.SessionID,
		FetchID:      o.FetchID,
	})
}

// LogFetchOperation is the adapter-facing report of a fetch outcome.
func (l *Log) LogFetchOperation(ctx context.Context, userID, tool string, itemCount int, sessionID string, success bool, errMsg string) error {
	return l.LogFetchCompleted(ctx, FetchOutcome{
		UserID:    userID,
		Tool:      tool,
		SessionID: sessionID,
		ItemCount: itemCount,
		Success:   success,
		Err:       errMsg,
	})
}
