// Package token persists encrypted per-user OAuth credentials and keeps
// access tokens fresh.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/toolbridge/internal/audit"
	"github.com/pysugar/toolbridge/internal/auth/tokencipher"
	"github.com/pysugar/toolbridge/internal/clock"
	"github.com/pysugar/toolbridge/internal/db/models"
	"github.com/pysugar/toolbridge/internal/logging"
	"github.com/pysugar/toolbridge/internal/util"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// ExpirySkew treats tokens this close to expiry as already expired.
	ExpirySkew = 30 * time.Second

	DefaultRefreshTimeout = 15 * time.Second
)

var (
	// ErrTokenExpired means the stored access token is past its expiry.
	ErrTokenExpired = errors.New("token: access token expired")
	// ErrReconnectRequired means the user must run the authorization flow again.
	ErrReconnectRequired = errors.New("token: reconnect required")
	// ErrNotConnected is returned by Disconnect when no active integration exists.
	ErrNotConnected = errors.New("token: integration not connected")
	ErrInvalidToken = errors.New("token: access token is empty")
)

// TokenLifecycle is the read and refresh surface used by tool adapters.
type TokenLifecycle interface {
	Get(ctx context.Context, userID, tool string) (string, error)
	IsExpired(ctx context.Context, userID, tool string) (bool, error)
	// Refresh always runs a refresh grant, even when the stored token is
	// still valid, unless it joins a refresh already in flight.
	Refresh(ctx context.Context, userID, tool string) (string, error)
}

// ConfigSource yields the OAuth client config for a tool, nil when the tool
// is not configured.
type ConfigSource interface {
	OAuthConfig(tool string) *oauth2.Config
}

// Store is the credential store backed by the integrations table.
type Store struct {
	db             *gorm.DB
	configs        ConfigSource
	cipher         *tokencipher.Cipher
	recorder       audit.Recorder
	clock          clock.Clock
	logger         *zap.Logger
	httpClient     *http.Client
	refreshTimeout time.Duration

	flights singleflight.Group
}

var _ TokenLifecycle = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// WithHTTPClient sets the client used for refresh grants.
func WithHTTPClient(c *http.Client) Option { return func(s *Store) { s.httpClient = c } }

// WithRefreshTimeout bounds one refresh grant including persistence.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.refreshTimeout = d
		}
	}
}

// NewStore creates a credential store.
func NewStore(db *gorm.DB, configs ConfigSource, cipher *tokencipher.Cipher, recorder audit.Recorder, opts ...Option) *Store {
	s := &Store{
		db:             db,
		configs:        configs,
		cipher:         cipher,
		recorder:       recorder,
		clock:          clock.Real{},
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: s.refreshTimeout}
	}
	s.logger = logging.OrNop(s.logger).Named("token")
	return s
}

// StoreTokens encrypts and upserts the credentials for (userID, tool) and
// marks the integration active. A reconnect without a new refresh token
// keeps the stored one.
func (s *Store) StoreTokens(ctx context.Context, userID, tool string, tok *oauth2.Token) (*models.Integration, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, ErrInvalidToken
	}

	access, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("token: encrypt access token: %w", err)
	}

	now := s.clock.Now().UTC()
	row := models.Integration{
		ID:          uuid.New().String(),
		UserID:      userID,
		ToolType:    tool,
		AccessToken: access,
		ExpiresAt:   expiryOf(tok),
		Scope:       scopeOf(tok),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	updates := []string{"access_token", "expires_at", "scope", "is_active", "updated_at"}
	if tok.RefreshToken != "" {
		refresh, err := s.cipher.Encrypt(tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("token: encrypt refresh token: %w", err)
		}
		row.RefreshToken = &refresh
		updates = append(updates, "refresh_token")
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "tool_type"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("token: upsert integration: %w", err)
	}

	stored, err := s.load(ctx, userID, tool, false)
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx, s.logger).Info("integration connected",
		zap.String("user_id", userID),
		zap.String("tool", tool),
		zap.Bool("has_refresh_token", stored.HasRefreshToken()))
	s.record(ctx, audit.Entry{
		UserID:        userID,
		IntegrationID: stored.ID,
		Action:        models.ActionConnect,
		ToolType:      tool,
		ConsentGiven:  true,
		Success:       true,
	})
	return stored, nil
}

// Get returns the decrypted access token of the active integration.
func (s *Store) Get(ctx context.Context, userID, tool string) (string, error) {
	row, err := s.load(ctx, userID, tool, true)
	if err != nil {
		return "", err
	}
	if s.expired(row, 0) {
		return "", ErrTokenExpired
	}
	access, err := s.cipher.Decrypt(row.AccessToken)
	if err != nil {
		return "", fmt.Errorf("token: decrypt access token for %s: %w", tool, err)
	}
	return access, nil
}

// IsExpired reports whether the active integration's token is expired,
// counting ExpirySkew.
func (s *Store) IsExpired(ctx context.Context, userID, tool string) (bool, error) {
	row, err := s.load(ctx, userID, tool, true)
	if err != nil {
		return false, err
	}
	return s.expired(row, 0), nil
}

// GetAccessToken returns a usable access token, refreshing it when expired.
func (s *Store) GetAccessToken(ctx context.Context, userID, tool string) (string, error) {
	access, err := s.Get(ctx, userID, tool)
	if errors.Is(err, ErrTokenExpired) {
		return s.refreshShared(ctx, userID, tool, 0, false)
	}
	return access, err
}

// Refresh exchanges the stored refresh token for a new access token whether
// or not the current one has expired. Concurrent calls for the same
// (userID, tool) share one grant; a caller whose ctx ends stops waiting
// without cancelling the grant for the others.
func (s *Store) Refresh(ctx context.Context, userID, tool string) (string, error) {
	return s.refreshShared(ctx, userID, tool, 0, true)
}

func (s *Store) refreshShared(ctx context.Context, userID, tool string, within time.Duration, force bool) (string, error) {
	key := userID + "|" + tool
	ch := s.flights.DoChan(key, func() (interface{}, error) {
		return s.refresh(context.WithoutCancel(ctx), userID, tool, within, force)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// refresh runs inside the flight. The row is re-read first: unless force is
// set, a token that is not within `within` of expiry is returned without a
// grant, which covers a flight that finished just before this one started.
func (s *Store) refresh(ctx context.Context, userID, tool string, within time.Duration, force bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
	defer cancel()
	logger := logging.FromContext(ctx, s.logger).With(zap.String("user_id", userID), zap.String("tool", tool))

	row, err := s.load(ctx, userID, tool, true)
	if err != nil {
		return "", err
	}
	if !force && !s.expired(row, within) {
		access, err := s.cipher.Decrypt(row.AccessToken)
		if err != nil {
			return "", fmt.Errorf("token: decrypt access token for %s: %w", tool, err)
		}
		return access, nil
	}
	if !row.HasRefreshToken() {
		logger.Info("token expired without refresh token")
		return "", fmt.Errorf("%w: %s token expired and no refresh token is stored", ErrReconnectRequired, tool)
	}

	refreshToken, err := s.cipher.Decrypt(*row.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("token: decrypt refresh token for %s: %w", tool, err)
	}

	cfg := s.configs.OAuthConfig(tool)
	if cfg == nil {
		return "", fmt.Errorf("%w: provider %s is not configured", ErrReconnectRequired, tool)
	}

	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	newTok, err := cfg.TokenSource(httpCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			logger.Warn("refresh token rejected by provider", zap.Error(err))
		} else {
			logger.Warn("transient refresh failure", zap.Error(err))
		}
		s.record(ctx, audit.Entry{
			UserID:        userID,
			IntegrationID: row.ID,
			Action:        models.ActionTokenRefreshed,
			ToolType:      tool,
			Success:       false,
			Err:           util.TruncateError(err),
		})
		return "", fmt.Errorf("%w: refresh %s: %w", ErrReconnectRequired, tool, err)
	}

	access, err := s.cipher.Encrypt(newTok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("token: encrypt access token: %w", err)
	}
	storedRefresh := *row.RefreshToken
	rotated := newTok.RefreshToken != "" && newTok.RefreshToken != refreshToken
	if rotated {
		if storedRefresh, err = s.cipher.Encrypt(newTok.RefreshToken); err != nil {
			return "", fmt.Errorf("token: encrypt refresh token: %w", err)
		}
	}

	now := s.clock.Now().UTC()
	updates := map[string]interface{}{
		"access_token":      access,
		"refresh_token":     storedRefresh,
		"expires_at":        expiryOf(newTok),
		"last_refreshed_at": now,
		"updated_at":        now,
	}
	if scope := scopeOf(newTok); scope != "" {
		updates["scope"] = scope
	}
	if err := s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		return "", fmt.Errorf("token: persist refreshed token: %w", err)
	}

	logger.Info("token refreshed", zap.Bool("refresh_token_rotated", rotated))
	s.record(ctx, audit.Entry{
		UserID:        userID,
		IntegrationID: row.ID,
		Action:        models.ActionTokenRefreshed,
		ToolType:      tool,
		Success:       true,
	})
	return newTok.AccessToken, nil
}

// Disconnect deactivates the integration. Stored ciphertext stays until the
// user's data is erased.
func (s *Store) Disconnect(ctx context.Context, userID, tool string) error {
	row, err := s.load(ctx, userID, tool, true)
	if errors.Is(err, ErrReconnectRequired) {
		return ErrNotConnected
	}
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&models.Integration{}).
		Where("id = ? AND is_active = ?", row.ID, true).
		Updates(map[string]interface{}{"is_active": false, "updated_at": s.clock.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("token: disconnect: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotConnected
	}

	logging.FromContext(ctx, s.logger).Info("integration disconnected",
		zap.String("user_id", userID), zap.String("tool", tool))
	s.record(ctx, audit.Entry{
		UserID:        userID,
		IntegrationID: row.ID,
		Action:        models.ActionDisconnect,
		ToolType:      tool,
		ConsentGiven:  false,
		Success:       true,
	})
	return nil
}

// RefreshExpiring refreshes every active integration with a refresh token
// whose access token expires within `within`.
func (s *Store) RefreshExpiring(ctx context.Context, within time.Duration) (refreshed, failed int) {
	threshold := s.clock.Now().UTC().Add(within)
	var rows []models.Integration
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND refresh_token IS NOT NULL AND expires_at IS NOT NULL AND expires_at < ?", true, threshold).
		Find(&rows).Error
	if err != nil {
		s.logger.Error("failed to list expiring integrations", zap.Error(err))
		return 0, 0
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.refreshShared(ctx, row.UserID, row.ToolType, within, false); err != nil {
			failed++
			continue
		}
		refreshed++
	}
	if len(rows) > 0 {
		s.logger.Info("proactive refresh finished",
			zap.Int("refreshed", refreshed), zap.Int("failed", failed))
	}
	return refreshed, failed
}

// ListIntegrations returns all of the user's integrations, active or not.
func (s *Store) ListIntegrations(ctx context.Context, userID string) ([]models.Integration, error) {
	var rows []models.Integration
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("tool_type ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("token: list integrations: %w", err)
	}
	return rows, nil
}

// CountActive returns the number of active integrations across all users.
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Integration{}).Where("is_active = ?", true).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("token: count active: %w", err)
	}
	return n, nil
}

// DeleteUserTx hard-deletes every integration of userID using tx.
func DeleteUserTx(tx *gorm.DB, userID string) (int64, error) {
	res := tx.Where("user_id = ?", userID).Delete(&models.Integration{})
	if res.Error != nil {
		return 0, fmt.Errorf("token: delete user integrations: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) load(ctx context.Context, userID, tool string, activeOnly bool) (*models.Integration, error) {
	q := s.db.WithContext(ctx).Where("user_id = ? AND tool_type = ?", userID, tool)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var row models.Integration
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no active %s integration", ErrReconnectRequired, tool)
		}
		return nil, fmt.Errorf("token: load integration: %w", err)
	}
	return &row, nil
}

// expired reports whether row expires before now+ExpirySkew+within.
func (s *Store) expired(row *models.Integration, within time.Duration) bool {
	if row.ExpiresAt == nil {
		return false
	}
	return !s.clock.Now().Add(ExpirySkew + within).Before(*row.ExpiresAt)
}

func (s *Store) record(ctx context.Context, e audit.Entry) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, e); err != nil {
		logging.FromContext(ctx, s.logger).Warn("audit write failed",
			zap.String("action", string(e.Action)), zap.Error(err))
	}
}

func expiryOf(tok *oauth2.Token) *time.Time {
	if tok.Expiry.IsZero() {
		return nil
	}
	exp := tok.Expiry.UTC()
	return &exp
}

func scopeOf(tok *oauth2.Token) string {
	if v, ok := tok.Extra("scope").(string); ok {
		return v
	}
	return ""
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"invalid_grant", "invalid_client", "unauthorized_client", "revoked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
