// Package fetch is the boundary between the credential/session core and the
// per-tool data adapters. Adapters implement Fetcher; the Coordinator hands
// them a live access token, caches what they return and audits the run.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/toolbridge/internal/audit"
	"github.com/pysugar/toolbridge/internal/logging"
	"github.com/pysugar/toolbridge/internal/util"
	"go.uber.org/zap"
)

var (
	ErrConsentRequired = errors.New("fetch: user consent is required")
	// ErrAdapterFailed wraps errors returned by a Fetcher.
	ErrAdapterFailed = errors.New("fetch: adapter failed")
)

// Fetcher pulls data from one tool with a provider access token.
type Fetcher interface {
	Fetch(ctx context.Context, accessToken string) (payload any, itemCount int, err error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, accessToken string) (any, int, error)

func (f FetcherFunc) Fetch(ctx context.Context, accessToken string) (any, int, error) {
	return f(ctx, accessToken)
}

// Tokens yields access tokens, refreshing as needed.
type Tokens interface {
	GetAccessToken(ctx context.Context, userID, tool string) (string, error)
}

// Sessions caches fetched payloads.
type Sessions interface {
	CreateSession(ctx context.Context, userID, tool string, payload any, itemCount int, consent bool) (string, time.Time, error)
}

// FetchAuditor writes the two fetch entries.
type FetchAuditor interface {
	LogFetchRequested(ctx context.Context, userID, tool, fetchID string, consent bool) error
	LogFetchCompleted(ctx context.Context, o audit.FetchOutcome) error
	LogFetchOperation(ctx context.Context, userID, tool string, itemCount int, sessionID string, success bool, errMsg string) error
}

// Result describes a successful run.
type Result struct {
	FetchID   string    `json:"fetch_id"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	ItemCount int       `json:"item_count"`
}

// Coordinator runs fetches.
type Coordinator struct {
	tokens   Tokens
	sessions Sessions
	auditor  FetchAuditor
	logger   *zap.Logger
}

// NewCoordinator wires a coordinator.
func NewCoordinator(tokens Tokens, sessions Sessions, auditor FetchAuditor, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		tokens:   tokens,
		sessions: sessions,
		auditor:  auditor,
		logger:   logging.OrNop(logger).Named("fetch"),
	}
}

// Run performs one fetch for (userID, tool). Without consent nothing is
// attempted or logged. Otherwise exactly one FETCH_REQUESTED and one
// FETCH_COMPLETED entry are written, sharing a fetch id.
func (c *Coordinator) Run(ctx context.Context, userID, tool string, consent bool, fetcher Fetcher) (*Result, error) {
	if !consent {
		return nil, ErrConsentRequired
	}
	logger := logging.FromContext(ctx, c.logger).With(zap.String("user_id", userID), zap.String("tool", tool))

	fetchID := uuid.New().String()
	if err := c.auditor.LogFetchRequested(ctx, userID, tool, fetchID, consent); err != nil {
		return nil, fmt.Errorf("fetch: audit request: %w", err)
	}

	res, err := c.run(ctx, userID, tool, consent, fetcher)
	outcome := audit.FetchOutcome{UserID: userID, Tool: tool, FetchID: fetchID, Success: err == nil}
	if err != nil {
		outcome.Err = util.TruncateError(err)
		logger.Warn("fetch failed", zap.Error(err))
	} else {
		res.FetchID = fetchID
		outcome.SessionID = res.SessionID
		outcome.ItemCount = res.ItemCount
		logger.Info("fetch completed", zap.Int("item_count", res.ItemCount))
	}

	if auditErr := c.auditor.LogFetchCompleted(ctx, outcome); auditErr != nil {
		logger.Error("failed to audit fetch completion", zap.Error(auditErr))
		if err == nil {
			err = fmt.Errorf("fetch: audit completion: %w", auditErr)
			res = nil
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, userID, tool string, consent bool, fetcher Fetcher) (*Result, error) {
	accessToken, err := c.tokens.GetAccessToken(ctx, userID, tool)
	if err != nil {
		return nil, err
	}
	payload, itemCount, err := fetcher.Fetch(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAdapterFailed, tool, err)
	}
	id, expiresAt, err := c.sessions.CreateSession(ctx, userID, tool, payload, itemCount, consent)
	if err != nil {
		return nil, err
	}
	return &Result{SessionID: id, ExpiresAt: expiresAt, ItemCount: itemCount}, nil
}

// GetAccessToken is the adapter-facing token call.
func (c *Coordinator) GetAccessToken(ctx context.Context, userID, tool string) (string, error) {
	return c.tokens.GetAccessToken(ctx, userID, tool)
}

// CreateSession is the adapter-facing cache call for adapters that manage
// their own fetch loop.
func (c *Coordinator) CreateSession(ctx context.Context, userID, tool string, payload any, itemCount int, consent bool) (string, time.Time, error) {
	return c.sessions.CreateSession(ctx, userID, tool, payload, itemCount, consent)
}

// LogFetchOperation is the adapter-facing outcome report.
func (c *Coordinator) LogFetchOperation(ctx context.Context, userID, tool string, itemCount int, sessionID string, success bool, errMsg string) error {
	return c.auditor.LogFetchOperation(ctx, userID, tool, itemCount, sessionID, success, errMsg)
}
