// Package oauthflow runs the authorization-code flow: it builds provider
// consent URLs carrying a signed, single-use state and completes callbacks
// by exchanging the code and handing the tokens to the credential store.
package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pysugar/toolbridge/internal/audit"
	"github.com/pysugar/toolbridge/internal/clock"
	"github.com/pysugar/toolbridge/internal/db/models"
	"github.com/pysugar/toolbridge/internal/logging"
	"github.com/pysugar/toolbridge/internal/util"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const DefaultExchangeTimeout = 15 * time.Second

var (
	ErrProviderUnavailable = errors.New("oauthflow: provider not configured")
	ErrInvalidState        = errors.New("oauthflow: invalid or expired state")
	ErrTokenExchange       = errors.New("oauthflow: token exchange failed")
	ErrMissingUser         = errors.New("oauthflow: user id is required")
	ErrMissingStateSecret  = errors.New("oauthflow: state secret is required")
)

// Providers is the registry surface the flow needs.
type Providers interface {
	IsAvailable(tool string) bool
	OAuthConfig(tool string) *oauth2.Config
	AuthCodeOptions(tool string) []oauth2.AuthCodeOption
	MatchesCallback(pathProvider, tool string) bool
}

// TokenSaver persists the exchanged tokens.
type TokenSaver interface {
	StoreTokens(ctx context.Context, userID, tool string, tok *oauth2.Token) (*models.Integration, error)
}

// Result is the outcome of a callback.
type Result struct {
	Success bool
	UserID  string
	Tool    string
	Err     error
}

// Flow builds authorization URLs and completes callbacks.
type Flow struct {
	providers       Providers
	saver           TokenSaver
	recorder        audit.Recorder
	secret          []byte
	nonces          *NonceStore
	clock           clock.Clock
	logger          *zap.Logger
	httpClient      *http.Client
	exchangeTimeout time.Duration
	stateTTL        time.Duration
}

type Option func(*Flow)

func WithClock(c clock.Clock) Option { return func(f *Flow) { f.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(f *Flow) { f.logger = l } }

func WithHTTPClient(c *http.Client) Option { return func(f *Flow) { f.httpClient = c } }

// WithExchangeTimeout bounds the code exchange.
func WithExchangeTimeout(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.exchangeTimeout = d
		}
	}
}

// WithStateTTL sets how long an issued state stays redeemable.
func WithStateTTL(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.stateTTL = d
		}
	}
}

// NewFlow creates a flow. stateSecret keys the state HMAC.
func NewFlow(providers Providers, saver TokenSaver, recorder audit.Recorder, stateSecret []byte, opts ...Option) (*Flow, error) {
	if len(stateSecret) == 0 {
		return nil, ErrMissingStateSecret
	}
	f := &Flow{
		providers:       providers,
		saver:           saver,
		recorder:        recorder,
		secret:          append([]byte(nil), stateSecret...),
		clock:           clock.Real{},
		exchangeTimeout: DefaultExchangeTimeout,
		stateTTL:        DefaultStateTTL,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = &http.Client{Timeout: f.exchangeTimeout}
	}
	f.logger = logging.OrNop(f.logger).Named("oauthflow")
	f.nonces = NewNonceStore(f.stateTTL, f.clock, f.logger)
	return f, nil
}

// Start runs background cleanup of expired states.
func (f *Flow) Start() { f.nonces.Start() }

// Stop ends background cleanup.
func (f *Flow) Stop() { f.nonces.Stop() }

// BuildAuthorizationURL returns the provider consent URL for (userID, tool)
// and the state embedded in it.
func (f *Flow) BuildAuthorizationURL(ctx context.Context, userID, tool string) (string, string, error) {
	if userID == "" {
		return "", "", ErrMissingUser
	}
	cfg := f.providers.OAuthConfig(tool)
	if cfg == nil {
		return "", "", fmt.Errorf("%w: %s", ErrProviderUnavailable, tool)
	}

	nonce, err := newNonce()
	if err != nil {
		return "", "", fmt.Errorf("oauthflow: generate nonce: %w", err)
	}
	state, err := signState(f.secret, statePayload{
		UserID:   userID,
		Tool:     tool,
		Nonce:    nonce,
		IssuedAt: f.clock.Now().Unix(),
	})
	if err != nil {
		return "", "", fmt.Errorf("oauthflow: sign state: %w", err)
	}
	f.nonces.Put(nonce, userID, tool)

	url := cfg.AuthCodeURL(state, f.providers.AuthCodeOptions(tool)...)
	logging.FromContext(ctx, f.logger).Info("authorization started",
		zap.String("user_id", userID), zap.String("tool", tool))
	return url, state, nil
}

// HandleCallback completes a flow received on /callback/{pathProvider}.
// Any state problem yields ErrInvalidState before any network call,
// persistence or audit write.
func (f *Flow) HandleCallback(ctx context.Context, pathProvider, code, state string) Result {
	logger := logging.FromContext(ctx, f.logger).With(zap.String("path_provider", pathProvider))

	payload, err := parseState(f.secret, state)
	if err != nil {
		logger.Warn("rejected callback state", zap.Error(err))
		return Result{Err: ErrInvalidState}
	}
	res := Result{UserID: payload.UserID, Tool: payload.Tool}

	if !f.providers.IsAvailable(payload.Tool) || !f.providers.MatchesCallback(pathProvider, payload.Tool) {
		logger.Warn("callback provider does not match state", zap.String("tool", payload.Tool))
		res.Err = ErrInvalidState
		return res
	}
	if f.clock.Now().Sub(time.Unix(payload.IssuedAt, 0)) > f.stateTTL {
		f.nonces.Consume(payload.Nonce, payload.UserID, payload.Tool)
		logger.Warn("callback state expired", zap.String("tool", payload.Tool))
		res.Err = ErrInvalidState
		return res
	}
	if !f.nonces.Consume(payload.Nonce, payload.UserID, payload.Tool) {
		logger.Warn("callback state unknown or already used", zap.String("tool", payload.Tool))
		res.Err = ErrInvalidState
		return res
	}

	if code == "" {
		res.Err = fmt.Errorf("%w: missing authorization code", ErrTokenExchange)
		f.recordFailure(ctx, res, res.Err)
		return res
	}

	cfg := f.providers.OAuthConfig(payload.Tool)
	exchangeCtx, cancel := context.WithTimeout(ctx, f.exchangeTimeout)
	defer cancel()
	exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, f.httpClient)

	tok, err := cfg.Exchange(exchangeCtx, code)
	if err != nil {
		logger.Warn("code exchange failed", zap.String("tool", payload.Tool), zap.Error(err))
		res.Err = fmt.Errorf("%w: %w", ErrTokenExchange, err)
		f.recordFailure(ctx, res, err)
		return res
	}

	if _, err := f.saver.StoreTokens(ctx, payload.UserID, payload.Tool, tok); err != nil {
		logger.Error("failed to store tokens", zap.String("tool", payload.Tool), zap.Error(err))
		res.Err = fmt.Errorf("oauthflow: store tokens: %w", err)
		f.recordFailure(ctx, res, err)
		return res
	}

	res.Success = true
	return res
}

// PendingStates returns the number of issued, unredeemed states.
func (f *Flow) PendingStates() int { return f.nonces.Len() }

func (f *Flow) recordFailure(ctx context.Context, res Result, cause error) {
	if f.recorder == nil {
		return
	}
	err := f.recorder.Record(ctx, audit.Entry{
		UserID:       res.UserID,
		Action:       models.ActionConnect,
		ToolType:     res.Tool,
		ConsentGiven: true,
		Success:      false,
		Err:          util.TruncateError(cause),
	})
	if err != nil {
		f.logger.Warn("audit write failed", zap.Error(err))
	}
}
