package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/toolbridge/internal/audit"
	"github.com/pysugar/toolbridge/internal/auth/token"
	"github.com/pysugar/toolbridge/internal/auth/tokencipher"
	"github.com/pysugar/toolbridge/internal/clock"
	"github.com/pysugar/toolbridge/internal/db"
	"github.com/pysugar/toolbridge/internal/db/models"
	"github.com/pysugar/toolbridge/internal/providers/registry"
	"gorm.io/gorm"
)

type flowFixture struct {
	flow   *Flow
	db     *gorm.DB
	store  *token.Store
	clock  *clock.Mock
	calls  *atomic.Int32
	failAt *atomic.Bool
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()

	calls := &atomic.Int32{}
	fail := &atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if fail.Load() || r.PostForm.Get("grant_type") != "authorization_code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-for-" + r.PostForm.Get("code"),
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "repo",
		})
	}))
	t.Cleanup(srv.Close)

	database, err := db.InitDB(db.BackendSQLite, filepath.Join(t.TempDir(), "flow.db"), false)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	c, err := tokencipher.New("flow-secret")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	reg := registry.New(
		registry.ProviderConfig{
			Tool: registry.GitHub, ClientID: "gh-client", ClientSecret: "gh-secret",
			RedirectURI: "https://app.example/callback/github",
			AuthURL:     "https://github.example/login/oauth/authorize",
			TokenURL:    srv.URL, Scopes: "repo read:user", AuthStyle: registry.AuthStyleParams,
		},
		registry.ProviderConfig{
			Tool: registry.Jira, Family: registry.FamilyAtlassian, ClientID: "atl-client", ClientSecret: "atl-secret",
			RedirectURI: "https://app.example/callback/jira",
			AuthURL:     "https://auth.example/authorize",
			TokenURL:    srv.URL, Scopes: "read:jira-work offline_access", AuthStyle: registry.AuthStyleParams,
			Extra:         map[string]string{"audience": "api.atlassian.com", "prompt": "consent"},
			CallbackNames: []string{registry.Jira, registry.Confluence, registry.FamilyAtlassian},
		},
	)

	mock := clock.NewMock(time.Now())
	log := audit.NewLog(database, audit.WithClock(mock))
	store := token.NewStore(database, reg, c, log, token.WithClock(mock))
	flow, err := NewFlow(reg, store, log, []byte("state-secret"), WithClock(mock))
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return &flowFixture{flow: flow, db: database, store: store, clock: mock, calls: calls, failAt: fail}
}

func (f *flowFixture) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestNewFlow_RequiresSecret(t *testing.T) {
	if _, err := NewFlow(registry.New(), nil, nil, nil); !errors.Is(err, ErrMissingStateSecret) {
		t.Fatalf("NewFlow() error = %v, want ErrMissingStateSecret", err)
	}
}

func TestBuildAuthorizationURL(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	if _, _, err := f.flow.BuildAuthorizationURL(ctx, "u1", registry.Slack); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("unknown provider error = %v, want ErrProviderUnavailable", err)
	}
	if _, _, err := f.flow.BuildAuthorizationURL(ctx, "", registry.Jira); !errors.Is(err, ErrMissingUser) {
		t.Fatalf("missing user error = %v, want ErrMissingUser", err)
	}

	raw, state, err := f.flow.BuildAuthorizationURL(ctx, "u1", registry.Jira)
	if err != nil {
		t.Fatalf("BuildAuthorizationURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	checks := map[string]string{
		"response_type": "code",
		"client_id":     "atl-client",
		"redirect_uri":  "https://app.example/callback/jira",
		"scope":         "read:jira-work offline_access",
		"state":         state,
		"audience":      "api.atlassian.com",
		"prompt":        "consent",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("query %s = %q, want %q", k, got, want)
		}
	}
	if !strings.HasPrefix(raw, "https://auth.example/authorize?") {
		t.Errorf("url = %s", raw)
	}
	if f.flow.PendingStates() != 1 {
		t.Errorf("PendingStates() = %d, want 1", f.flow.PendingStates())
	}
}

func TestHandleCallback_Success(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	_, state, err := f.flow.BuildAuthorizationURL(ctx, "u1", registry.GitHub)
	if err != nil {
		t.Fatalf("BuildAuthorizationURL: %v", err)
	}

	res := f.flow.HandleCallback(ctx, registry.GitHub, "abc", state)
	if !res.Success || res.Err != nil {
		t.Fatalf("HandleCallback() = %+v", res)
	}
	if res.UserID != "u1" || res.Tool != registry.GitHub {
		t.Fatalf("result identity = %s/%s", res.UserID, res.Tool)
	}

	got, err := f.store.Get(ctx, "u1", registry.GitHub)
	if err != nil || got != "access-for-abc" {
		t.Fatalf("stored token = %q, %v", got, err)
	}

	var connect models.AuditLogEntry
	if err := f.db.Where("action = ?", models.ActionConnect).First(&connect).Error; err != nil {
		t.Fatalf("CONNECT entry: %v", err)
	}
	if !connect.Success || connect.IntegrationID == nil {
		t.Fatalf("CONNECT entry = %+v", connect)
	}

	replay := f.flow.HandleCallback(ctx, registry.GitHub, "abc", state)
	if !errors.Is(replay.Err, ErrInvalidState) {
		t.Fatalf("replayed state error = %v, want ErrInvalidState", replay.Err)
	}
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("token endpoint called %d times, want 1", n)
	}
}

func TestHandleCallback_FamilyCallbackPath(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	_, state, _ := f.flow.BuildAuthorizationURL(ctx, "u1", registry.Jira)
	res := f.flow.HandleCallback(ctx, registry.FamilyAtlassian, "xyz", state)
	if !res.Success {
		t.Fatalf("HandleCallback() = %+v, want success via family path", res)
	}
}

func TestHandleCallback_TamperedStateTouchesNothing(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	_, state, _ := f.flow.BuildAuthorizationURL(ctx, "u1", registry.GitHub)
	body, sig, _ := strings.Cut(state, ".")

	forged, err := signState([]byte("attacker"), statePayload{UserID: "victim", Tool: registry.GitHub, Nonce: "n", IssuedAt: f.clock.Now().Unix()})
	if err != nil {
		t.Fatal(err)
	}
	flipped := []byte(body)
	flipped[len(flipped)/2] ^= 0x01

	cases := map[string]string{
		"empty":          "",
		"no signature":   body,
		"garbage":        "not-a-state",
		"flipped body":   string(flipped) + "." + sig,
		"wrong key":      forged,
		"truncated sig":  body + "." + sig[:len(sig)-2],
		"signature only": "." + sig,
	}
	for name, st := range cases {
		t.Run(name, func(t *testing.T) {
			res := f.flow.HandleCallback(ctx, registry.GitHub, "abc", st)
			if res.Success || !errors.Is(res.Err, ErrInvalidState) {
				t.Fatalf("HandleCallback() = %+v, want ErrInvalidState", res)
			}
		})
	}

	if n := f.calls.Load(); n != 0 {
		t.Fatalf("token endpoint called %d times, want 0", n)
	}
	if n := f.count(t, &models.Integration{}); n != 0 {
		t.Fatalf("integration rows = %d, want 0", n)
	}
	if n := f.count(t, &models.AuditLogEntry{}); n != 0 {
		t.Fatalf("audit rows = %d, want 0", n)
	}
}

func TestHandleCallback_PathMismatch(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	_, state, _ := f.flow.BuildAuthorizationURL(ctx, "u1", registry.GitHub)
	res := f.flow.HandleCallback(ctx, registry.Jira, "abc", state)
	if !errors.Is(res.Err, ErrInvalidState) {
		t.Fatalf("HandleCallback() error = %v, want ErrInvalidState", res.Err)
	}
	if n := f.calls.Load(); n != 0 {
		t.Fatalf("token endpoint called %d times, want 0", n)
	}
}

func TestHandleCallback_ExpiredState(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	_, state, _ := f.flow.BuildAuthorizationURL(ctx, "u1", registry.GitHub)
	f.clock.Advance(DefaultStateTTL + time.Second)

	res := f.flow.HandleCallback(ctx, registry.GitHub, "abc", state)
	if !errors.Is(res.Err, ErrInvalidState) {
		t.Fatalf("HandleCallback() error = %v, want ErrInvalidState", res.Err)
	}
	if f.flow.PendingStates() != 0 {
		t.Fatalf("expired nonce should be consumed")
	}
}

func TestHandleCallback_ExchangeFailure(t *testing.T) {
	f := newFlowFixture(t)
	f.failAt.Store(true)
	ctx := context.Background()

	_, state, _ := f.flow.BuildAuthorizationURL(ctx, "u1", registry.GitHub)
	res := f.flow.HandleCallback(ctx, registry.GitHub, "abc", state)
	if !errors.Is(res.Err, ErrTokenExchange) {
		t.Fatalf("HandleCallback() error = %v, want ErrTokenExchange", res.Err)
	}
	if n := f.count(t, &models.Integration{}); n != 0 {
		t.Fatalf("integration rows = %d, want 0", n)
	}

	var entry models.AuditLogEntry
	if err := f.db.Where("action = ?", models.ActionConnect).First(&entry).Error; err != nil {
		t.Fatalf("CONNECT entry: %v", err)
	}
	if entry.Success || entry.ErrorMessage == nil {
		t.Fatalf("CONNECT entry = %+v, want failure with message", entry)
	}
}

func TestHandleCallback_EmptyCode(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	_, state, _ := f.flow.BuildAuthorizationURL(ctx, "u1", registry.GitHub)
	res := f.flow.HandleCallback(ctx, registry.GitHub, "", state)
	if !errors.Is(res.Err, ErrTokenExchange) {
		t.Fatalf("HandleCallback() error = %v, want ErrTokenExchange", res.Err)
	}
	if n := f.calls.Load(); n != 0 {
		t.Fatalf("token endpoint called %d times, want 0", n)
	}
}

func TestNonceStore(t *testing.T) {
	mock := clock.NewMock(time.Now())
	s := NewNonceStore(time.Minute, mock, nil)

	s.Put("n1", "u1", "github")
	if s.Consume("n1", "u2", "github") {
		t.Fatal("nonce must not redeem for another user")
	}
	if s.Consume("n1", "u1", "github") {
		t.Fatal("a failed redemption still burns the nonce")
	}

	s.Put("n2", "u1", "github")
	s.Put("n3", "u1", "jira")
	mock.Advance(2 * time.Minute)
	if removed := s.cleanup(); removed != 2 {
		t.Fatalf("cleanup() removed %d, want 2", removed)
	}

	s.Start()
	s.Stop()
	s.Stop()
}
