package oauthflow

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/toolbridge/internal/clock"
	"go.uber.org/zap"
)

// DefaultStateTTL bounds the time between BuildAuthorizationURL and the callback.
const DefaultStateTTL = 10 * time.Minute

var errMalformedState = errors.New("malformed state")

// statePayload is the signed content of the OAuth state parameter.
type statePayload struct {
	UserID   string `json:"user_id"`
	Tool     string `json:"tool"`
	Nonce    string `json:"nonce"`
	IssuedAt int64  `json:"issued_at"`
}

// signState renders base64url(json) + "." + base64url(HMAC-SHA256(json)).
func signState(secret []byte, p statePayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(raw)
	return body + "." + base64.RawURLEncoding.EncodeToString(stateMAC(secret, body)), nil
}

// parseState verifies the signature before decoding anything.
func parseState(secret []byte, state string) (statePayload, error) {
	body, sig, ok := strings.Cut(state, ".")
	if !ok || body == "" || sig == "" {
		return statePayload{}, errMalformedState
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return statePayload{}, errMalformedState
	}
	if !hmac.Equal(got, stateMAC(secret, body)) {
		return statePayload{}, errors.New("state signature mismatch")
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return statePayload{}, errMalformedState
	}
	var p statePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return statePayload{}, fmt.Errorf("%w: %v", errMalformedState, err)
	}
	if p.UserID == "" || p.Tool == "" || p.Nonce == "" {
		return statePayload{}, errMalformedState
	}
	return p, nil
}

func stateMAC(secret []byte, body string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(body))
	return mac.Sum(nil)
}

func newNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type pendingState struct {
	userID    string
	tool      string
	createdAt time.Time
}

// NonceStore remembers issued state nonces so each can complete one callback.
type NonceStore struct {
	mu     sync.Mutex
	nonces map[string]pendingState

	ttl      time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewNonceStore creates a store. Call Start to run the expiry cleanup.
func NewNonceStore(ttl time.Duration, clk clock.Clock, logger *zap.Logger) *NonceStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NonceStore{
		nonces: make(map[string]pendingState),
		ttl:    ttl,
		clock:  clk,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Put records a nonce issued for (userID, tool).
func (s *NonceStore) Put(nonce, userID, tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[nonce] = pendingState{userID: userID, tool: tool, createdAt: s.clock.Now()}
}

// Consume removes nonce and reports whether it was pending, unexpired and
// issued for the same (userID, tool). A nonce never succeeds twice.
func (s *NonceStore) Consume(nonce, userID, tool string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.nonces[nonce]
	if !ok {
		return false
	}
	delete(s.nonces, nonce)
	if s.clock.Now().Sub(pending.createdAt) > s.ttl {
		return false
	}
	return pending.userID == userID && pending.tool == tool
}

// Len returns the number of pending nonces.
func (s *NonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces)
}

// Start runs the cleanup loop until Stop.
func (s *NonceStore) Start() {
	go s.cleanupLoop()
}

// Stop ends the cleanup loop. Safe to call more than once.
func (s *NonceStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *NonceStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

func (s *NonceStore) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	count := 0
	for nonce, pending := range s.nonces {
		if now.Sub(pending.createdAt) > s.ttl {
			delete(s.nonces, nonce)
			count++
		}
	}
	if count > 0 {
		s.logger.Debug("cleaned up expired oauth states", zap.Int("count", count))
	}
	return count
}
