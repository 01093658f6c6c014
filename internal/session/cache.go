// Package session holds freshly fetched third-party payloads in memory for a
// bounded time. Payloads never leave the process: they are not serialized,
// logged or written to any store.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pysugar/toolbridge/internal/audit"
	"github.com/pysugar/toolbridge/internal/clock"
	"github.com/pysugar/toolbridge/internal/db/models"
	"github.com/pysugar/toolbridge/internal/logging"
	"go.uber.org/zap"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

var ErrInvalidSession = errors.New("session: user id and tool are required")

// Session is one cached fetch result.
type Session struct {
	ID        string
	UserID    string
	Tool      string
	Payload   any
	ItemCount int
	FetchedAt time.Time
	ExpiresAt time.Time
	Consent   bool
}

// Info is session metadata without the payload.
type Info struct {
	ID        string    `json:"session_id"`
	Tool      string    `json:"tool"`
	ItemCount int       `json:"item_count"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Session) info() Info {
	return Info{ID: s.ID, Tool: s.Tool, ItemCount: s.ItemCount, FetchedAt: s.FetchedAt, ExpiresAt: s.ExpiresAt}
}

// Cache is a TTL-bound in-memory session store.
type Cache struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl           time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
	recorder      audit.Recorder
	logger        *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type Option func(*Cache)

// WithTTL sets the lifetime of new sessions.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithSweepInterval sets how often expired sessions are evicted.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

func WithClock(clk clock.Clock) Option { return func(c *Cache) { c.clock = clk } }

// WithRecorder enables DATA_CLEARED audit entries for explicit clears.
func WithRecorder(r audit.Recorder) Option { return func(c *Cache) { c.recorder = r } }

func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.logger = l } }

// NewCache creates an empty cache. Start launches the sweep.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		sessions:      make(map[string]*Session),
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		clock:         clock.Real{},
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("session")
	return c
}

// TTL returns the lifetime given to new sessions.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Start launches the background sweep.
func (c *Cache) Start() {
	c.startOnce.Do(func() {
		go c.sweepLoop()
	})
}

// Stop ends the sweep and drops every session.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			<-c.done
		}

		c.mu.Lock()
		n := len(c.sessions)
		for id, s := range c.sessions {
			s.Payload = nil
			delete(c.sessions, id)
		}
		c.mu.Unlock()
		c.logger.Info("session cache stopped", zap.Int("dropped", n))
	})
}

func (c *Cache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// CreateSession stores payload and returns the new session id and its expiry.
func (c *Cache) CreateSession(ctx context.Context, userID, tool string, payload any, itemCount int, consent bool) (string, time.Time, error) {
	if userID == "" || tool == "" {
		return "", time.Time{}, ErrInvalidSession
	}
	id, err := newSessionID()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session: generate id: %w", err)
	}

	now := c.clock.Now()
	s := &Session{
		ID:        id,
		UserID:    userID,
		Tool:      tool,
		Payload:   payload,
		ItemCount: itemCount,
		FetchedAt: now,
		ExpiresAt: now.Add(c.ttl),
		Consent:   consent,
	}

	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()

	logging.FromContext(ctx, c.logger).Debug("session created",
		zap.String("user_id", userID),
		zap.String("tool", tool),
		zap.Int("item_count", itemCount),
		zap.Time("expires_at", s.ExpiresAt))
	return id, s.ExpiresAt, nil
}

// GetSession returns a copy of the session if it exists, belongs to userID
// and has not expired. An expired session is evicted.
func (c *Cache) GetSession(id, userID string) (*Session, bool) {
	c.mu.RLock()
	s, ok := c.sessions[id]
	var cp Session
	if ok {
		cp = *s
	}
	c.mu.RUnlock()
	if !ok || cp.UserID != userID {
		return nil, false
	}

	if c.clock.Now().After(cp.ExpiresAt) {
		c.mu.Lock()
		if cur, ok := c.sessions[id]; ok && c.clock.Now().After(cur.ExpiresAt) {
			cur.Payload = nil
			delete(c.sessions, id)
		}
		c.mu.Unlock()
		return nil, false
	}
	return &cp, true
}

// ExtendSession pushes the expiry of a live session forward by extra.
func (c *Cache) ExtendSession(id, userID string, extra time.Duration) (time.Time, bool) {
	if extra <= 0 {
		return time.Time{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok || s.UserID != userID {
		return time.Time{}, false
	}
	if c.clock.Now().After(s.ExpiresAt) {
		s.Payload = nil
		delete(c.sessions, id)
		return time.Time{}, false
	}
	s.ExpiresAt = s.ExpiresAt.Add(extra)
	return s.ExpiresAt, true
}

// ClearSession removes one session.
func (c *Cache) ClearSession(ctx context.Context, id string) bool {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if ok {
		s.Payload = nil
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	if ok {
		c.recordCleared(ctx, []*Session{s})
	}
	return ok
}

// ClearUserSessions removes every session of userID.
func (c *Cache) ClearUserSessions(ctx context.Context, userID string) int {
	return c.clearWhere(ctx, func(s *Session) bool { return s.UserID == userID })
}

// ClearToolSessions removes userID's sessions for tool.
func (c *Cache) ClearToolSessions(ctx context.Context, userID, tool string) int {
	return c.clearWhere(ctx, func(s *Session) bool { return s.UserID == userID && s.Tool == tool })
}

func (c *Cache) clearWhere(ctx context.Context, match func(*Session) bool) int {
	var cleared []*Session
	c.mu.Lock()
	for id, s := range c.sessions {
		if match(s) {
			s.Payload = nil
			delete(c.sessions, id)
			cleared = append(cleared, s)
		}
	}
	c.mu.Unlock()

	c.recordCleared(ctx, cleared)
	return len(cleared)
}

// Sweep evicts every expired session and returns how many were removed.
// Expiry evictions are not audited.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	count := 0
	for id, s := range c.sessions {
		if now.After(s.ExpiresAt) {
			s.Payload = nil
			delete(c.sessions, id)
			count++
		}
	}
	c.mu.Unlock()

	if count > 0 {
		c.logger.Debug("evicted expired sessions", zap.Int("count", count))
	}
	return count
}

// Len returns the number of stored sessions, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Active returns the number of unexpired sessions across all users.
func (c *Cache) Active() int {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.sessions {
		if !now.After(s.ExpiresAt) {
			n++
		}
	}
	return n
}

// CountForUser returns the number of live sessions of userID.
func (c *Cache) CountForUser(userID string) int {
	return len(c.ListForUser(userID))
}

// ListForUser returns metadata of userID's live sessions, newest first.
func (c *Cache) ListForUser(userID string) []Info {
	now := c.clock.Now()
	c.mu.RLock()
	var out []Info
	for _, s := range c.sessions {
		if s.UserID == userID && !now.After(s.ExpiresAt) {
			out = append(out, s.info())
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FetchedAt.Equal(out[j].FetchedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FetchedAt.After(out[j].FetchedAt)
	})
	return out
}

func (c *Cache) recordCleared(ctx context.Context, cleared []*Session) {
	if len(cleared) == 0 {
		return
	}
	logger := logging.FromContext(ctx, c.logger)
	logger.Info("sessions cleared", zap.Int("count", len(cleared)))
	if c.recorder == nil {
		return
	}
	for _, s := range cleared {
		err := c.recorder.Record(ctx, audit.Entry{
			UserID:       s.UserID,
			Action:       models.ActionDataCleared,
			ToolType:     s.Tool,
			ConsentGiven: s.Consent,
			Success:      true,
			SessionID:    s.ID,
		})
		if err != nil {
			logger.Warn("audit write failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
