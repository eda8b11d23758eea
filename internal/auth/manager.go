// Package auth owns the access-token lifecycle: storage, expiry detection,
// single-flight refresh and change notification for everything that sends
// authenticated traffic.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenStore persists the token across restarts. May be nil, in which case
// the manager is memory-only.
type TokenStore interface {
	SetToken(token string, expiresAt time.Time) error
	ClearToken() error
	Token() (token string, expiresAt time.Time, ok bool)
}

// RefreshFunc performs the actual refresh call and returns the new token
// with its TTL. It runs at most once per refresh cycle regardless of how
// many callers are waiting.
type RefreshFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

type refreshResult struct {
	token string
	err   error
}

// Manager is the sole mutator of the access token. All notification runs
// synchronously on the mutating call, matching the contract that every
// subscriber sees exactly one event per set/clear.
type Manager struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	lead      time.Duration

	store TokenStore

	subs    map[int]func(token string, ok bool)
	nextSub int

	refreshing bool
	waiters    []chan refreshResult
}

// NewManager builds a manager with the given refresh lead time (how long
// before actual expiry a token is reported expired). A persisted token, if
// any, is loaded without notifying subscribers (there are none yet).
func NewManager(lead time.Duration, ts TokenStore) *Manager {
	m := &Manager{lead: lead, store: ts, subs: make(map[int]func(string, bool))}
	if ts != nil {
		if tok, exp, ok := ts.Token(); ok {
			m.token = tok
			m.expiresAt = exp
		}
	}
	return m
}

// SetToken stores the token and its expiry. An embedded JWT exp claim wins
// over the fallback TTL when it is later than now. An empty token is a
// silent no-op: upstream code already logged the bad response, and wiping
// a working token over it would make things worse.
func (m *Manager) SetToken(token string, ttl time.Duration) {
	if token == "" {
		return
	}
	expiry := time.Now().Add(ttl)
	if claimExp, ok := expiryClaim(token); ok && claimExp.After(time.Now()) {
		expiry = claimExp
	}

	m.mu.Lock()
	m.token = token
	m.expiresAt = expiry
	if m.store != nil {
		_ = m.store.SetToken(token, expiry)
	}
	subs := m.snapshotSubsLocked()
	m.mu.Unlock()

	for _, fn := range subs {
		fn(token, true)
	}
}

// ClearToken removes the token and notifies subscribers with an absent
// value. Idempotent.
func (m *Manager) ClearToken() {
	m.mu.Lock()
	m.token = ""
	m.expiresAt = time.Time{}
	if m.store != nil {
		_ = m.store.ClearToken()
	}
	subs := m.snapshotSubsLocked()
	m.mu.Unlock()

	for _, fn := range subs {
		fn("", false)
	}
}

func (m *Manager) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.token != ""
}

// IsExpired reports whether the token is absent or within the refresh lead
// window of its expiry.
func (m *Manager) IsExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return true
	}
	return !time.Now().Before(m.expiresAt.Add(-m.lead))
}

// Subscribe registers a callback invoked on every set/clear. The returned
// function unsubscribes; calling it more than once is harmless.
func (m *Manager) Subscribe(fn func(token string, ok bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Refresh serializes concurrent refresh attempts into one in-flight call.
// The first caller runs do; everyone else queues behind it and shares the
// result. On success the new token is stored via SetToken before waiters
// are released, so every caller observes the refreshed token.
func (m *Manager) Refresh(ctx context.Context, do RefreshFunc) (string, error) {
	m.mu.Lock()
	if m.refreshing {
		ch := make(chan refreshResult, 1)
		m.waiters = append(m.waiters, ch)
		m.mu.Unlock()
		select {
		case res := <-ch:
			return res.token, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.refreshing = true
	m.mu.Unlock()

	token, ttl, err := do(ctx)
	if err == nil {
		m.SetToken(token, ttl)
	}

	m.mu.Lock()
	m.refreshing = false
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- refreshResult{token: token, err: err}
	}
	return token, err
}

func (m *Manager) snapshotSubsLocked() []func(string, bool) {
	out := make([]func(string, bool), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}

// expiryClaim extracts the exp claim without verifying the signature; the
// client only uses it for scheduling, never for trust decisions.
func expiryClaim(token string) (time.Time, bool) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
