// Package credential owns the access-token lifecycle: a single-flight
// refresh mutex so concurrent callers trigger exactly one upstream
// refresh, and a retry wrapper that refreshes once on auth failures and
// never on billing failures.
package credential

import (
	"context"
	"sync"
	"time"
)

// Token is a committed access token. Readers only ever observe
// committed tokens, never a value from an unresolved refresh.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token is usable at time now, with a small
// safety margin so a token about to expire counts as expired.
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Add(30*time.Second).Before(t.ExpiresAt)
}

// RefreshFunc performs one upstream token refresh.
type RefreshFunc func(ctx context.Context) (Token, error)

type flight struct {
	done chan struct{}
	tok  Token
	err  error
}

// Mutex is the explicitly owned single-flight refresh state. Construct
// one per credential and pass it by reference; tests can instantiate
// isolated instances.
type Mutex struct {
	refresh RefreshFunc
	now     func() time.Time

	mu       sync.Mutex
	token    Token
	inflight *flight
}

// NewMutex creates a refresh mutex around the given refresh function.
func NewMutex(refresh RefreshFunc) *Mutex {
	return &Mutex{refresh: refresh, now: time.Now}
}

// Token returns the current access token, refreshing it when expired.
// If a refresh is already in flight the caller joins it; otherwise the
// caller performs the refresh and publishes it for the others. The
// in-flight slot is cleared on settle (success or failure) so a later
// expiry triggers a fresh attempt.
func (m *Mutex) Token(ctx context.Context) (Token, error) {
	m.mu.Lock()
	if m.token.Valid(m.now()) {
		tok := m.token
		m.mu.Unlock()
		return tok, nil
	}
	return m.refreshLocked(ctx)
}

// ForceRefresh discards the cached token and obtains a new one. Used by
// the retry wrapper after an upstream auth failure. Concurrent forced
// refreshes still collapse into a single upstream call.
func (m *Mutex) ForceRefresh(ctx context.Context) (Token, error) {
	m.mu.Lock()
	m.token = Token{}
	return m.refreshLocked(ctx)
}

// refreshLocked joins or starts the in-flight refresh. Called with
// m.mu held; releases it before blocking.
func (m *Mutex) refreshLocked(ctx context.Context) (Token, error) {
	if f := m.inflight; f != nil {
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.tok, f.err
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	m.inflight = f
	m.mu.Unlock()

	tok, err := m.refresh(ctx)

	m.mu.Lock()
	if err == nil {
		m.token = tok
	}
	m.inflight = nil
	m.mu.Unlock()

	f.tok, f.err = tok, err
	close(f.done)
	return tok, err
}

// Current returns the committed token without triggering a refresh.
func (m *Mutex) Current() Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}
