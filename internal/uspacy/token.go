package uspacy

import (
	"sync"
	"time"
)

// TokenStore holds the current token triple behind a mutex. The HTTP
// client, the WebSocket session and the reconnect supervisor all read
// it concurrently.
type TokenStore struct {
	mu      sync.Mutex
	access  string
	refresh string
	expiry  time.Time
}

// NewTokenStore returns an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Set replaces the full token triple.
func (t *TokenStore) Set(access, refresh string, expiry time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.access = access
	t.refresh = refresh
	t.expiry = expiry
}

// Update replaces the access token and expiry while keeping the current
// refresh token. The refresh endpoint does not rotate refresh tokens.
func (t *TokenStore) Update(access string, expiry time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.access = access
	t.expiry = expiry
}

// Clear drops all tokens.
func (t *TokenStore) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.access = ""
	t.refresh = ""
	t.expiry = time.Time{}
}

// Access returns the current access token, or "" when not signed in.
func (t *TokenStore) Access() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.access
}

// RefreshToken returns the current refresh token, or "" when not
// signed in.
func (t *TokenStore) RefreshToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.refresh
}

// Expiry returns the access token's expiry time.
func (t *TokenStore) Expiry() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.expiry
}

// ExpiresWithin reports whether an access token is held and enters its
// final window of validity within d. A token with no recorded expiry
// counts as expiring.
func (t *TokenStore) ExpiresWithin(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.access == "" {
		return false
	}

	return time.Now().After(t.expiry.Add(-d))
}
