// Package auth implements the OAuth 2.1 surface protecting the MCP
// endpoint: dynamic client registration, the authorization-code grant
// with PKCE, and Bearer token validation. The daemon is authorization
// server and resource server in one. Everything lives in memory, so a
// restart revokes all issued tokens.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/uspacy-notify/internal/models"
)

// AuthCode is a pending authorization code, bound to the client,
// redirect URI, PKCE challenge, and resource it was issued for.
type AuthCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Resource      string
	UserID        string
	Scopes        []string
	ExpiresAt     time.Time
}

const (
	// maxClients bounds the client table; registration is
	// unauthenticated, so without a cap anyone could grow it forever.
	maxClients = 100

	// maxRegistrationsPerMinute throttles /oauth/register.
	maxRegistrationsPerMinute = 10

	// csrfExpiry is how long a login form stays submittable.
	csrfExpiry = 10 * time.Minute

	// cleanupInterval paces the expiry reaper.
	cleanupInterval = 5 * time.Minute
)

// csrfEntry tracks a CSRF token with its expiry and the OAuth request
// it was issued for, so a token minted on one login form cannot be
// replayed on another.
type csrfEntry struct {
	expiresAt   time.Time
	clientID    string
	redirectURI string
}

// Store is the in-memory home of all OAuth state: registered clients,
// pending codes, issued tokens, and outstanding CSRF tokens.
type Store struct {
	logger *slog.Logger

	mu      sync.RWMutex
	codes   map[string]*AuthCode           // keyed by code
	tokens  map[string]*models.OAuthToken  // keyed by token
	clients map[string]*models.OAuthClient // keyed by client_id
	csrf    map[string]csrfEntry           // keyed by csrf token
	stopGC  chan struct{}

	// registrationTimes holds recent registration timestamps for the
	// /oauth/register throttle.
	registrationTimes []time.Time
}

// NewStore returns an empty store with its expiry reaper running.
// Stop shuts the reaper down.
func NewStore(logger *slog.Logger) *Store {
	s := &Store{
		logger:  logger,
		codes:   make(map[string]*AuthCode),
		tokens:  make(map[string]*models.OAuthToken),
		clients: make(map[string]*models.OAuthClient),
		csrf:    make(map[string]csrfEntry),
		stopGC:  make(chan struct{}),
	}

	go s.gcLoop()

	return s
}

// Stop shuts down the expiry reaper.
func (s *Store) Stop() {
	close(s.stopGC)
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup drops every expired code, token, and CSRF entry.
func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped int

	for k, ac := range s.codes {
		if now.After(ac.ExpiresAt) {
			delete(s.codes, k)
			reaped++
		}
	}

	for k, ti := range s.tokens {
		if now.After(ti.ExpiresAt) {
			delete(s.tokens, k)
			reaped++
		}
	}

	for k, entry := range s.csrf {
		if now.After(entry.expiresAt) {
			delete(s.csrf, k)
			reaped++
		}
	}

	if reaped > 0 && s.logger != nil {
		s.logger.Debug("reaped expired OAuth entries", slog.Int("count", reaped))
	}
}

// SaveCode records a freshly issued authorization code.
func (s *Store) SaveCode(ac *AuthCode) {
	s.mu.Lock()
	s.codes[ac.Code] = ac
	s.mu.Unlock()
}

// ConsumeCode looks up a code and removes it in the same step, so a
// code can only ever be exchanged once. Returns nil for unknown or
// expired codes.
func (s *Store) ConsumeCode(code string) *AuthCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil
	}

	delete(s.codes, code)

	if time.Now().After(ac.ExpiresAt) {
		return nil
	}

	return ac
}

// SaveToken records an issued access token.
func (s *Store) SaveToken(ti *models.OAuthToken) {
	s.mu.Lock()
	s.tokens[ti.Token] = ti
	s.mu.Unlock()
}

// ValidateToken returns the live token record for the given token
// string, or nil when it is unknown or expired.
func (s *Store) ValidateToken(token string) *models.OAuthToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ti, ok := s.tokens[token]
	if !ok {
		return nil
	}

	if time.Now().After(ti.ExpiresAt) {
		return nil
	}

	return ti
}

// RegistrationAllowed consumes one slot of the registration throttle,
// reporting false once the per-minute budget is spent.
func (s *Store) RegistrationAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	window := now.Add(-1 * time.Minute)

	valid := s.registrationTimes[:0]

	for _, t := range s.registrationTimes {
		if t.After(window) {
			valid = append(valid, t)
		}
	}

	s.registrationTimes = valid

	if len(s.registrationTimes) >= maxRegistrationsPerMinute {
		return false
	}

	s.registrationTimes = append(s.registrationTimes, now)

	return true
}

// RegisterClient adds a client registration, refusing once the client
// table is full.
func (s *Store) RegisterClient(ci *models.OAuthClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) >= maxClients {
		return false
	}

	s.clients[ci.ClientID] = ci

	return true
}

// GetClient returns the registration for client_id, or nil.
func (s *Store) GetClient(clientID string) *models.OAuthClient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clients[clientID]
}

// SaveCSRF stores a CSRF token bound to the OAuth request parameters it
// was issued with.
func (s *Store) SaveCSRF(token, clientID, redirectURI string) {
	s.mu.Lock()
	s.csrf[token] = csrfEntry{
		expiresAt:   time.Now().Add(csrfExpiry),
		clientID:    clientID,
		redirectURI: redirectURI,
	}
	s.mu.Unlock()
}

// ConsumeCSRF retrieves and deletes a CSRF token. Returns false if the
// token is missing, expired, or was issued for a different client or
// redirect URI than the one now submitting the form.
func (s *Store) ConsumeCSRF(token, clientID, redirectURI string) bool {
	if token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.csrf[token]
	if !ok {
		return false
	}

	delete(s.csrf, token)

	if entry.clientID != clientID || entry.redirectURI != redirectURI {
		return false
	}

	return time.Now().Before(entry.expiresAt)
}

// RandomHex returns byteLen bytes of crypto/rand output, hex encoded.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
