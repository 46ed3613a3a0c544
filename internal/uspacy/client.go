// Package uspacy implements the client side of the Uspacy
// collaboration suite: the REST API, the notifications WebSocket
// session, and the supervision that keeps the session alive.
package uspacy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	uerrors "github.com/alexjbarnes/uspacy-notify/internal/errors"
	"github.com/tidwall/gjson"
)

const (
	// maxRedirects limits redirect chains to prevent redirect loops.
	maxRedirects = 10

	// httpClientTimeout bounds each API request.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response reads. Notification feeds run
	// larger than the other endpoints, so this is generous.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// tokenRefreshWindow is how close to expiry the access token may
	// get before it is refreshed ahead of use.
	tokenRefreshWindow = 60 * time.Second
)

// TransientError wraps errors that may succeed on retry, such as
// network failures and server overload responses.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether an error is a TransientError, indicating
// the operation may succeed on retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// isTransientStatus reports whether an HTTP status code indicates a
// transient failure worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// sameHostRedirectPolicy blocks redirects that leave the original host,
// so the bearer token is never replayed to a third party.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}

	if len(via) > 0 && req.URL.Host != via[0].URL.Host {
		return fmt.Errorf("refusing redirect to different host %q", req.URL.Host)
	}

	return nil
}

// sanitizeResponseBody renders an API response body safe for log lines
// and error messages: truncated, valid UTF-8, no control characters.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256

	truncated := body
	if len(truncated) > maxLen {
		truncated = truncated[:maxLen]
	}

	var b strings.Builder
	b.Grow(len(truncated))

	for len(truncated) > 0 {
		r, size := utf8.DecodeRune(truncated)
		truncated = truncated[size:]

		switch {
		case r == utf8.RuneError && size == 1:
			b.WriteByte('?')
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}

	if len(body) > maxLen {
		b.WriteString("...")
	}

	return b.String()
}

// Client talks to the Uspacy REST API. It owns the token store and
// keeps it fresh: requests carry the bearer token, and a token within
// tokenRefreshWindow of expiry is refreshed before the request goes
// out.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     *TokenStore
	logger     *slog.Logger
}

// NewClient creates an API client for the given base URL. Passing a
// nil httpClient uses a default with a timeout and a same-host
// redirect policy.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     NewTokenStore(),
		logger:     logger,
	}
}

// Tokens exposes the client's token store for persistence.
func (c *Client) Tokens() *TokenStore {
	return c.tokens
}

// Access returns the current access token. Part of the TokenProvider
// contract the WebSocket session consumes.
func (c *Client) Access() string {
	return c.tokens.Access()
}

// ExpiresWithin reports whether the access token expires within d.
func (c *Client) ExpiresWithin(d time.Duration) bool {
	return c.tokens.ExpiresWithin(d)
}

// SignIn authenticates with email and password and primes the token
// store.
func (c *Client) SignIn(ctx context.Context, email, password string) error {
	body := signInRequest{Email: email, Password: password}

	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "auth/v1/auth/sign_in", body, &resp); err != nil {
		if errors.Is(err, uerrors.ErrInvalidToken) {
			return fmt.Errorf("signing in: %w", uerrors.ErrInvalidCredentials)
		}

		return fmt.Errorf("signing in: %w", err)
	}

	if resp.JWT == "" {
		return fmt.Errorf("signing in: %w: response carried no token", uerrors.ErrAPIResponse)
	}

	c.tokens.Set(resp.JWT, resp.RefreshToken, expiryFrom(resp.ExpireInSeconds))
	c.logger.Info("signed in", slog.Time("token_expiry", c.tokens.Expiry()))

	return nil
}

// Refresh exchanges the refresh token for a new access token. The
// refresh token itself is kept: the endpoint does not rotate it.
func (c *Client) Refresh(ctx context.Context) error {
	refresh := c.tokens.RefreshToken()
	if refresh == "" {
		return fmt.Errorf("refreshing token: %w", uerrors.ErrNotSignedIn)
	}

	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "auth/v1/auth/refresh_token", refreshRequest{RefreshToken: refresh}, &resp); err != nil {
		return fmt.Errorf("refreshing token: %w", err)
	}

	if resp.JWT == "" {
		return fmt.Errorf("refreshing token: %w: response carried no token", uerrors.ErrAPIResponse)
	}

	expiry := expiryFrom(resp.ExpireInSeconds)
	if resp.RefreshToken != "" {
		c.tokens.Set(resp.JWT, resp.RefreshToken, expiry)
	} else {
		c.tokens.Update(resp.JWT, expiry)
	}

	c.logger.Debug("access token refreshed", slog.Time("token_expiry", expiry))

	return nil
}

// Resume seeds the token store from persisted tokens, for starting up
// without a fresh sign-in.
func (c *Client) Resume(access, refresh string, expiry time.Time) {
	c.tokens.Set(access, refresh, expiry)
}

// Me fetches the signed-in user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var me User
	if err := c.request(ctx, http.MethodGet, "company/v1/users/me", nil, &me); err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	return &me, nil
}

// Settings fetches the signed-in user's settings.
func (c *Client) Settings(ctx context.Context) (*UserSettings, error) {
	var settings UserSettings
	if err := c.request(ctx, http.MethodGet, "company/v1/users/me/settings/", nil, &settings); err != nil {
		return nil, fmt.Errorf("fetching user settings: %w", err)
	}

	return &settings, nil
}

// ListUsers fetches the whole company directory.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var raw json.RawMessage
	if err := c.request(ctx, http.MethodGet, "company/v1/users?list=all", nil, &raw); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	var users []User
	if err := json.Unmarshal(raw, &users); err == nil {
		return users, nil
	}

	// Some deployments wrap list responses in {"data": [...]}.
	var wrapped struct {
		Data []User `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding user list: %w", err)
	}

	return wrapped.Data, nil
}

// ListNotifications fetches the caller's notification feed as raw
// items. Normalization happens in the notification center, which also
// handles the live WebSocket shape.
func (c *Client) ListNotifications(ctx context.Context) ([]json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.request(ctx, http.MethodGet, "notifications/v1/notifications", nil, &raw); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	return rawItems(raw), nil
}

// rawItems accepts either a bare JSON array or an object wrapping one
// under "data" and returns the elements undecoded.
func rawItems(raw json.RawMessage) []json.RawMessage {
	res := gjson.ParseBytes(raw)
	if res.IsObject() {
		res = res.Get("data")
	}

	if !res.IsArray() {
		return nil
	}

	elems := res.Array()

	items := make([]json.RawMessage, 0, len(elems))
	for _, el := range elems {
		items = append(items, json.RawMessage(el.Raw))
	}

	return items
}

// expiryFrom converts the API's expire-in-seconds field to a deadline.
// A missing value gets the backend's documented default of one hour.
func expiryFrom(seconds int64) time.Time {
	if seconds <= 0 {
		seconds = 3600
	}

	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// request sends an authenticated API request, refreshing the access
// token first when it is about to lapse. Auth endpoints call do
// directly, which is what keeps this from recursing.
func (c *Client) request(ctx context.Context, method, endpoint string, body, result any) error {
	if c.tokens.ExpiresWithin(tokenRefreshWindow) && c.tokens.RefreshToken() != "" {
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("pre-request token refresh failed", slog.String("error", err.Error()))
		}
	}

	return c.do(ctx, method, endpoint, body, result)
}

// do sends one JSON request and decodes the response into result.
// Non-2xx statuses become errors carrying a sanitized body excerpt;
// auth failures map to ErrInvalidToken and retryable statuses are
// wrapped in TransientError.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := c.tokens.Access(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("%w: sending %s %s: %w", uerrors.ErrAPIRequest, method, endpoint, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned status %d: %s",
			uerrors.ErrInvalidToken, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		statusErr := fmt.Errorf("%w: %s returned status %d: %s",
			uerrors.ErrAPIResponse, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: statusErr}
		}

		return statusErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}
