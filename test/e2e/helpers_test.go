package e2e_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/uspacy-notify/internal/auth"
	"github.com/alexjbarnes/uspacy-notify/internal/mcpserver"
	"github.com/alexjbarnes/uspacy-notify/internal/models"
	"github.com/alexjbarnes/uspacy-notify/internal/notify"
	"github.com/alexjbarnes/uspacy-notify/internal/server"
	"github.com/alexjbarnes/uspacy-notify/internal/uspacy"
)

const (
	testUsername = "testuser"
	testPassword = "testpass"
	pkceVerifier = "e2e-test-pkce-verifier-that-is-long-enough"
	redirectURI  = "http://127.0.0.1:19876/callback"
)

// harness is the live e2e stack: an httptest server running the OAuth
// layer and the MCP tool server over a seeded notification feed.
type harness struct {
	URL    string
	Store  *auth.Store
	Center *notify.Center
	Client *http.Client
}

// seedFeed is the notification fixture behind every harness: two unread
// records (one mentioning the signed-in user) and one already read.
func seedFeed() []models.Notification {
	return []models.Notification{
		{
			ID:        "n-3",
			Type:      "comment_added",
			Data:      json.RawMessage(`{"entity":{"message":"<p>Deploy finished</p>"}}`),
			CreatedAt: 3000,
			Topic:     "user_7",
			Domain:    "tasks",
		},
		{
			ID:          "n-2",
			Type:        "mentioned",
			Data:        json.RawMessage(`{"entity":{"message":"<p>ping @you</p>"}}`),
			CreatedAt:   2000,
			MentionedMe: true,
		},
		{
			ID:        "n-1",
			Type:      "task_assigned",
			CreatedAt: 1000,
			Read:      true,
		},
	}
}

// newHarness seeds a feed and a user directory, wires up the full
// OAuth + MCP HTTP stack via server.NewMux, and starts an httptest
// server. The login user carries a bcrypt hash so the whole credential
// path is exercised the way production configures it.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	center := notify.NewCenter(nil, nil, "7", logger)
	center.Seed(seedFeed())

	directory := uspacy.NewDirectory(logger)
	directory.Reload([]uspacy.User{
		{ID: "7", AuthUserID: "77", FirstName: "Olena", LastName: "Shevchenko", Email: "olena@example.com"},
		{ID: "8", AuthUserID: "88", FirstName: "Taras", LastName: "Bondar", Email: "taras@example.com"},
	})

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "uspacy-notify-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, center, directory)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	store := auth.NewStore(logger)
	t.Cleanup(store.Stop)

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)

	users := auth.UserCredentials{testUsername: hash}

	// The mux needs its own URL for audience validation, and the URL
	// is only known once a listener exists, so start in two steps.
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Store:      store,
		Users:      users,
		MCPHandler: mcpHandler,
		Logger:     logger,
		ServerURL:  serverURL,
	})
	ts.Start()
	t.Cleanup(ts.Close)

	return &harness{
		URL:    serverURL,
		Store:  store,
		Center: center,
		Client: ts.Client(),
	}
}

// tokenResponse mirrors what POST /oauth/token returns.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// registerDynamicClient runs an RFC 7591 registration and returns the
// issued client_id.
func (h *harness) registerDynamicClient(t *testing.T, redirectURIs []string) string {
	t.Helper()

	body := map[string][]string{"redirect_uris": redirectURIs}
	b, err := json.Marshal(body)
	require.NoError(t, err)

	resp := h.doPostJSON(t, "/oauth/register", b)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		ClientID     string   `json:"client_id"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotEmpty(t, result.ClientID)

	return result.ClientID
}

// authCodeFlow registers a fresh client and walks it through the whole
// authorization-code + PKCE dance, returning the token response.
func (h *harness) authCodeFlow(t *testing.T) tokenResponse {
	t.Helper()

	clientID := h.registerDynamicClient(t, []string{redirectURI})

	return h.authCodeFlowWithClient(t, clientID)
}

// authCodeFlowWithClient walks an existing client through the grant:
// fetch the login form and scrape its CSRF token, submit credentials
// and capture the code off the redirect, then exchange it.
func (h *harness) authCodeFlowWithClient(t *testing.T, clientID string) tokenResponse {
	t.Helper()

	challenge := pkceChallenge(pkceVerifier)

	// Render the login form.
	authURL := h.URL + "/oauth/authorize?" + url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {"e2e-state"},
		"resource":              {h.URL},
	}.Encode()

	resp := h.doGet(t, authURL)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	bodyBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	csrf := extractCSRF(t, string(bodyBytes))

	// Submit credentials; the code rides on the 302 we must not follow.
	form := url.Values{
		"username":              {testUsername},
		"password":              {testPassword},
		"csrf_token":            {csrf},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {"e2e-state"},
		"resource":              {h.URL},
	}

	postResp := h.doPostFormNoRedirect(t, "/oauth/authorize", form)
	defer postResp.Body.Close()

	require.Equal(t, http.StatusFound, postResp.StatusCode)

	loc := postResp.Header.Get("Location")
	require.NotEmpty(t, loc)

	locURL, err := url.Parse(loc)
	require.NoError(t, err)

	code := locURL.Query().Get("code")
	require.NotEmpty(t, code, "authorization code missing from redirect")

	// Exchange the code.
	tokenForm := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {pkceVerifier},
		"resource":      {h.URL},
	}

	tokenResp := h.doPostForm(t, "/oauth/token", tokenForm)
	defer tokenResp.Body.Close()

	require.Equal(t, http.StatusOK, tokenResp.StatusCode)

	var tr tokenResponse
	require.NoError(t, json.NewDecoder(tokenResp.Body).Decode(&tr))

	return tr
}

// mcpSession opens an MCP client session over the streamable HTTP
// transport, authenticating every request via bearerTransport.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// doGet issues a GET against the harness server, scoped to the test's context.
func (h *harness) doGet(t *testing.T, fullURL string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), "GET", fullURL, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostForm submits form-encoded data to a harness path, following redirects.
func (h *harness) doPostForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), "POST", h.URL+path,
		bytes.NewBufferString(form.Encode()),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostFormNoRedirect submits a form but surfaces the 302 instead of
// chasing it, so tests can inspect the Location header.
func (h *harness) doPostFormNoRedirect(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	noRedirect := *h.Client
	noRedirect.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	req, err := http.NewRequestWithContext(
		t.Context(), "POST", h.URL+path,
		bytes.NewBufferString(form.Encode()),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := noRedirect.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostJSON posts a raw JSON body to a harness path.
func (h *harness) doPostJSON(t *testing.T, path string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), "POST", h.URL+path,
		bytes.NewReader(body),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport stamps an Authorization: Bearer header onto every
// outgoing request before delegating to the base RoundTripper.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// pkceChallenge derives the S256 challenge the server will verify: unpadded
// URL-safe base64 of SHA256(verifier).
func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// extractCSRF pulls the CSRF token out of the login form's hidden input.
func extractCSRF(t *testing.T, body string) string {
	t.Helper()

	re := regexp.MustCompile(`name="csrf_token" value="([a-f0-9]+)"`)
	matches := re.FindStringSubmatch(body)
	require.Len(t, matches, 2, "CSRF token not found in form HTML")

	return matches[1]
}
