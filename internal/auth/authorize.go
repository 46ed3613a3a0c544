package auth

import (
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/uspacy-notify/internal/models"
)

const (
	codeExpiry = 5 * time.Minute

	// maxRequestBody bounds form and JSON bodies on the OAuth endpoints.
	maxRequestBody = 1 << 20

	// rateLimitPruneThreshold is how many IPs the login throttle
	// tracks before it sweeps out expired entries.
	rateLimitPruneThreshold = 1000

	// Entropy, in bytes, of generated CSRF tokens and authorization
	// codes. Both are hex encoded on the wire.
	csrfTokenBytes = 16
	authCodeBytes  = 32
)

// remoteIP is r.RemoteAddr without the port, or the raw value when it
// does not parse as host:port.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// resourceMatches reports whether a client-supplied resource URI names
// this server. Trailing slashes are ignored; clients send both forms
// and RFC 3986 treats them as equivalent here.
func resourceMatches(resource, serverURL string) bool {
	return strings.TrimRight(resource, "/") == strings.TrimRight(serverURL, "/")
}

// loginPage is the credential form served on GET /oauth/authorize. The
// hidden csrf_token field ties the eventual POST back to this render.
var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>uspacy-notify</title>
<style>
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
    margin: 0;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
  }
  .card h1 { font-size: 1.25rem; margin: 0 0 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin: 0 0 1.5rem; }
  .consent {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
    word-break: break-all;
  }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  label { display: block; font-size: 0.85rem; margin-bottom: 0.35rem; }
  input[type="text"], input[type="password"] {
    width: 100%;
    box-sizing: border-box;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    margin-bottom: 1rem;
  }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    cursor: pointer;
  }
  button:hover { background: #333; }
</style>
</head>
<body>
<div class="card">
  <h1>uspacy-notify</h1>
  <p class="sub">Sign in to authorize access to your notifications.</p>
  <div class="consent">
    <p><strong>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</strong> is requesting access.</p>
    {{if .RedirectURI}}<p>You will be redirected to: <code>{{.RedirectURI}}</code></p>{{end}}
  </div>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <input type="hidden" name="resource" value="{{.Resource}}">
    <label for="username">Username</label>
    <input type="text" id="username" name="username" autocomplete="username" required autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <button type="submit">Sign in</button>
  </form>
</div>
</body>
</html>`))

type loginData struct {
	CSRFToken           string
	ClientID            string
	ClientName          string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Resource            string
	Error               string
}

const (
	throttleWindow   = 5 * time.Minute
	throttleMaxFails = 10
)

// loginThrottle counts failed login attempts per source IP over a
// sliding window. Once an IP accumulates throttleMaxFails failures
// inside the window, further attempts are rejected until old failures
// age out.
type loginThrottle struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newLoginThrottle() *loginThrottle {
	return &loginThrottle{failures: make(map[string][]time.Time)}
}

// limited reports whether the IP has exhausted its failure budget. It
// also prunes aged-out entries, both for the requested IP and (when
// the map has grown past rateLimitPruneThreshold) for every tracked
// IP, so a scan from many sources cannot grow the map without bound.
func (lt *loginThrottle) limited(ip string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	cutoff := time.Now().Add(-throttleWindow)

	if len(lt.failures) > rateLimitPruneThreshold {
		for k, times := range lt.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(lt.failures, k)
			}
		}
	}

	recent := lt.failures[ip][:0]
	for _, t := range lt.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(lt.failures, ip)
	} else {
		lt.failures[ip] = recent
	}

	return len(recent) >= throttleMaxFails
}

// fail records a failed attempt for the IP.
func (lt *loginThrottle) fail(ip string) {
	lt.mu.Lock()
	lt.failures[ip] = append(lt.failures[ip], time.Now())
	lt.mu.Unlock()
}

// authorizeFlow carries the dependencies of the /oauth/authorize
// endpoint so the GET and POST paths can share validation helpers.
type authorizeFlow struct {
	store     *Store
	users     UserCredentials
	logger    *slog.Logger
	throttle  *loginThrottle
	serverURL string
}

// HandleAuthorize returns the /oauth/authorize handler. serverURL does
// double duty: it is the resource the issued code is bound to
// (RFC 8707) and the iss value stamped on the redirect (RFC 9207).
func HandleAuthorize(store *Store, users UserCredentials, logger *slog.Logger, serverURL string) http.HandlerFunc {
	flow := &authorizeFlow{
		store:     store,
		users:     users,
		logger:    logger,
		throttle:  newLoginThrottle(),
		serverURL: serverURL,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			flow.showForm(w, r)
		case http.MethodPost:
			flow.submit(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// resolveClient validates client_id and redirect_uri and writes the
// appropriate 400 when either fails. These two errors must never
// redirect: until both are known-good, the redirect target cannot be
// trusted (RFC 6749 section 4.1.2.1). When redirectURI is empty and
// exactly one URI is registered, that one is used (section 3.1.2.3).
func (f *authorizeFlow) resolveClient(w http.ResponseWriter, clientID, redirectURI string) (*models.OAuthClient, string, bool) {
	if clientID == "" {
		http.Error(w, "missing client_id", http.StatusBadRequest)
		return nil, "", false
	}

	client := f.store.GetClient(clientID)
	if client == nil {
		http.Error(w, "unknown client_id", http.StatusBadRequest)
		return nil, "", false
	}

	if redirectURI == "" {
		if len(client.RedirectURIs) != 1 {
			http.Error(w, "redirect_uri is required when multiple URIs are registered", http.StatusBadRequest)
			return nil, "", false
		}

		return client, client.RedirectURIs[0], true
	}

	if !validateRedirectURI(client, redirectURI) {
		http.Error(w, "redirect_uri not registered for this client", http.StatusBadRequest)
		return nil, "", false
	}

	return client, redirectURI, true
}

// renderForm writes the login page with clickjacking protection
// headers.
func (f *authorizeFlow) renderForm(w http.ResponseWriter, status int, data loginData) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")

	if status != http.StatusOK {
		w.WriteHeader(status)
	}

	_ = loginPage.Execute(w, data)
}

func (f *authorizeFlow) showForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	client, redirectURI, ok := f.resolveClient(w, q.Get("client_id"), q.Get("redirect_uri"))
	if !ok {
		return
	}

	state := q.Get("state")

	// From here on the redirect target is validated, so protocol
	// errors go back to the client as query parameters.
	if rt := q.Get("response_type"); rt != "code" {
		errCode := "unsupported_response_type"
		if rt == "" {
			errCode = "invalid_request"
		}

		redirectError(w, r, redirectURI, state, errCode, "response_type must be \"code\"")

		return
	}

	codeChallenge := q.Get("code_challenge")
	if codeChallenge == "" {
		redirectError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
		return
	}

	if m := q.Get("code_challenge_method"); m != "" && m != "S256" {
		redirectError(w, r, redirectURI, state, "invalid_request", "only S256 code_challenge_method is supported")
		return
	}

	// RFC 8707 resource binding. Absence is tolerated for clients
	// that predate the parameter; a wrong value is not.
	resource := q.Get("resource")
	if resource != "" && !resourceMatches(resource, f.serverURL) {
		redirectError(w, r, redirectURI, state, "invalid_request", "resource parameter does not match this server")
		return
	}

	f.renderForm(w, http.StatusOK, loginData{
		CSRFToken:           generateCSRFToken(f.store, client.ClientID, redirectURI),
		ClientID:            client.ClientID,
		ClientName:          client.ClientName,
		RedirectURI:         redirectURI,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
		Resource:            resource,
	})
}

func (f *authorizeFlow) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	client, redirectURI, ok := f.resolveClient(w, r.FormValue("client_id"), r.FormValue("redirect_uri"))
	if !ok {
		return
	}

	state := r.FormValue("state")
	resource := r.FormValue("resource")

	codeChallenge := r.FormValue("code_challenge")
	if codeChallenge == "" {
		redirectError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
		return
	}

	if resource != "" && !resourceMatches(resource, f.serverURL) {
		redirectError(w, r, redirectURI, state, "invalid_request", "resource parameter does not match this server")
		return
	}

	// Throttle before consuming the CSRF token so a rate-limited
	// request does not destroy the user's current form.
	ip := remoteIP(r)
	if f.throttle.limited(ip) {
		f.logger.Warn("login rate limited", slog.String("ip", ip))
		http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)

		return
	}

	// A failed CSRF check may indicate a cross-site attack, so return
	// a plain error rather than redirecting to the client (which could
	// be the attacker's URI in a forged form).
	if !f.store.ConsumeCSRF(r.FormValue("csrf_token"), client.ClientID, redirectURI) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	username := r.FormValue("username")
	if !f.users.Verify(username, r.FormValue("password")) {
		f.logger.Warn("login failed", slog.String("username", username))
		f.throttle.fail(ip)

		f.renderForm(w, http.StatusUnauthorized, loginData{
			CSRFToken:           generateCSRFToken(f.store, client.ClientID, redirectURI),
			ClientID:            client.ClientID,
			ClientName:          client.ClientName,
			RedirectURI:         redirectURI,
			State:               state,
			CodeChallenge:       codeChallenge,
			CodeChallengeMethod: r.FormValue("code_challenge_method"),
			Scope:               r.FormValue("scope"),
			Resource:            resource,
			Error:               "Invalid username or password",
		})

		return
	}

	f.logger.Info("login successful", slog.String("username", username))

	// Issue an authorization code bound to the resource (RFC 8707).
	// Scope rides through the form so it propagates to the token.
	var scopes []string
	if scopeParam := r.FormValue("scope"); scopeParam != "" {
		scopes = strings.Fields(scopeParam)
	}

	code := RandomHex(authCodeBytes)
	f.store.SaveCode(&AuthCode{
		Code:          code,
		ClientID:      client.ClientID,
		RedirectURI:   redirectURI,
		CodeChallenge: codeChallenge,
		Resource:      resource,
		UserID:        username,
		Scopes:        scopes,
		ExpiresAt:     time.Now().Add(codeExpiry),
	})

	params := url.Values{}
	params.Set("code", code)

	if state != "" {
		params.Set("state", state)
	}

	// iss lets the client detect a mixed-up authorization server
	// (RFC 9207).
	if f.serverURL != "" {
		params.Set("iss", f.serverURL)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// validateRedirectURI checks redirectURI against the client's
// registered redirect URIs. HTTPS URIs require an exact match.
// Loopback URIs get the RFC 8252 section 7.3 treatment: native apps
// bind an ephemeral port per run, so a registered bare prefix
// (http://127.0.0.1 or http://localhost) accepts any port and path on
// that host.
//
// A client with no registered URIs is limited to loopback redirects.
// Anything else would let an attacker who knows a client_id send
// authorization codes to a server they control.
func validateRedirectURI(client *models.OAuthClient, redirectURI string) bool {
	if len(client.RedirectURIs) == 0 {
		u, err := url.Parse(redirectURI)
		if err != nil {
			return false
		}

		return u.Scheme == "http" && isLoopbackHost(u.Hostname())
	}

	for _, registered := range client.RedirectURIs {
		if redirectURI == registered || loopbackPortMatch(registered, redirectURI) {
			return true
		}
	}

	return false
}

// isLoopbackHost matches the loopback names native apps bind to.
func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// loopbackPortMatch reports whether registered is a bare loopback
// prefix and redirectURI points at the same scheme and host. Hostnames
// are compared after URL parsing, never by string prefix, so
// 127.0.0.1.evil.com cannot pass as 127.0.0.1.
func loopbackPortMatch(registered, redirectURI string) bool {
	if registered != "http://127.0.0.1" && registered != "http://localhost" {
		return false
	}

	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	pu, err := url.Parse(registered)
	if err != nil {
		return false
	}

	return ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname()
}

// generateCSRFToken mints a CSRF token bound to the client and
// redirect URI of the form it will be embedded in.
func generateCSRFToken(store *Store, clientID, redirectURI string) string {
	token := RandomHex(csrfTokenBytes)
	store.SaveCSRF(token, clientID, redirectURI)

	return token
}

// redirectError sends the user-agent back to the client with an error
// response per RFC 6749 section 4.1.2.1. Callers must have validated
// redirectURI first.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// appendQuery attaches params to uri, keeping any query component the
// client registered (RFC 6749 section 3.1.2 allows one).
func appendQuery(uri string, params url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}

	return uri + sep + params.Encode()
}
