package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/uspacy-notify/internal/models"
)

const (
	tokenExpiry = 24 * time.Hour

	// accessTokenBytes is the number of random bytes in an access token
	// (hex-encoded to twice this length).
	accessTokenBytes = 32
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
	Resource     string `json:"resource"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// HandleToken returns the /oauth/token handler. Codes are exchanged for
// Bearer tokens after redirect_uri, PKCE, and resource checks.
func HandleToken(store *Store, logger *slog.Logger, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		// MCP clients send either JSON or form encoding here.
		var req tokenRequest

		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
				return
			}
		} else {
			if err := r.ParseForm(); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
				return
			}

			req = tokenRequest{
				GrantType:    r.FormValue("grant_type"),
				Code:         r.FormValue("code"),
				RedirectURI:  r.FormValue("redirect_uri"),
				CodeVerifier: r.FormValue("code_verifier"),
				ClientID:     r.FormValue("client_id"),
				Resource:     r.FormValue("resource"),
			}
		}

		if req.GrantType != "authorization_code" {
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
			return
		}

		if req.Code == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}

		// RFC 8707: a resource requested at the token endpoint must be
		// this server.
		if req.Resource != "" && !resourceMatches(req.Resource, serverURL) {
			writeJSONError(w, http.StatusBadRequest, "invalid_target", "resource parameter does not match this server")
			return
		}

		ac := store.ConsumeCode(req.Code)
		if ac == nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
			return
		}

		// Validate redirect_uri matches the one the code was issued for.
		if ac.RedirectURI != "" && req.RedirectURI != ac.RedirectURI {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
			return
		}

		// PKCE verification. Codes are always issued with a challenge.
		if req.CodeVerifier == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
			return
		}

		if !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}

		// Issue an access token carrying the code's bindings.
		token := RandomHex(accessTokenBytes)
		store.SaveToken(&models.OAuthToken{
			Token:     token,
			UserID:    ac.UserID,
			ClientID:  ac.ClientID,
			Resource:  ac.Resource,
			Scopes:    ac.Scopes,
			ExpiresAt: time.Now().Add(tokenExpiry),
		})

		logger.Info("access token issued",
			slog.String("user_id", ac.UserID),
			slog.String("client_id", ac.ClientID),
		)

		resp := tokenResponse{
			AccessToken: token,
			TokenType:   "Bearer",
			ExpiresIn:   int(tokenExpiry.Seconds()),
			Scope:       strings.Join(ac.Scopes, " "),
		}

		w.Header().Set("Content-Type", "application/json")
		// RFC 6749 Section 5.1: token responses must not be cached.
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// verifyPKCE applies the S256 method: the challenge must equal the
// unpadded URL-safe base64 of SHA256(verifier).
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return computed == challenge
}
