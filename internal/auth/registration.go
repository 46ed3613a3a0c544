package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/uspacy-notify/internal/models"
)

// clientIDBytes is the number of random bytes in a generated client id.
const clientIDBytes = 16

// registrationRequest is the RFC 7591 dynamic registration body.
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// registrationResponse echoes the accepted metadata with the issued
// client_id.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// HandleRegistration returns the /oauth/register handler. Registration
// is unauthenticated, so it is rate-limited and the client count is
// capped.
func HandleRegistration(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !store.RegistrationAllowed() {
			logger.Warn("client registration rate limited", slog.String("ip", remoteIP(r)))
			writeJSONError(w, http.StatusTooManyRequests, "invalid_client_metadata", "too many registration requests, try again later")

			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if len(req.RedirectURIs) == 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "redirect_uris is required")
			return
		}

		for _, uri := range req.RedirectURIs {
			if !validRegistrationURI(uri) {
				writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris must use HTTPS or HTTP on a loopback address")
				return
			}
		}

		clientID := RandomHex(clientIDBytes)

		grantTypes := req.GrantTypes
		if len(grantTypes) == 0 {
			grantTypes = []string{"authorization_code"}
		}

		responseTypes := req.ResponseTypes
		if len(responseTypes) == 0 {
			responseTypes = []string{"code"}
		}

		authMethod := req.TokenEndpointAuthMethod
		if authMethod == "" {
			authMethod = "none"
		}

		ok := store.RegisterClient(&models.OAuthClient{
			ClientID:     clientID,
			ClientName:   req.ClientName,
			RedirectURIs: req.RedirectURIs,
		})
		if !ok {
			logger.Warn("client registration refused, store full")
			writeJSONError(w, http.StatusServiceUnavailable, "invalid_client_metadata", "client registration limit reached")

			return
		}

		logger.Info("client registered",
			slog.String("client_id", clientID),
			slog.String("client_name", req.ClientName),
		)

		resp := registrationResponse{
			ClientID:                clientID,
			ClientName:              req.ClientName,
			RedirectURIs:            req.RedirectURIs,
			GrantTypes:              grantTypes,
			ResponseTypes:           responseTypes,
			TokenEndpointAuthMethod: authMethod,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// validRegistrationURI accepts HTTPS redirect URIs and HTTP only on
// loopback addresses (RFC 8252 Section 7.3), so registered clients
// cannot receive authorization codes over plain HTTP elsewhere.
func validRegistrationURI(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}

	switch u.Scheme {
	case "https":
		return u.Host != ""
	case "http":
		return isLoopbackHost(u.Hostname())
	default:
		return false
	}
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
