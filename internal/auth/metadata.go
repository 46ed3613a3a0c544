package auth

import (
	"encoding/json"
	"net/http"
)

// metadataCacheControl lets clients cache discovery documents; they
// only change on redeploy.
const metadataCacheControl = "public, max-age=3600"

// ProtectedResourceMetadata is the RFC 9728 discovery document served
// at /.well-known/oauth-protected-resource.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// ServerMetadata is the RFC 8414 discovery document served at
// /.well-known/oauth-authorization-server.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// HandleProtectedResourceMetadata returns the RFC 9728 handler. The
// daemon is both the resource and its own authorization server, so
// the document points back at serverURL for both roles.
func HandleProtectedResourceMetadata(serverURL string) http.HandlerFunc {
	return serveMetadata(ProtectedResourceMetadata{
		Resource:               serverURL,
		AuthorizationServers:   []string{serverURL},
		BearerMethodsSupported: []string{"header"},
	})
}

// HandleServerMetadata returns the RFC 8414 handler. Only what this
// server actually implements is advertised: the authorization-code
// grant with S256 PKCE for public clients. No client secrets, no
// refresh tokens.
func HandleServerMetadata(serverURL string) http.HandlerFunc {
	return serveMetadata(ServerMetadata{
		Issuer:                            serverURL,
		AuthorizationEndpoint:             serverURL + "/oauth/authorize",
		TokenEndpoint:                     serverURL + "/oauth/token",
		RegistrationEndpoint:              serverURL + "/oauth/register",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	})
}

// serveMetadata wraps a fixed discovery document in a GET-only
// cache-friendly JSON handler.
func serveMetadata(doc any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", metadataCacheControl)
		_ = json.NewEncoder(w).Encode(doc)
	}
}
