package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxClientID
	ctxRemoteIP
)

// RequestUserID reads the authenticated user ID that Middleware stored
// on the context. Empty outside an authenticated request.
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestClientID reads the OAuth client ID stored on the context.
func RequestClientID(ctx context.Context) string {
	v, _ := ctx.Value(ctxClientID).(string)
	return v
}

// RequestRemoteIP reads the caller's IP stored on the context.
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that gates requests on a Bearer
// token minted by this server. Rejections carry a WWW-Authenticate
// header pointing at the protected resource metadata (RFC 9728
// section 5.1) so MCP clients can discover the authorization server.
// Accepted requests get the token's user and client identity injected
// into the request context.
func Middleware(store *Store, logger *slog.Logger, serverURL string) func(http.Handler) http.Handler {
	metadataURL := serverURL + "/.well-known/oauth-protected-resource"

	// RFC 6750 section 3.1: the error attribute is only set when the
	// request carried a token; its absence tells the client to start
	// the flow rather than retry.
	challengeNoToken := fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL)
	challengeInvalid := fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, metadataURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			deny := func(challenge, reason string) {
				logger.Debug(reason,
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", challenge)
				w.WriteHeader(http.StatusUnauthorized)
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				deny(challengeNoToken, "request without bearer token")
				return
			}

			ti := store.ValidateToken(strings.TrimPrefix(authHeader, "Bearer "))
			if ti == nil {
				deny(challengeInvalid, "bearer token rejected")
				return
			}

			// RFC 8707: a token issued for another resource server is
			// as good as no token.
			if ti.Resource != "" && !resourceMatches(ti.Resource, serverURL) {
				logger.Debug("bearer token audience mismatch",
					slog.String("token_resource", ti.Resource),
					slog.String("server_url", serverURL),
					slog.String("client_id", ti.ClientID),
				)
				deny(challengeInvalid, "bearer token rejected")

				return
			}

			logger.Debug("request authenticated",
				slog.String("user_id", ti.UserID),
				slog.String("client_id", ti.ClientID),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, ti.UserID)
			ctx = context.WithValue(ctx, ctxClientID, ti.ClientID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
