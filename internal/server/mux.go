// Package server assembles the daemon's HTTP surface: OAuth discovery
// and grant endpoints plus the Bearer-protected MCP endpoint.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/uspacy-notify/internal/auth"
)

// MuxConfig carries everything the HTTP surface needs. ServerURL is
// the canonical external URL; it becomes the OAuth issuer and the
// RFC 8707 resource identity that tokens are bound to.
type MuxConfig struct {
	Store      *auth.Store
	Users      auth.UserCredentials
	MCPHandler http.Handler
	Logger     *slog.Logger
	ServerURL  string
}

// NewMux wires the discovery documents, the authorization-code flow,
// and the MCP handler onto one mux. Everything except /mcp is public;
// /mcp requires a Bearer token minted by this server.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	// Discovery (RFC 9728 + RFC 8414).
	mux.HandleFunc("/.well-known/oauth-protected-resource", auth.HandleProtectedResourceMetadata(cfg.ServerURL))
	mux.HandleFunc("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(cfg.ServerURL))

	// Grant flow: register, authorize, exchange.
	mux.HandleFunc("/oauth/register", auth.HandleRegistration(cfg.Store, cfg.Logger))
	mux.HandleFunc("/oauth/authorize", auth.HandleAuthorize(cfg.Store, cfg.Users, cfg.Logger, cfg.ServerURL))
	mux.HandleFunc("/oauth/token", auth.HandleToken(cfg.Store, cfg.Logger, cfg.ServerURL))

	protect := auth.Middleware(cfg.Store, cfg.Logger, cfg.ServerURL)
	mux.Handle("/mcp", protect(cfg.MCPHandler))

	return mux
}
