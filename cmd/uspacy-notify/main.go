package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/uspacy-notify/internal/auth"
	"github.com/alexjbarnes/uspacy-notify/internal/config"
	"github.com/alexjbarnes/uspacy-notify/internal/logging"
	"github.com/alexjbarnes/uspacy-notify/internal/mcpserver"
	"github.com/alexjbarnes/uspacy-notify/internal/notify"
	"github.com/alexjbarnes/uspacy-notify/internal/prefs"
	"github.com/alexjbarnes/uspacy-notify/internal/server"
	"github.com/alexjbarnes/uspacy-notify/internal/state"
	"github.com/alexjbarnes/uspacy-notify/internal/uspacy"
)

var Version = "dev"

func main() {
	// hash-password runs without a config; intercept it before Load.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashPassword generates a bcrypt hash for MCP_AUTH_USERS entries.
func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	hash, err := auth.HashPassword(scanner.Text())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

// zonePolicy evaluates alert decisions on the account's wall clock, so
// quiet hours mean the time of day where the user is, not where the
// daemon runs.
type zonePolicy struct {
	prefs *prefs.Store
	loc   *time.Location
}

func (p zonePolicy) ShouldAlert(now time.Time) bool {
	return p.prefs.ShouldAlert(now.In(p.loc))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("uspacy-notify starting",
		slog.String("version", Version),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return fmt.Errorf("resolving data dir: %w", err)
	}

	appState, err := state.Load(dataDir)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := uspacy.NewClient(cfg.BaseURL, nil, logger)

	me, err := authenticate(ctx, client, cfg, appState, logger)
	if err != nil {
		return err
	}

	logger.Info("signed in",
		slog.String("user", me.DisplayName()),
		slog.String("id", me.ID.String()),
	)

	directory := uspacy.NewDirectory(logger)
	if err := directory.Refresh(ctx, client); err != nil {
		logger.Warn("user directory unavailable", slog.String("error", err.Error()))
	}

	settings, err := client.Settings(ctx)
	if err != nil {
		logger.Warn("user settings unavailable, using defaults", slog.String("error", err.Error()))
		settings = &uspacy.UserSettings{}
	}

	prefStore, err := prefs.Load(dataDir, logger)
	if err != nil {
		return fmt.Errorf("loading preferences: %w", err)
	}

	// Mentions in payloads carry auth ids; fall back to the company id
	// for accounts that predate the split.
	selfID := me.AuthUserID.String()
	if selfID == "" {
		selfID = me.ID.String()
	}

	policy := zonePolicy{prefs: prefStore, loc: settings.Location()}
	center := notify.NewCenter(appState, policy, selfID, logger)

	// Seed from the local store so the feed is populated before the
	// channel comes up.
	if saved, err := appState.Notifications(); err != nil {
		logger.Warn("reading stored notifications failed", slog.String("error", err.Error()))
	} else {
		center.Seed(saved)
	}

	router := uspacy.NewRouter(logger)
	router.Subscribe(center)

	// Fetch the HTTP backlog and dispatch it as the bootstrap event so
	// it flows through the same path as live channel events.
	if items, err := client.ListNotifications(ctx); err != nil {
		logger.Warn("notification backlog fetch failed", slog.String("error", err.Error()))
	} else if payload, err := json.Marshal(items); err == nil && items != nil {
		router.Dispatch(notify.BootstrapEvent, payload)
	}

	// The supervisor owns reconnecting; the session only reports losses.
	var sup *uspacy.Supervisor

	session := uspacy.NewSession(uspacy.SessionConfig{
		URL:    cfg.WSURL,
		Tokens: client,
		Router: router,
		OnDown: func() { sup.Request(true) },
	}, logger)
	sup = uspacy.NewSupervisor(session, client, logger)

	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("closing session", slog.String("error", cerr.Error()))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gctx)
	})

	g.Go(func() error {
		return prefStore.Watch(gctx)
	})

	g.Go(func() error {
		return logUpdates(gctx, center, logger)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, center, directory, logger)
		})
	}

	// Bring the channel up through the supervisor so a failed first
	// connect retries with backoff instead of killing the daemon.
	sup.Request(true)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("uspacy-notify stopped")

	return nil
}

// authenticate resumes from the sealed token cache when it unseals and
// still passes a profile probe, otherwise signs in fresh and reseals.
func authenticate(ctx context.Context, client *uspacy.Client, cfg *config.Config, appState *state.Store, logger *slog.Logger) (*uspacy.User, error) {
	if sealed := appState.SealedToken(); sealed != nil {
		blob, err := state.Unseal(sealed, cfg.Password)
		if err != nil {
			logger.Debug("sealed token cache unusable", slog.String("error", err.Error()))
		} else {
			client.Resume(blob.Access, blob.Refresh, blob.Expiry)

			me, err := client.Me(ctx)
			if err == nil {
				logger.Info("authenticated with cached token")
				return me, nil
			}

			logger.Debug("cached token rejected, signing in fresh", slog.String("error", err.Error()))
			client.Tokens().Clear()
		}
	}

	logger.Info("signing in", slog.String("email", cfg.Email))

	if err := client.SignIn(ctx, cfg.Email, cfg.Password); err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	me, err := client.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	sealTokens(client, cfg.Password, appState, logger)

	return me, nil
}

// sealTokens writes the current token set to the sealed cache. Failures
// are non-fatal: the daemon just signs in fresh next start.
func sealTokens(client *uspacy.Client, password string, appState *state.Store, logger *slog.Logger) {
	tokens := client.Tokens()

	sealed, err := state.Seal(state.TokenBlob{
		Access:  tokens.Access(),
		Refresh: tokens.RefreshToken(),
		Expiry:  tokens.Expiry(),
	}, password)
	if err != nil {
		logger.Warn("sealing token cache failed", slog.String("error", err.Error()))
		return
	}

	if err := appState.SetSealedToken(sealed); err != nil {
		logger.Warn("saving token cache failed", slog.String("error", err.Error()))
	}
}

// logUpdates drains the feed update stream. A tray frontend would
// consume these; headless, alert-worthy records surface in the log.
func logUpdates(ctx context.Context, center *notify.Center, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case u := <-center.Updates():
			if !u.Alert {
				continue
			}

			logger.Info("notification",
				slog.String("type", u.Notification.Type),
				slog.String("message", notify.Message(u.Notification)),
				slog.Bool("mentions_me", u.Notification.MentionedMe),
			)
		}
	}
}

// runMCP serves the notification feed to MCP clients over streamable
// HTTP behind the OAuth endpoints.
func runMCP(ctx context.Context, cfg *config.Config, center *notify.Center, directory *uspacy.Directory, logger *slog.Logger) error {
	users, err := cfg.ParseMCPUsers()
	if err != nil {
		return fmt.Errorf("parsing MCP auth users: %w", err)
	}

	mcpLogger := logging.NewLeveledLogger(cfg.Environment, logging.ParseLevel(cfg.MCPLogLevel)).
		With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "uspacy-notify-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, center, directory)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	store := auth.NewStore(mcpLogger)
	defer store.Stop()

	mux := server.NewMux(server.MuxConfig{
		Store:      store,
		Users:      users,
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
		ServerURL:  cfg.MCPServerURL,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.String("server_url", cfg.MCPServerURL),
		slog.Int("users", len(users)),
	)

	// Shutdown when the context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
