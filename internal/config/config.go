package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/alexjbarnes/uspacy-notify/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for uspacy-notify.
type Config struct {
	// Uspacy account credentials (required).
	Email    string `env:"USPACY_EMAIL"`
	Password string `env:"USPACY_PASSWORD"`

	// REST API base URL, without a trailing slash.
	BaseURL string `env:"USPACY_BASE_URL" envDefault:"https://api.uspacy.ua"`

	// Notifications WebSocket endpoint.
	WSURL string `env:"USPACY_WS_URL" envDefault:"wss://sns.uspacy.ua/notifications-websocket/?EIO=4&transport=websocket"`

	// Directory for local state (sealed token cache, notification store,
	// preferences file). Empty means ~/.uspacy-notify is derived at runtime.
	DataDir string `env:"USPACY_DATA_DIR"`

	// Environment selects the log handler: production gets JSON.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// MCP server surface. URL and users become required once enabled.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPServerURL  string `env:"MCP_SERVER_URL"`
	MCPAuthUsers  string `env:"MCP_AUTH_USERS"`
	MCPLogLevel   string `env:"MCP_LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile complains when a .env file is group or world
// readable, since it usually carries the account password.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load builds the configuration from the environment, folding in a .env
// file when one exists in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve DataDir to an absolute path at startup so relative values
	// do not move with the working directory of the process.
	if cfg.DataDir != "" {
		absDir, err := filepath.Abs(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
		}

		cfg.DataDir = absDir
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Email == "" {
		return fmt.Errorf("USPACY_EMAIL is required")
	}

	if c.Password == "" {
		return fmt.Errorf("USPACY_PASSWORD is required")
	}

	if c.BaseURL == "" {
		return fmt.Errorf("USPACY_BASE_URL must not be empty")
	}

	if c.WSURL == "" {
		return fmt.Errorf("USPACY_WS_URL must not be empty")
	}

	if c.EnableMCP {
		if c.MCPServerURL == "" {
			return fmt.Errorf("MCP_SERVER_URL is required when MCP is enabled")
		}

		if c.MCPAuthUsers == "" {
			return fmt.Errorf("MCP_AUTH_USERS is required when MCP is enabled")
		}
	}

	return nil
}

// DefaultDataDir returns the default local data directory:
// ~/.uspacy-notify/
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".uspacy-notify"), nil
}

// ResolveDataDir returns the configured data directory, deriving the
// default when none was set.
func (c *Config) ResolveDataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}

	return DefaultDataDir()
}

// IsProduction reports whether the daemon runs with the production profile.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseMCPUsers splits MCP_AUTH_USERS ("user1:secret1,user2:secret2")
// into a credentials map. Each secret is either a bcrypt hash from the
// hash-password subcommand or a plain password.
func (c *Config) ParseMCPUsers() (auth.UserCredentials, error) {
	users := make(auth.UserCredentials)
	if c.MCPAuthUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.MCPAuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		password := pair[idx+1:]
		if username == "" || password == "" {
			return nil, fmt.Errorf("empty username or password in entry %d", len(users)+1)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in MCP_AUTH_USERS", username)
		}

		users[username] = password
	}

	return users, nil
}
