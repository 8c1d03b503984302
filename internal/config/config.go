package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// jwtSecretMinLen is the minimum length of JWT_SECRET. HS256 keys
// shorter than the hash output weaken the signature.
const jwtSecretMinLen = 32

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Role flags. At least one must be true.
	EnableClient bool `env:"ENABLE_CLIENT" envDefault:"true"`
	EnableServer bool `env:"ENABLE_SERVER" envDefault:"false"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	// LogLevel overrides the environment's default level when set.
	LogLevel string `env:"LOG_LEVEL"`

	// Client settings (SYNC_SERVER_URL required when the client is enabled)
	SyncServerURL string `env:"SYNC_SERVER_URL"`
	// SyncToken is persisted into the cache on startup. When empty the
	// previously cached token is used.
	SyncToken         string        `env:"SYNC_TOKEN"`
	CachePath         string        `env:"CACHE_PATH"`
	SyncInterval      time.Duration `env:"SYNC_INTERVAL" envDefault:"60s"`
	SyncTimeout       time.Duration `env:"SYNC_TIMEOUT" envDefault:"30s"`
	AutoSyncDebounce  time.Duration `env:"AUTO_SYNC_DEBOUNCE" envDefault:"5s"`
	FlushInterval     time.Duration `env:"FLUSH_INTERVAL" envDefault:"300ms"`
	ControlListenAddr string        `env:"CONTROL_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`

	// Server settings (JWT_SECRET required when the server is enabled)
	ServerListenAddr string        `env:"SERVER_LISTEN_ADDR" envDefault:":8090"`
	DatabasePath     string        `env:"DATABASE_PATH"`
	JWTSecret        string        `env:"JWT_SECRET"`
	TokenTTL         time.Duration `env:"TOKEN_TTL" envDefault:"720h"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
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

// Parse reads configuration from environment variables without
// validating role requirements. It first attempts to load a .env file.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Load reads and validates configuration from environment variables.
func Load() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.EnableServer && cfg.DatabasePath == "" {
		path, err := DefaultDatabasePath()
		if err != nil {
			return nil, err
		}

		cfg.DatabasePath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.EnableClient && !c.EnableServer {
		return fmt.Errorf("at least one of ENABLE_CLIENT or ENABLE_SERVER must be true")
	}

	if c.EnableClient {
		if c.SyncServerURL == "" {
			return fmt.Errorf("SYNC_SERVER_URL is required when the client is enabled")
		}

		u, err := url.Parse(c.SyncServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("SYNC_SERVER_URL must be an absolute http(s) URL")
		}

		if c.SyncInterval <= 0 {
			return fmt.Errorf("SYNC_INTERVAL must be positive")
		}

		if c.SyncTimeout <= 0 {
			return fmt.Errorf("SYNC_TIMEOUT must be positive")
		}

		if c.AutoSyncDebounce < 0 {
			return fmt.Errorf("AUTO_SYNC_DEBOUNCE must not be negative")
		}

		if c.FlushInterval <= 0 {
			return fmt.Errorf("FLUSH_INTERVAL must be positive")
		}
	}

	if c.EnableServer {
		if err := c.ValidateSecret(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateSecret checks the token signing settings. It is also used by
// the issue-token command, which needs no role.
func (c *Config) ValidateSecret() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when the server is enabled")
	}

	if len(c.JWTSecret) < jwtSecretMinLen {
		return fmt.Errorf("JWT_SECRET too short (minimum %d characters)", jwtSecretMinLen)
	}

	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}

	return nil
}

// DefaultDatabasePath returns ~/.chatsync/server.db.
func DefaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chatsync", "server.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
