// Package config loads process configuration from defaults and environment
// variables, validated once at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the fully resolved process configuration.
type Config struct {
	Addr                  string
	DataDir               string
	DBPath                string
	LogLevel              string
	WorktreeCleanupDisable bool
	ApprovalTimeout       time.Duration
	AutoCommit            bool
}

// Load resolves configuration from built-in defaults overridden by
// environment variables. Precedence: defaults < env vars.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	defaultData := filepath.Join(home, ".local", "share", "forgeloop")

	cfg := &Config{
		Addr:            ":8787",
		DataDir:         defaultData,
		LogLevel:        "info",
		ApprovalTimeout: 5 * time.Minute,
		AutoCommit:      true,
	}

	if v := os.Getenv("ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.DBPath = filepath.Join(cfg.DataDir, "forgeloop.db")
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	cfg.WorktreeCleanupDisable = os.Getenv("WORKTREE_CLEANUP_DISABLE") == "1" ||
		os.Getenv("WORKTREE_CLEANUP_DISABLE") == "true"

	if v := os.Getenv("APPROVAL_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ApprovalTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("AUTO_COMMIT"); v != "" {
		cfg.AutoCommit = v == "1" || v == "true"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data dir must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db path must not be empty")
	}
	return nil
}

// EnsureDataDir creates the data directory (and its workspaces
// subdirectory) if missing.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("config: creating data dir: %w", err)
	}
	if err := os.MkdirAll(c.WorkspacesDir(), 0o755); err != nil {
		return fmt.Errorf("config: creating workspaces dir: %w", err)
	}
	return nil
}

// WorkspacesDir is where materialized worktree directories live.
func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// ImagesDir is where image attachments are stored.
func (c *Config) ImagesDir() string {
	return filepath.Join(c.DataDir, "images")
}
