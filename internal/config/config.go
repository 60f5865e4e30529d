// Package config loads autopilot settings from TOML and keeps the
// reloadable parts available to concurrent readers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Executor ExecutorConfig `toml:"executor"`
	AI       AIConfig       `toml:"ai"`
	Cleanup  CleanupConfig  `toml:"cleanup"`
	Web      WebConfig      `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	WorkDir      string `toml:"work_dir"`
}

// ExecutorConfig holds scheduling and runner settings
type ExecutorConfig struct {
	MaxParallel       int      `toml:"max_parallel"`
	AttemptTimeoutSec int      `toml:"attempt_timeout_sec"`
	Command           []string `toml:"command"`
	Env               []string `toml:"env"`
}

// AIConfig holds AI provider settings
type AIConfig struct {
	Provider    string  `toml:"provider"`
	BudgetUSD   float64 `toml:"budget_usd"`
	APIKeyEnv   string  `toml:"api_key_env"`
	OpenPRLimit int     `toml:"open_pr_limit"`
}

// CleanupConfig holds retention settings for finished attempts
type CleanupConfig struct {
	Schedule      string `toml:"schedule"`
	RetentionDays int    `toml:"retention_days"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".autopilot", "autopilot.db"),
			WorkDir:      filepath.Join(home, ".autopilot", "work"),
		},
		Executor: ExecutorConfig{
			MaxParallel:       3,
			AttemptTimeoutSec: 120,
			Command:           []string{"autopilot-worker", "{task}"},
		},
		AI: AIConfig{
			Provider:    "anthropic",
			BudgetUSD:   50,
			APIKeyEnv:   "ANTHROPIC_API_KEY",
			OpenPRLimit: 5,
		},
		Cleanup: CleanupConfig{
			Schedule:      "0 3 * * *",
			RetentionDays: 30,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
// when the file does not exist
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.WorkDir = ExpandPath(cfg.General.WorkDir)

	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.Executor.MaxParallel < 1 {
		return fmt.Errorf("executor.max_parallel must be at least 1, got %d", c.Executor.MaxParallel)
	}
	if c.Executor.AttemptTimeoutSec < 1 {
		return fmt.Errorf("executor.attempt_timeout_sec must be at least 1, got %d", c.Executor.AttemptTimeoutSec)
	}
	if len(c.Executor.Command) == 0 {
		return fmt.Errorf("executor.command must not be empty")
	}
	if c.Cleanup.RetentionDays < 1 {
		return fmt.Errorf("cleanup.retention_days must be at least 1, got %d", c.Cleanup.RetentionDays)
	}
	return nil
}

// AttemptTimeout returns the per-attempt deadline as a duration
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Executor.AttemptTimeoutSec) * time.Second
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "autopilot", "config.toml")
}
