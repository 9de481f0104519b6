// Package config loads the sidecar configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pipali/pipali/internal/trigger"
)

// Config holds the sidecar configuration.
type Config struct {
	// Server settings
	Addr      string `yaml:"addr"`       // listen address
	JWTSecret string `yaml:"jwt_secret"` // empty disables auth

	// Storage
	DataDir string `yaml:"data_dir"` // ~/.pipali

	// AI settings
	Provider      string `yaml:"provider"` // "anthropic" or "openai"
	Model         string `yaml:"model"`
	TokenEndpoint string `yaml:"token_endpoint"` // OAuth refresh endpoint
	ClientID      string `yaml:"client_id"`
	MaxIterations int    `yaml:"max_iterations"` // turn budget per run

	// Background triggers
	Schedules []trigger.Schedule `yaml:"schedules,omitempty"`
	Watches   []trigger.Watch    `yaml:"watches,omitempty"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Addr:          "127.0.0.1:7600",
		DataDir:       DefaultDataDir(),
		Provider:      "anthropic",
		Model:         "claude-sonnet-4-5",
		MaxIterations: 24,
	}
}

// DefaultDataDir returns ~/.pipali, falling back to the working
// directory when the home directory cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pipali"
	}
	return filepath.Join(home, ".pipali")
}

// DefaultConfigPath returns the config file location inside the
// default data directory.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// DatabasePath returns the SQLite file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "pipali.db")
}

// Load reads the config file at path, or the default location when
// path is empty. A missing file yields defaults; environment variables
// override either.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// No file is fine; defaults plus env cover the common case.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PIPALI_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("PIPALI_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("PIPALI_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PIPALI_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("PIPALI_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("PIPALI_TOKEN_ENDPOINT"); v != "" {
		cfg.TokenEndpoint = v
	}
	if v := os.Getenv("PIPALI_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
}
