package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Backend identifiers accepted in configuration.
const (
	BackendGoogle  = "google"
	BackendMSGraph = "ms_graph"
)

// AppConfig is the top-level application configuration. Secrets never live
// here; they belong to the encrypted store. This file only selects which
// provider to talk to and how.
type AppConfig struct {
	// Profile names the credential set to use; every profile gets its own
	// encrypted store and key file.
	Profile string `mapstructure:"profile" yaml:"profile"`

	// Backend selects the mail provider ("google" or "ms_graph").
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Authority is the Microsoft authority preference
	// (e.g. "organizations", "consumers", or a full URL).
	Authority string `mapstructure:"authority" yaml:"authority"`

	// EmailAddress is the account the caller stamps as sender.
	EmailAddress string `mapstructure:"email_address" yaml:"email_address"`

	// AuditLog enables the per-profile auth event log.
	AuditLog bool `mapstructure:"audit_log" yaml:"audit_log"`

	// HTTPTimeoutSec bounds each individual request to the provider,
	// separate from the overall device-flow deadline.
	HTTPTimeoutSec int `mapstructure:"http_timeout_sec" yaml:"http_timeout_sec"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/nicemail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "nicemail", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Profile:        "default",
		Backend:        BackendMSGraph,
		Authority:      "organizations",
		AuditLog:       true,
		HTTPTimeoutSec: 10,
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with NICEMAIL override file values
// (NICEMAIL_PROFILE, NICEMAIL_BACKEND, NICEMAIL_AUTHORITY, ...).
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("NICEMAIL")
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("profile", "default")
	v.SetDefault("backend", BackendMSGraph)
	v.SetDefault("authority", "organizations")
	v.SetDefault("audit_log", true)
	v.SetDefault("http_timeout_sec", 10)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Backend != BackendGoogle && cfg.Backend != BackendMSGraph {
		return nil, fmt.Errorf("config %s: unknown backend %q", path, cfg.Backend)
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("profile", cfg.Profile)
	v.Set("backend", cfg.Backend)
	v.Set("authority", cfg.Authority)
	v.Set("email_address", cfg.EmailAddress)
	v.Set("audit_log", cfg.AuditLog)
	v.Set("http_timeout_sec", cfg.HTTPTimeoutSec)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
