// Package serverconfig owns the process-wide YAML configuration shape
// (spec §4.12). It mirrors the teacher's config/serverconfig split: this
// package owns the shape and defaults, internal/config owns the ${VAR}
// strict expansion helper, which Load applies to the whole file text
// before parsing.
package serverconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"mcp-relay/internal/config"
)

// ServerConfig is the top-level shape of config.yaml.
type ServerConfig struct {
	Server  ServerSection  `yaml:"server"`
	Store   StoreSection   `yaml:"store"`
	Auth    AuthSection    `yaml:"auth"`
	OAuth   OAuthSection   `yaml:"oauth"`
	Audit   AuditSection   `yaml:"audit"`
	Logging LoggingSection `yaml:"logging"`
}

// ServerSection configures the HTTP listener.
type ServerSection struct {
	Listen  string        `yaml:"listen"`
	BaseURI string        `yaml:"baseURI"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// StoreSection configures the shared-store backend (C1).
type StoreSection struct {
	URL string `yaml:"url"` // e.g. "redis://localhost:6379/0"
}

// AuthSection selects and configures the token validation mode (C4).
type AuthSection struct {
	// Mode is "co-hosted" (validate against the in-process authorization
	// server) or "delegated" (validate via an external introspection
	// endpoint).
	Mode            string        `yaml:"mode"`
	ExternalAuthURL string        `yaml:"externalAuthURL,omitempty"`
	CacheTTL        time.Duration `yaml:"cacheTTL,omitempty"`
	BreakerFailures int           `yaml:"breakerFailures,omitempty"`
	BreakerCooldown time.Duration `yaml:"breakerCooldown,omitempty"`
}

// OAuthSection holds record TTL fields for the authorization server (C3).
// They are parsed but not applied: auth records keep the fixed TTLs
// declared in internal/authrecords.
type OAuthSection struct {
	ClientTTL       time.Duration `yaml:"clientTTL,omitempty"`
	PendingTTL      time.Duration `yaml:"pendingTTL,omitempty"`
	ExchangeTTL     time.Duration `yaml:"exchangeTTL,omitempty"`
	InstallationTTL time.Duration `yaml:"installationTTL,omitempty"`
	RefreshTTL      time.Duration `yaml:"refreshTTL,omitempty"`
}

// AuditSection configures the SQLite-backed audit log (A7).
type AuditSection struct {
	Enabled  bool   `yaml:"enabled"`
	Database string `yaml:"database"`

	// EncryptionKeyEnv, if set, names an environment variable holding a
	// 32-byte hex-encoded key used to encrypt client-address details
	// before they are written to the audit database. Empty means audit
	// details are stored in clear text.
	EncryptionKeyEnv string `yaml:"encryptionKeyEnv,omitempty"`
}

// LoggingSection configures A1.
type LoggingSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a ServerConfig with sensible defaults.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Listen:  "localhost:8443",
			BaseURI: "https://localhost:8443",
			Timeout: 30 * time.Second,
		},
		Store: StoreSection{
			URL: "redis://localhost:6379/0",
		},
		Auth: AuthSection{
			Mode:            "co-hosted",
			CacheTTL:        30 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Audit: AuditSection{
			Enabled:  true,
			Database: "~/.mcp-relay/audit.db",
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads config from path, applying ${VAR} expansion to the raw file
// text before parsing and filling unset fields with defaults (see
// ApplyDefaults). A missing file is not an
// error: it yields Default().
func Load(path string) (*ServerConfig, error) {
	expanded, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("serverconfig: read config: %w", err)
	}

	expandedYAML, err := config.ExpandEnvStrict(string(data))
	if err != nil {
		return nil, fmt.Errorf("serverconfig: expand env vars: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal([]byte(expandedYAML), &cfg); err != nil {
		return nil, fmt.Errorf("serverconfig: parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with Default()'s values.
// Audit.Enabled is a plain bool and is left as parsed, so a loaded file
// that omits it leaves the audit log off although Default() turns it on.
func (c *ServerConfig) ApplyDefaults() {
	d := Default()

	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Server.BaseURI == "" {
		c.Server.BaseURI = d.Server.BaseURI
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = d.Server.Timeout
	}
	if c.Store.URL == "" {
		c.Store.URL = d.Store.URL
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = d.Auth.Mode
	}
	if c.Auth.CacheTTL == 0 {
		c.Auth.CacheTTL = d.Auth.CacheTTL
	}
	if c.Auth.BreakerFailures == 0 {
		c.Auth.BreakerFailures = d.Auth.BreakerFailures
	}
	if c.Auth.BreakerCooldown == 0 {
		c.Auth.BreakerCooldown = d.Auth.BreakerCooldown
	}
	if c.Audit.Database == "" {
		c.Audit.Database = d.Audit.Database
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// Validate checks invariants ApplyDefaults cannot fix on its own.
func (c *ServerConfig) Validate() error {
	if c.Auth.Mode != "co-hosted" && c.Auth.Mode != "delegated" {
		return fmt.Errorf("serverconfig: auth.mode must be \"co-hosted\" or \"delegated\", got %q", c.Auth.Mode)
	}
	if c.Auth.Mode == "delegated" && c.Auth.ExternalAuthURL == "" {
		return fmt.Errorf("serverconfig: auth.externalAuthURL is required when auth.mode is \"delegated\"")
	}
	return nil
}

func expandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("serverconfig: resolve home dir: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
