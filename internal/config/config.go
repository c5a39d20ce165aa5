// Package config loads the daemon's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Validation errors.
var (
	ErrNoWebhookSecret    = errors.New("config: webhook_secret is required")
	ErrNoCredentialSecret = errors.New("config: credential_secret is required")
	ErrNoDatabasePath     = errors.New("config: database_path is required")
	ErrBadProviderKind    = errors.New("config: provider.kind must be \"mock\" or \"rest\"")
)

// Duration wraps time.Duration for TOML strings like "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Provider selects and configures the payment backend.
type Provider struct {
	Kind   string `toml:"kind"`
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// APIKey provisions one caller credential.
type APIKey struct {
	Key     string   `toml:"key"`
	AgentID string   `toml:"agent_id"`
	Scopes  []string `toml:"scopes"`
}

// Config is the daemon configuration.
type Config struct {
	Listen                string   `toml:"listen"`
	DatabasePath          string   `toml:"database_path"`
	DomainID              string   `toml:"domain_id"`
	WebhookSecret         string   `toml:"webhook_secret"`
	CredentialSecret      string   `toml:"credential_secret"`
	PolicyRefreshInterval Duration `toml:"policy_refresh_interval"`
	Provider              Provider `toml:"provider"`
	APIKeys               []APIKey `toml:"api_keys"`
}

// Default returns the configuration used when a field is absent.
func Default() Config {
	return Config{
		Listen:                ":8402",
		DomainID:              "default",
		PolicyRefreshInterval: Duration{60 * time.Second},
		Provider:              Provider{Kind: "mock"},
	}
}

// Load reads and validates the TOML file at path.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return ErrNoDatabasePath
	}
	if c.WebhookSecret == "" {
		return ErrNoWebhookSecret
	}
	if c.CredentialSecret == "" {
		return ErrNoCredentialSecret
	}
	switch c.Provider.Kind {
	case "mock":
	case "rest":
		if c.Provider.URL == "" {
			return errors.New("config: provider.url is required for the rest provider")
		}
	default:
		return ErrBadProviderKind
	}
	for i, k := range c.APIKeys {
		if k.Key == "" || k.AgentID == "" {
			return fmt.Errorf("config: api_keys[%d] needs key and agent_id", i)
		}
	}
	return nil
}
