package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pressgate.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen = ":9000"
database_path = "data/pressgate.db"
domain_id = "newsroom"
webhook_secret = "hook"
credential_secret = "cred"
policy_refresh_interval = "90s"

[provider]
kind = "rest"
url = "https://invoices.example.com"
api_key = "provider-key"

[[api_keys]]
key = "key-1"
agent_id = "agent-1"
scopes = ["content:read", "content:write"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "newsroom", cfg.DomainID)
	assert.Equal(t, 90*time.Second, cfg.PolicyRefreshInterval.Duration)
	assert.Equal(t, "rest", cfg.Provider.Kind)
	require.Len(t, cfg.APIKeys, 1)
	assert.Equal(t, []string{"content:read", "content:write"}, cfg.APIKeys[0].Scopes)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database_path = "pressgate.db"
webhook_secret = "hook"
credential_secret = "cred"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8402", cfg.Listen)
	assert.Equal(t, "default", cfg.DomainID)
	assert.Equal(t, 60*time.Second, cfg.PolicyRefreshInterval.Duration)
	assert.Equal(t, "mock", cfg.Provider.Kind)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.DatabasePath = "pressgate.db"
		cfg.WebhookSecret = "hook"
		cfg.CredentialSecret = "cred"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("missing database path", func(t *testing.T) {
		cfg := base()
		cfg.DatabasePath = ""
		assert.ErrorIs(t, cfg.Validate(), ErrNoDatabasePath)
	})

	t.Run("missing webhook secret", func(t *testing.T) {
		cfg := base()
		cfg.WebhookSecret = ""
		assert.ErrorIs(t, cfg.Validate(), ErrNoWebhookSecret)
	})

	t.Run("missing credential secret", func(t *testing.T) {
		cfg := base()
		cfg.CredentialSecret = ""
		assert.ErrorIs(t, cfg.Validate(), ErrNoCredentialSecret)
	})

	t.Run("unknown provider kind", func(t *testing.T) {
		cfg := base()
		cfg.Provider.Kind = "carrier-pigeon"
		assert.ErrorIs(t, cfg.Validate(), ErrBadProviderKind)
	})

	t.Run("rest provider needs a url", func(t *testing.T) {
		cfg := base()
		cfg.Provider = Provider{Kind: "rest"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("api key needs key and agent id", func(t *testing.T) {
		cfg := base()
		cfg.APIKeys = []APIKey{{Key: "k"}}
		assert.Error(t, cfg.Validate())
	})
}

func TestBadDuration(t *testing.T) {
	path := writeConfig(t, `
database_path = "pressgate.db"
webhook_secret = "hook"
credential_secret = "cred"
policy_refresh_interval = "soon"
`)
	_, err := Load(path)
	require.Error(t, err)
}
