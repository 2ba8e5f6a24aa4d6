package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2, cfg.Pool.MinConns)
	assert.Equal(t, 10, cfg.Pool.MaxConns)
	assert.Equal(t, time.Second, cfg.Enrich.StalenessWindow)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
log_level: debug
output_format: json
pool:
  min_connections: 1
  max_connections: 4
llm:
  providers:
    local:
      kind: selfhosted
      base_url: http://localhost:11434
    claude:
      kind: anthropic
      api_key_env: MY_ANTHROPIC_KEY
  intent: claude
  embedding: local
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.OutputFormat)
	assert.Equal(t, 4, cfg.Pool.MaxConns)
	assert.Equal(t, "anthropic", cfg.LLM.Providers["claude"].Kind)
	assert.Equal(t, "claude", cfg.LLM.Intent)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("AI_SHELL_OUTPUT_FORMAT", "csv")
	t.Setenv("AI_SHELL_VAULT_KEY", "work-vault")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "csv", cfg.OutputFormat)
	assert.Equal(t, "work-vault", cfg.Vault.KeystoreEntry)
}

func TestAPIKeyResolvedFromEnv(t *testing.T) {
	t.Setenv("MY_PROVIDER_KEY", "sk-test-123")

	p := ProviderConfig{Kind: "openai", APIKeyEnv: "MY_PROVIDER_KEY"}
	assert.Equal(t, "sk-test-123", p.APIKey())

	none := ProviderConfig{Kind: "selfhosted"}
	assert.Empty(t, none.APIKey())
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("output_format: xml\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("llm:\n  providers:\n    p:\n      kind: telepathy\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestDefaultPathHonorsEnv(t *testing.T) {
	t.Setenv("AI_SHELL_CONFIG", "/tmp/custom.yaml")
	assert.Equal(t, "/tmp/custom.yaml", DefaultPath())
}
