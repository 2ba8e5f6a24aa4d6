// Package config loads the aishell configuration file and resolves
// environment overrides. The config lives in the per-user state directory
// (~/.aishell/config.yaml) unless AI_SHELL_CONFIG points elsewhere.
//
// API keys are never stored in the file itself: each provider block names
// the environment variable that holds its key (api_key_env) and the key is
// resolved at client-construction time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	StateDir     string       `yaml:"state_dir"`
	LogLevel     string       `yaml:"log_level"`
	OutputFormat string       `yaml:"output_format"`
	Vault        VaultConfig  `yaml:"vault"`
	Pool         PoolConfig   `yaml:"pool"`
	LLM          LLMConfig    `yaml:"llm"`
	Enrich       EnrichConfig `yaml:"enrichment"`
	Bus          BusConfig    `yaml:"event_bus"`
	Connections  []Connection `yaml:"connections"`
}

// VaultConfig controls the credential vault.
type VaultConfig struct {
	// KeystoreEntry names the OS keystore entry the master key derives from.
	// Overridden by AI_SHELL_VAULT_KEY.
	KeystoreEntry string `yaml:"keystore_entry"`
	Iterations    int    `yaml:"kdf_iterations"`
}

// PoolConfig holds defaults for database connection pools.
type PoolConfig struct {
	MinConns             int           `yaml:"min_connections"`
	MaxConns             int           `yaml:"max_connections"`
	AcquireTimeout       time.Duration `yaml:"acquire_timeout"`
	ValidationWindow     time.Duration `yaml:"validation_window"`
	MaxValidationRetries int           `yaml:"max_validation_retries"`
	HealthSweepInterval  time.Duration `yaml:"health_sweep_interval"`
	DrainTimeout         time.Duration `yaml:"drain_timeout"`
}

// ProviderConfig describes a single LLM provider endpoint.
type ProviderConfig struct {
	// Kind is one of: selfhosted, openai, anthropic, zai, genai.
	Kind      string `yaml:"kind"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIKey resolves the provider's API key from the configured environment
// variable. Self-hosted endpoints may legitimately have none.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// LLMConfig routes the manager's logical functions to named providers.
// Pseudonymisation is deterministic and local, so it takes no routing.
type LLMConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Function routing: each names a key in Providers. Empty means
	// rule-based fallback (intent) or disabled (the rest).
	Intent     string `yaml:"intent"`
	Completion string `yaml:"completion"`
	Embedding  string `yaml:"embedding"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	EmbedCacheSize int           `yaml:"embed_cache_size"`
}

// EnrichConfig tunes the background enrichment pipeline.
type EnrichConfig struct {
	StalenessWindow  time.Duration `yaml:"staleness_window"`
	GathererDeadline time.Duration `yaml:"gatherer_deadline"`
	QueueSize        int           `yaml:"queue_size"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	HighWaterMark    int           `yaml:"high_water_mark"`
	CriticalDeadline time.Duration `yaml:"critical_deadline"`
}

// Connection is a saved database connection. The DSN may reference a vault
// credential via $vault.<name> expansion, resolved at connect time.
type Connection struct {
	Name string `yaml:"name"`
	DSN  string `yaml:"dsn"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir:     defaultStateDir(),
		LogLevel:     "info",
		OutputFormat: "text",
		Vault: VaultConfig{
			KeystoreEntry: "aishell-vault",
			Iterations:    100_000,
		},
		Pool: PoolConfig{
			MinConns:             2,
			MaxConns:             10,
			AcquireTimeout:       5 * time.Second,
			ValidationWindow:     5 * time.Second,
			MaxValidationRetries: 3,
			HealthSweepInterval:  30 * time.Second,
			DrainTimeout:         10 * time.Second,
		},
		LLM: LLMConfig{
			Providers:      map[string]ProviderConfig{},
			RequestTimeout: 10 * time.Second,
			MaxRetries:     3,
			EmbedCacheSize: 4096,
		},
		Enrich: EnrichConfig{
			StalenessWindow:  time.Second,
			GathererDeadline: 250 * time.Millisecond,
			QueueSize:        64,
		},
		Bus: BusConfig{
			HighWaterMark:    1024,
			CriticalDeadline: 2 * time.Second,
		},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aishell"
	}
	return filepath.Join(home, ".aishell")
}

// DefaultPath returns the config file location, honoring AI_SHELL_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("AI_SHELL_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultStateDir(), "config.yaml")
}

// Load reads the config at path, applying defaults for absent fields and
// environment overrides on top. A missing file is not an error: the
// defaults are returned so first runs work without setup.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides on top of file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AI_SHELL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AI_SHELL_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = v
	}
	if v := os.Getenv("AI_SHELL_VAULT_KEY"); v != "" {
		cfg.Vault.KeystoreEntry = v
	}
}

func (c *Config) validate() error {
	switch c.OutputFormat {
	case "text", "json", "table", "csv":
	default:
		return fmt.Errorf("invalid output_format %q (want text|json|table|csv)", c.OutputFormat)
	}
	if c.Pool.MinConns > c.Pool.MaxConns {
		return fmt.Errorf("pool min_connections (%d) exceeds max_connections (%d)",
			c.Pool.MinConns, c.Pool.MaxConns)
	}
	for name, p := range c.LLM.Providers {
		switch p.Kind {
		case "selfhosted", "openai", "anthropic", "zai", "genai":
		default:
			return fmt.Errorf("provider %q: unknown kind %q", name, p.Kind)
		}
	}
	return nil
}

// EnsureStateDir creates the state directory with owner-only permissions.
func (c *Config) EnsureStateDir() error {
	return os.MkdirAll(c.StateDir, 0o700)
}
