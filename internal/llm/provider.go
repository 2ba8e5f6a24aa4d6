// Package llm routes intent analysis, completion, pseudonymisation and
// embeddings through configurable providers with retry, caching and a
// rule-based degraded mode.
package llm

import (
	"context"
	"time"

	"aishell/internal/config"
	"aishell/internal/fault"
)

// Message is one turn of a chat-style exchange.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// Params tune a generation request.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// DefaultParams returns the generation defaults.
func DefaultParams() Params {
	return Params{MaxTokens: 1024, Temperature: 0.2}
}

// Provider is one configured model endpoint. Generate is mandatory;
// providers without an embedding surface return ProviderError from Embed.
type Provider interface {
	Name() string
	Generate(ctx context.Context, messages []Message, params Params) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// defaultHTTPTimeout bounds a single provider round trip. The manager's
// per-call deadline is usually shorter.
const defaultHTTPTimeout = 60 * time.Second

// NewProvider builds a provider from its config entry.
func NewProvider(name string, cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case "selfhosted":
		return newOllamaProvider(name, cfg), nil
	case "openai":
		return newOpenAIProvider(name, cfg), nil
	case "anthropic":
		return newAnthropicProvider(name, cfg), nil
	case "zai":
		return newZAIProvider(name, cfg), nil
	case "genai":
		return newGenAIProvider(name, cfg)
	default:
		return nil, fault.Errorf(fault.KindInvalidInput, "unknown provider kind %q", cfg.Kind)
	}
}
