package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"aishell/internal/config"
	"aishell/internal/fault"
)

// anthropicProvider speaks the messages API. It has no embedding surface;
// the embed function must be routed to another provider.
type anthropicProvider struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func newAnthropicProvider(name string, cfg config.ProviderConfig) *anthropicProvider {
	p := &anthropicProvider{
		name:       name,
		apiKey:     cfg.APIKey(),
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	if p.baseURL == "" {
		p.baseURL = "https://api.anthropic.com/v1"
	}
	if p.model == "" {
		p.model = "claude-sonnet-4-20250514"
	}
	return p
}

func (p *anthropicProvider) Name() string { return p.name }

type anthropicRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *anthropicProvider) Generate(ctx context.Context, messages []Message, params Params) (string, error) {
	if p.apiKey == "" {
		return "", fault.Errorf(fault.KindProvider, "provider %q has no API key", p.name)
	}

	// The messages API carries the system turn as a top-level field.
	req := anthropicRequest{Model: p.model, MaxTokens: params.MaxTokens}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultParams().MaxTokens
	}
	for _, m := range messages {
		if m.Role == "system" {
			req.System = m.Content
			continue
		}
		req.Messages = append(req.Messages, m)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fault.Wrap(fault.KindProvider, err, "encoding request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fault.Wrap(fault.KindProvider, err, "building request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", fault.Wrap(fault.KindTimeout, err, "provider call deadline exceeded")
		}
		return "", fault.Wrap(fault.KindProvider, err, "calling provider")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fault.Wrap(fault.KindProvider, err, "reading provider response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fault.New(fault.KindProvider,
			fmt.Sprintf("provider %q: status %d: %s", p.name, resp.StatusCode, truncate(string(raw), 200)))
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fault.Wrap(fault.KindProvider, err, "decoding provider response")
	}
	if out.Error != nil {
		return "", fault.Errorf(fault.KindProvider, "provider %q: %s", p.name, out.Error.Message)
	}
	for _, block := range out.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fault.Errorf(fault.KindProvider, "provider %q returned no text content", p.name)
}

func (p *anthropicProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, fault.Errorf(fault.KindProvider, "provider %q does not support embeddings", p.name)
}
