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

// openAIProvider speaks the chat-completions wire format. The zai
// provider reuses it: that API is OpenAI-shaped with different defaults.
type openAIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	embedModel string
	httpClient *http.Client
}

func newOpenAIProvider(name string, cfg config.ProviderConfig) *openAIProvider {
	p := &openAIProvider{
		name:       name,
		apiKey:     cfg.APIKey(),
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		embedModel: "text-embedding-3-small",
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	if p.baseURL == "" {
		p.baseURL = "https://api.openai.com/v1"
	}
	if p.model == "" {
		p.model = "gpt-4o-mini"
	}
	return p
}

func newZAIProvider(name string, cfg config.ProviderConfig) *openAIProvider {
	p := newOpenAIProvider(name, cfg)
	if cfg.BaseURL == "" {
		p.baseURL = "https://api.z.ai/api/paas/v4"
	}
	if cfg.Model == "" {
		p.model = "glm-4.6"
	}
	p.embedModel = "embedding-3"
	return p
}

func (p *openAIProvider) Name() string { return p.name }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (p *openAIProvider) Generate(ctx context.Context, messages []Message, params Params) (string, error) {
	if p.apiKey == "" {
		return "", fault.Errorf(fault.KindProvider, "provider %q has no API key", p.name)
	}
	body := chatRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	}
	var out chatResponse
	if err := p.post(ctx, "/chat/completions", body, &out); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", fault.Errorf(fault.KindProvider, "provider %q: %s", p.name, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fault.Errorf(fault.KindProvider, "provider %q returned no choices", p.name)
	}
	return out.Choices[0].Message.Content, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

func (p *openAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.apiKey == "" {
		return nil, fault.Errorf(fault.KindProvider, "provider %q has no API key", p.name)
	}
	var out embedResponse
	if err := p.post(ctx, "/embeddings", embedRequest{Model: p.embedModel, Input: text}, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, fault.Errorf(fault.KindProvider, "provider %q: %s", p.name, out.Error.Message)
	}
	if len(out.Data) == 0 {
		return nil, fault.Errorf(fault.KindProvider, "provider %q returned no embedding", p.name)
	}
	return out.Data[0].Embedding, nil
}

func (p *openAIProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fault.Wrap(fault.KindProvider, err, "encoding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fault.Wrap(fault.KindProvider, err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fault.Wrap(fault.KindTimeout, err, "provider call deadline exceeded")
		}
		return fault.Wrap(fault.KindProvider, err, "calling provider")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fault.Wrap(fault.KindProvider, err, "reading provider response")
	}
	if resp.StatusCode != http.StatusOK {
		return fault.New(fault.KindProvider,
			fmt.Sprintf("provider %q: status %d: %s", p.name, resp.StatusCode, truncate(string(raw), 200)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fault.Wrap(fault.KindProvider, err, "decoding provider response")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
