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

// ollamaProvider talks to a self-hosted server speaking the minimal
// chat/embeddings contract. No API key required.
type ollamaProvider struct {
	name       string
	baseURL    string
	model      string
	embedModel string
	httpClient *http.Client
}

func newOllamaProvider(name string, cfg config.ProviderConfig) *ollamaProvider {
	p := &ollamaProvider{
		name:       name,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		embedModel: "nomic-embed-text",
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	if p.baseURL == "" {
		p.baseURL = "http://localhost:11434"
	}
	if p.model == "" {
		p.model = "llama3.2"
	}
	return p
}

func (p *ollamaProvider) Name() string { return p.name }

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  struct {
		Temperature float64 `json:"temperature,omitempty"`
		NumPredict  int     `json:"num_predict,omitempty"`
	} `json:"options"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

func (p *ollamaProvider) Generate(ctx context.Context, messages []Message, params Params) (string, error) {
	req := ollamaChatRequest{Model: p.model, Messages: messages, Stream: false}
	req.Options.Temperature = params.Temperature
	req.Options.NumPredict = params.MaxTokens

	var out ollamaChatResponse
	if err := p.post(ctx, "/api/chat", req, &out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fault.Errorf(fault.KindProvider, "provider %q: %s", p.name, out.Error)
	}
	return out.Message.Content, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (p *ollamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var out ollamaEmbedResponse
	if err := p.post(ctx, "/api/embeddings", ollamaEmbedRequest{Model: p.embedModel, Prompt: text}, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fault.Errorf(fault.KindProvider, "provider %q: %s", p.name, out.Error)
	}
	if len(out.Embedding) == 0 {
		return nil, fault.Errorf(fault.KindProvider, "provider %q returned an empty embedding", p.name)
	}
	return out.Embedding, nil
}

func (p *ollamaProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fault.Wrap(fault.KindProvider, err, "encoding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fault.Wrap(fault.KindProvider, err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fault.Wrap(fault.KindTimeout, err, "provider call deadline exceeded")
		}
		return fault.Wrap(fault.KindProvider, err, "calling self-hosted provider")
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
	return json.Unmarshal(raw, out)
}
