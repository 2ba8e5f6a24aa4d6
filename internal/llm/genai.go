package llm

import (
	"context"

	"google.golang.org/genai"

	"aishell/internal/config"
	"aishell/internal/fault"
)

// genAIProvider routes generation and embeddings through the Gemini API.
type genAIProvider struct {
	name       string
	client     *genai.Client
	model      string
	embedModel string
}

func newGenAIProvider(name string, cfg config.ProviderConfig) (*genAIProvider, error) {
	apiKey := cfg.APIKey()
	if apiKey == "" {
		return nil, fault.Errorf(fault.KindInvalidInput, "provider %q requires an API key", name)
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fault.Wrap(fault.KindProvider, err, "creating genai client")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &genAIProvider{
		name:       name,
		client:     client,
		model:      model,
		embedModel: "gemini-embedding-001",
	}, nil
}

func (p *genAIProvider) Name() string { return p.name }

func (p *genAIProvider) Generate(ctx context.Context, messages []Message, params Params) (string, error) {
	contents := make([]*genai.Content, 0, len(messages))
	var cfg genai.GenerateContentConfig
	for _, m := range messages {
		switch m.Role {
		case "system":
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if params.Temperature > 0 {
		temp := float32(params.Temperature)
		cfg.Temperature = &temp
	}
	if params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(params.MaxTokens)
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, contents, &cfg)
	if err != nil {
		return "", fault.Wrap(fault.KindProvider, err, "genai generate")
	}
	text := result.Text()
	if text == "" {
		return "", fault.Errorf(fault.KindProvider, "provider %q returned no text", p.name)
	}
	return text, nil
}

func (p *genAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := p.client.Models.EmbedContent(ctx, p.embedModel, contents,
		&genai.EmbedContentRequest{TaskType: genai.TaskTypeSemanticSimilarity})
	if err != nil {
		return nil, fault.Wrap(fault.KindProvider, err, "genai embed")
	}
	if len(result.Embeddings) == 0 {
		return nil, fault.Errorf(fault.KindProvider, "provider %q returned no embedding", p.name)
	}
	return result.Embeddings[0].Values, nil
}
