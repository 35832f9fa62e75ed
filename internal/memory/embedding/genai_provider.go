package embedding

import (
	"context"

	"google.golang.org/genai"

	"github.com/jcbbge/anima/internal/memory/errs"
)

// GenAIProvider is the secondary (fallback) embedding Provider, grounded on
// the teacher's Gemini client construction in internal/llm/google/client.go.
type GenAIProvider struct {
	client *genai.Client
	model  string
}

var _ Provider = (*GenAIProvider)(nil)

// NewGenAIProvider builds a Provider backed by Google's genai embeddings
// API. baseURL may be empty to use the default endpoint.
func NewGenAIProvider(ctx context.Context, apiKey, baseURL, model string) (*GenAIProvider, error) {
	cfg := &genai.ClientConfig{APIKey: apiKey}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfigInvalid, "init genai client", err)
	}
	if model == "" {
		model = "text-embedding-004"
	}
	return &GenAIProvider{client: client, model: model}, nil
}

func (p *GenAIProvider) Name() string { return "genai:" + p.model }

func (p *GenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Models.EmbedContent(ctx, p.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: text}}}}, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindEmbedFailed, "genai embed content failed", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, errs.New(errs.KindEmbedFailed, "genai returned no embedding values")
	}
	return resp.Embeddings[0].Values, nil
}
