package embedding

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/jcbbge/anima/internal/memory/errs"
)

// OpenAIProvider is the primary embedding Provider, grounded on the
// teacher's openai-go client construction in internal/llm/openai_client.go,
// adapted from chat completions to the Embeddings endpoint.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider builds a Provider backed by the OpenAI embeddings API.
// baseURL may be empty to use the default endpoint.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), model: model}
}

func (p *OpenAIProvider) Name() string { return "openai:" + p.model }

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: p.model,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindEmbedFailed, "openai embeddings request failed", err)
	}
	if len(resp.Data) == 0 {
		return nil, errs.New(errs.KindEmbedFailed, fmt.Sprintf("openai returned no embeddings for model %s", p.model))
	}
	raw := resp.Data[0].Embedding
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}
