package embeddings

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type openAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
}

func NewOpenAIEmbedder(opts Options) Embedder {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}

	return &openAIEmbedder{
		client:    openai.NewClientWithConfig(cfg),
		model:     opts.Model,
		dimension: opts.Dimension,
	}
}

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	}
	// Only the text-embedding-3 family accepts a reduced dimension.
	if strings.HasPrefix(e.model, "text-embedding-3") && e.dimension > 0 {
		req.Dimensions = e.dimension
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: create openai embeddings: %w", ErrEmbeddingFailed, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: openai returned %d embeddings for %d inputs", ErrEmbeddingFailed, len(resp.Data), len(texts))
	}

	results := make([][]float32, len(resp.Data))
	for _, datum := range resp.Data {
		if e.dimension > 0 && len(datum.Embedding) != e.dimension {
			return nil, fmt.Errorf("%w: openai embedding dimension mismatch: expected %d, got %d", ErrEmbeddingFailed, e.dimension, len(datum.Embedding))
		}
		if datum.Index < 0 || datum.Index >= len(results) {
			return nil, fmt.Errorf("%w: openai embedding index %d out of range", ErrEmbeddingFailed, datum.Index)
		}
		results[datum.Index] = datum.Embedding
	}

	return results, nil
}
