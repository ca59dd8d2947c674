package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabfab/course-rag/config"
)

// ErrEmbeddingFailed wraps every failure of the embedding backend.
var ErrEmbeddingFailed = errors.New("embedding failed")

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(opts), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}

// EmbedQuery embeds a single text.
func EmbedQuery(ctx context.Context, e Embedder, text string) ([]float32, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: embedder is not configured", ErrEmbeddingFailed)
	}
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		if errors.Is(err, ErrEmbeddingFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: embedder returned no vectors", ErrEmbeddingFailed)
	}
	return vectors[0], nil
}
