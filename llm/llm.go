package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabfab/course-rag/config"
)

const RoleUser = "user"

// ErrGenerationFailed wraps every failure of the generation backend.
var ErrGenerationFailed = errors.New("generation failed")

type Message struct {
	Role    string
	Content string
}

// Client generates text for a prompt. Stream calls fn once per produced
// fragment; a successful stream may produce no fragments at all. An error
// returned by fn stops the stream and is returned unchanged.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Stream(ctx context.Context, prompt string, fn func(string) error) error
}

type Options struct {
	Provider string
	Model    string

	Temperature      float32
	MaxTokens        int
	TopP             float32
	PresencePenalty  float32
	FrequencyPenalty float32

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:         cfg.LLM.Provider,
		Model:            cfg.LLM.Model,
		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
		TopP:             cfg.LLM.TopP,
		PresencePenalty:  cfg.LLM.PresencePenalty,
		FrequencyPenalty: cfg.LLM.FrequencyPenalty,
		OllamaHost:       cfg.OllamaHost,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}

// Ping sends a trivial prompt to confirm the backend answers.
func Ping(ctx context.Context, c Client) (string, error) {
	if c == nil {
		return "", fmt.Errorf("%w: llm client is not configured", ErrGenerationFailed)
	}
	return c.Generate(ctx, "Hello, are you there?")
}

func userMessages(prompt string) []Message {
	return []Message{{Role: RoleUser, Content: prompt}}
}
