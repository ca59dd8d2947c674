package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

type openAIClient struct {
	client *openai.Client
	opts   Options
}

func NewOpenAIClient(opts Options) Client {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}

	return &openAIClient{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
	}
}

func (c *openAIClient) request(prompt string, stream bool) openai.ChatCompletionRequest {
	messages := userMessages(prompt)
	req := openai.ChatCompletionRequest{
		Model:            c.opts.Model,
		Temperature:      c.opts.Temperature,
		MaxTokens:        c.opts.MaxTokens,
		TopP:             c.opts.TopP,
		PresencePenalty:  c.opts.PresencePenalty,
		FrequencyPenalty: c.opts.FrequencyPenalty,
		Stream:           stream,
		Messages:         make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, msg := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return req
}

func (c *openAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(prompt, false))
	if err != nil {
		return "", fmt.Errorf("%w: create openai chat completion: %w", ErrGenerationFailed, err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai chat completion returned no choices", ErrGenerationFailed)
	}

	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) Stream(ctx context.Context, prompt string, fn func(string) error) error {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.request(prompt, true))
	if err != nil {
		return fmt.Errorf("%w: open openai stream: %w", ErrGenerationFailed, err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: receive openai stream: %w", ErrGenerationFailed, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
	}
}
