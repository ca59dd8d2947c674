package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type ollamaClient struct {
	host   string
	opts   Options
	client *http.Client
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  ollamaModelOptions  `json:"options"`
}

type ollamaModelOptions struct {
	Temperature      float32 `json:"temperature"`
	TopP             float32 `json:"top_p,omitempty"`
	NumPredict       int     `json:"num_predict,omitempty"`
	PresencePenalty  float32 `json:"presence_penalty,omitempty"`
	FrequencyPenalty float32 `json:"frequency_penalty,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

func NewOllamaClient(opts Options) Client {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	// Generation is bounded by the request context only.
	return &ollamaClient{
		host:   host,
		opts:   opts,
		client: &http.Client{},
	}
}

func (c *ollamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.post(ctx, prompt, false)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode ollama response: %w", ErrGenerationFailed, err)
	}

	if parsed.Error != "" {
		return "", fmt.Errorf("%w: ollama chat error: %s", ErrGenerationFailed, parsed.Error)
	}

	return parsed.Message.Content, nil
}

func (c *ollamaClient) Stream(ctx context.Context, prompt string, fn func(string) error) error {
	resp, err := c.post(ctx, prompt, true)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: decode ollama stream response: %w", ErrGenerationFailed, err)
		}

		if chunk.Error != "" {
			return fmt.Errorf("%w: ollama chat error: %s", ErrGenerationFailed, chunk.Error)
		}

		if chunk.Message.Content != "" {
			if err := fn(chunk.Message.Content); err != nil {
				return err
			}
		}

		if chunk.Done {
			return nil
		}
	}
}

func (c *ollamaClient) post(ctx context.Context, prompt string, stream bool) (*http.Response, error) {
	payload := ollamaChatRequest{
		Model:    c.opts.Model,
		Messages: toOllamaMessages(userMessages(prompt)),
		Stream:   stream,
		Options: ollamaModelOptions{
			Temperature:      c.opts.Temperature,
			TopP:             c.opts.TopP,
			NumPredict:       c.opts.MaxTokens,
			PresencePenalty:  c.opts.PresencePenalty,
			FrequencyPenalty: c.opts.FrequencyPenalty,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama chat API: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("read ollama chat error body: %w", readErr)
		}
		if len(data) > 0 {
			return nil, fmt.Errorf("ollama chat API error: %s", string(data))
		}
		return nil, fmt.Errorf("ollama chat API returned status %s", resp.Status)
	}

	return resp, nil
}

func toOllamaMessages(messages []Message) []ollamaChatMessage {
	if len(messages) == 0 {
		return nil
	}
	converted := make([]ollamaChatMessage, len(messages))
	for i := range messages {
		converted[i] = ollamaChatMessage(messages[i])
	}
	return converted
}
