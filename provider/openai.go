package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	baseURL string
}

// NewOpenAI returns an OpenAI backend. An empty baseURL uses api.openai.com.
func NewOpenAI(baseURL string) *OpenAI {
	return &OpenAI{baseURL: baseURL}
}

// Generate sends req.Prompt as a single user message and returns the first
// choice as received.
func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	cfg := openai.DefaultConfig(req.APIKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai %s: %w", req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai %s: %w", req.Model, ErrEmptyResponse)
	}

	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("openai %s: %w", req.Model, ErrEmptyResponse)
	}
	return text, nil
}
