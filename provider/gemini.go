package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// Gemini calls the Gemini API through the official SDK. One client is kept
// per API key.
type Gemini struct {
	baseURL string

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGemini returns a Gemini backend. baseURL may be empty.
func NewGemini(baseURL string) *Gemini {
	return &Gemini{
		baseURL: baseURL,
		clients: make(map[string]*genai.Client),
	}
}

func (g *Gemini) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[apiKey]; ok {
		return c, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	g.clients[apiKey] = c
	return c, nil
}

// Generate sends req.Prompt to req.Model and returns the response text as
// received.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	c, err := g.client(ctx, req.APIKey)
	if err != nil {
		return "", err
	}

	resp, err := c.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", req.Model, err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("gemini %s: %w", req.Model, ErrEmptyResponse)
	}
	return text, nil
}
