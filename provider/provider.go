// Package provider talks to hosted LLM APIs. Every backend implements the
// same single-call Provider interface; retry, fallback and key rotation live
// in the translate package, driven by the error classes reported by Classify.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"google.golang.org/genai"
)

// Default Gemini models.
const (
	DefaultPrimaryModel  = "gemini-2.5-flash"
	DefaultFallbackModel = "gemini-2.0-flash"
)

// DefaultOpenAIModel is used with OpenAI-compatible backends, which get no
// fallback model by default.
const DefaultOpenAIModel = "gpt-4o-mini"

// DefaultModels returns the primary and fallback model for a backend name
// accepted by New. ok is false for unknown names.
func DefaultModels(name string) (primary, fallback string, ok bool) {
	switch strings.ToLower(name) {
	case "", "gemini", "google":
		return DefaultPrimaryModel, DefaultFallbackModel, true
	case "openai", "custom-openai":
		return DefaultOpenAIModel, "", true
	}
	return "", "", false
}

// Request is a single generation call.
type Request struct {
	APIKey string
	Model  string
	Prompt string
}

// Provider generates text for a prompt. Implementations make exactly one
// upstream call per Generate and must be safe for concurrent use.
type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ErrEmptyResponse is returned when the upstream answered without text.
var ErrEmptyResponse = errors.New("empty response from provider")

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

// Kind is the class of a provider failure.
type Kind int

const (
	// KindOther is any failure that is neither overload nor quota.
	KindOther Kind = iota
	// KindOverload means the model is temporarily unavailable (503).
	KindOverload
	// KindQuota means the key hit a quota or rate limit (429).
	KindQuota
)

func (k Kind) String() string {
	switch k {
	case KindOverload:
		return "overload"
	case KindQuota:
		return "quota"
	default:
		return "other"
	}
}

// Classify maps an error from Generate to its Kind. Structured API errors are
// inspected first; otherwise the message is matched case-insensitively.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return KindQuota
	}

	var gv genai.APIError
	if errors.As(err, &gv) {
		if k, ok := classifyStatus(gv.Code, gv.Status); ok {
			return k
		}
	}
	var gp *genai.APIError
	if errors.As(err, &gp) && gp != nil {
		if k, ok := classifyStatus(gp.Code, gp.Status); ok {
			return k
		}
	}

	var oa *openai.APIError
	if errors.As(err, &oa) {
		if k, ok := classifyStatus(oa.HTTPStatusCode, ""); ok {
			return k
		}
	}
	var re *openai.RequestError
	if errors.As(err, &re) {
		if k, ok := classifyStatus(re.HTTPStatusCode, ""); ok {
			return k
		}
	}

	return classifyMessage(err.Error())
}

func classifyStatus(code int, status string) (Kind, bool) {
	switch {
	case code == http.StatusServiceUnavailable || status == "UNAVAILABLE":
		return KindOverload, true
	case code == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED":
		return KindQuota, true
	}
	return KindOther, false
}

func classifyMessage(msg string) Kind {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "503") || strings.Contains(msg, "overloaded"):
		return KindOverload
	case strings.Contains(msg, "quota") || strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return KindQuota
	}
	return KindOther
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// Config selects and configures a backend.
type Config struct {
	// Name is "gemini" (default) or "openai".
	Name string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// New returns the backend named by cfg.Name.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "gemini", "google":
		return NewGemini(cfg.BaseURL), nil
	case "openai", "custom-openai":
		return NewOpenAI(cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: gemini, openai)", cfg.Name)
	}
}
