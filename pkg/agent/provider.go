package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider names as they appear in "provider:model" strings
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

// googleOpenAIBaseURL is Gemini's OpenAI-compatible endpoint
const googleOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes one non-streaming LLM API call
	Call(ctx context.Context, request LLMRequest) (*Response, error)

	// Provider returns the provider name
	Provider() string
}

// ProviderConfig selects and authenticates a provider
type ProviderConfig struct {
	Provider string
	APIKey   string
	// BaseURL overrides the provider endpoint (tests, proxies).
	BaseURL string
	// Timeout bounds a single HTTP request; zero keeps the SDK default.
	Timeout time.Duration
}

// ProviderCreator creates LLM providers
type ProviderCreator interface {
	NewProvider(cfg ProviderConfig) (LLMProvider, error)
}

// ProviderFactory creates the built-in providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on cfg.Provider
func (f *ProviderFactory) NewProvider(cfg ProviderConfig) (LLMProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing API key for provider %s", cfg.Provider)
	}

	switch cfg.Provider {
	case ProviderAnthropic:
		return NewAnthropicProvider(cfg), nil
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg), nil
	case ProviderGoogle, "gemini":
		return NewGeminiProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// SplitModelName splits "provider:model" into its parts
func SplitModelName(name string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(name), ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("model name %q must look like provider:model", name)
	}
	return strings.ToLower(provider), model, nil
}
