// Package llm constructs the chat model from runtime configuration. Agents
// and the orchestrator only ever see the llms.Model interface; the provider
// choice stays here.
package llm

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider identifies a model vendor.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenRouter Provider = "openrouter"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// Config holds what model construction needs.
type Config struct {
	Provider Provider
	ModelID  string
	APIKey   string
	// BaseURL overrides the provider endpoint for OpenAI-compatible gateways.
	BaseURL string
}

// DetectProvider infers the provider from a model id. Explicit configuration
// always wins over this heuristic.
func DetectProvider(modelID string) Provider {
	id := strings.ToLower(modelID)
	switch {
	case strings.HasPrefix(id, "claude"):
		return ProviderAnthropic
	case strings.Contains(id, "/"):
		// Namespaced ids ("openai/gpt-4o-mini") are OpenRouter style.
		return ProviderOpenRouter
	default:
		return ProviderOpenAI
	}
}

// Initialize builds the model for the configured provider.
func Initialize(cfg Config) (llms.Model, error) {
	if cfg.ModelID == "" {
		return nil, fmt.Errorf("model id is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for provider %s", cfg.Provider)
	}

	switch cfg.Provider {
	case ProviderOpenAI:
		opts := []openai.Option{
			openai.WithModel(cfg.ModelID),
			openai.WithToken(cfg.APIKey),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case ProviderOpenRouter:
		base := cfg.BaseURL
		if base == "" {
			base = openRouterBaseURL
		}
		return openai.New(
			openai.WithModel(cfg.ModelID),
			openai.WithToken(cfg.APIKey),
			openai.WithBaseURL(base),
		)
	case ProviderAnthropic:
		return anthropic.New(
			anthropic.WithModel(cfg.ModelID),
			anthropic.WithToken(cfg.APIKey),
		)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
