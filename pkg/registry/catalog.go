package registry

import "strings"

// AllowedProviders lists the providers a model config may name, in display order
var AllowedProviders = []string{"anthropic", "openai", "google"}

var providerLabels = map[string]string{
	"anthropic": "Anthropic",
	"openai":    "OpenAI",
	"google":    "Google",
}

// ProviderOption is a provider entry of the catalog
type ProviderOption struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// CatalogModel describes one chat model
type CatalogModel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	ContextLength int    `json:"context_length"`
}

// Catalog is the static list of supported chat models
type Catalog struct {
	Providers        []ProviderOption          `json:"providers"`
	ModelsByProvider map[string][]CatalogModel `json:"models_by_provider"`
}

var availableModels = map[string][]CatalogModel{
	"anthropic": {
		{ID: "anthropic:claude-opus-4-5", Name: "Claude Opus 4.5 (latest)", Description: "$5/25 per 1M tokens", ContextLength: 200000},
		{ID: "anthropic:claude-sonnet-4-5", Name: "Claude Sonnet 4.5 (latest)", Description: "$3/15 per 1M tokens", ContextLength: 200000},
		{ID: "anthropic:claude-haiku-4-5", Name: "Claude Haiku 4.5 (latest)", Description: "$1/5 per 1M tokens", ContextLength: 200000},
	},
	"openai": {
		{ID: "openai:gpt-5.2", Name: "GPT-5.2", Description: "$1.75/14 per 1M tokens", ContextLength: 400000},
		{ID: "openai:gpt-5.1", Name: "GPT-5.1", Description: "$1.25/10 per 1M tokens", ContextLength: 400000},
		{ID: "openai:gpt-5.1-codex", Name: "GPT-5.1 Codex", Description: "$1.25/10 per 1M tokens", ContextLength: 400000},
		{ID: "openai:gpt-5.1-codex-max", Name: "GPT-5.1 Codex Max", Description: "$1.25/10 per 1M tokens", ContextLength: 400000},
		{ID: "openai:gpt-5.1-codex-mini", Name: "GPT-5.1 Codex mini", Description: "$0.25/2 per 1M tokens", ContextLength: 400000},
		{ID: "openai:gpt-5.2-pro", Name: "GPT-5.2 Pro", Description: "$21/168 per 1M tokens", ContextLength: 400000},
	},
	"google": {
		{ID: "google:gemini-3-flash-preview", Name: "Gemini 3 Flash Preview", Description: "$0.5/3 per 1M tokens", ContextLength: 1048576},
		{ID: "google:gemini-3-pro-preview", Name: "Gemini 3 Pro Preview", Description: "$2/12 per 1M tokens", ContextLength: 1000000},
		{ID: "google:gemini-2.5-flash", Name: "Gemini 2.5 Flash", Description: "$0.3/2.5 per 1M tokens", ContextLength: 1048576},
		{ID: "google:gemini-2.5-pro", Name: "Gemini 2.5 Pro", Description: "$1.25/10 per 1M tokens", ContextLength: 1048576},
		{ID: "google:gemini-2.0-flash", Name: "Gemini 2.0 Flash", Description: "$0.1/0.4 per 1M tokens", ContextLength: 1048576},
	},
}

// NormalizeProvider lowercases and trims a provider name
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// IsAllowedProvider reports whether provider is supported
func IsAllowedProvider(provider string) bool {
	normalized := NormalizeProvider(provider)
	for _, p := range AllowedProviders {
		if p == normalized {
			return true
		}
	}
	return false
}

// ModelCatalog returns the catalog restricted to providers; with no
// arguments every provider is included. Excluded providers map to an
// empty list.
func ModelCatalog(providers ...string) Catalog {
	requested := make(map[string]bool)
	for _, p := range providers {
		requested[NormalizeProvider(p)] = true
	}

	catalog := Catalog{ModelsByProvider: make(map[string][]CatalogModel, len(AllowedProviders))}
	for _, provider := range AllowedProviders {
		catalog.Providers = append(catalog.Providers, ProviderOption{Key: provider, Label: providerLabels[provider]})
		if len(providers) == 0 || requested[provider] {
			catalog.ModelsByProvider[provider] = append([]CatalogModel(nil), availableModels[provider]...)
		} else {
			catalog.ModelsByProvider[provider] = []CatalogModel{}
		}
	}
	return catalog
}
