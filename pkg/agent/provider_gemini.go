package agent

// NewGeminiProvider creates a Google Gemini provider backed by Gemini's
// OpenAI-compatible chat completions endpoint.
func NewGeminiProvider(cfg ProviderConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = googleOpenAIBaseURL
	}
	return newOpenAICompatible(ProviderGoogle, cfg)
}
