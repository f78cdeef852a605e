package llm

// Provider identifies an upstream LLM vendor.
type Provider string

// Supported providers.
const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGrok       Provider = "grok"
	ProviderGemini     Provider = "gemini"
	ProviderOpenRouter Provider = "openrouter"
	ProviderMock       Provider = "mock"
)

// IsValid checks if the provider is one of the supported vendors.
func (p Provider) IsValid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGrok, ProviderGemini, ProviderOpenRouter, ProviderMock:
		return true
	default:
		return false
	}
}

// String returns the provider identifier.
func (p Provider) String() string {
	return string(p)
}
