package llms

import (
	"fmt"

	"github.com/skiffhq/skiff/pkg/config"
)

// NewProvider selects a chat backend from the manifest's llm section.
// Ollama is the default when no provider is named.
func NewProvider(cfg config.LLMSection) (Provider, error) {
	switch cfg.Provider {
	case "", "ollama":
		return NewOllamaProvider(cfg), nil
	case "openai":
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
