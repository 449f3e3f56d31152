package ai

import (
	"fmt"

	"github.com/kiranshivaraju/quillforge/internal/ai/mock"
	"github.com/kiranshivaraju/quillforge/internal/ai/openai"
	"github.com/kiranshivaraju/quillforge/internal/config"
	"github.com/kiranshivaraju/quillforge/pkg/models"
)

// NewProvider constructs the appropriate AI provider based on config.
// Called once at server startup.
func NewProvider(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(openai.Config{
			Name:    "openai",
			BaseURL: cfg.OpenAI.BaseURL,
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
		}), nil
	case "ollama":
		return openai.NewProvider(openai.Config{
			Name:    "ollama",
			BaseURL: cfg.Ollama.BaseURL,
			Model:   cfg.Ollama.Model,
		}), nil
	case "vllm":
		return openai.NewProvider(openai.Config{
			Name:    "vllm",
			BaseURL: cfg.VLLM.BaseURL,
			Model:   cfg.VLLM.Model,
		}), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of openai, ollama, vllm, mock", cfg.Provider)
	}
}
