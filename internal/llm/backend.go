package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BackendConfig holds the opaque connection settings for one tier backend.
type BackendConfig struct {
	// Provider is one of groq, openai, ollama, gemini or anthropic.
	Provider string
	URL      string
	APIKey   string
	Model    string
	// IDToken enables Google ID token auth for Ollama behind Cloud Run.
	IDToken         bool
	CredentialsFile string
	Timeout         time.Duration
}

// NewBackend builds the Invoker for cfg.Provider.
func NewBackend(ctx context.Context, cfg BackendConfig) (Invoker, error) {
	switch strings.ToLower(cfg.Provider) {
	case "groq", "openai":
		return NewOpenAI(cfg.URL, cfg.APIKey, cfg.Model)
	case "ollama":
		opts := []OllamaOption{WithRequestTimeout(cfg.Timeout)}
		if cfg.IDToken {
			opts = append(opts, WithIDToken(cfg.CredentialsFile))
		}
		return NewOllama(ctx, cfg.URL, cfg.Model, opts...)
	case "gemini":
		return NewGemini(ctx, cfg.APIKey, cfg.Model)
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.Model)
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}
