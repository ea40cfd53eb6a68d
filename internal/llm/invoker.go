package llm

import (
	"context"
	"time"
)

// Role is the author of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a prompt.
type Message struct {
	Role    Role
	Content string
}

// Prompt is the provider-neutral request sent to a tier.
type Prompt struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// UserPrompt is a convenience for single-turn prompts.
func UserPrompt(system, text string) Prompt {
	return Prompt{System: system, Messages: []Message{{Role: RoleUser, Content: text}}}
}

// Response is the normalized answer every tier adapter produces.
type Response struct {
	Text     string        `json:"text"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Tier     Tier          `json:"tier"`
	Cost     int64         `json:"cost"`
	Latency  time.Duration `json:"latency"`
}

// Invoker is the uniform call contract implemented by every backend adapter.
// Transport and timeout failures are reported as plain errors; the router
// decides what they mean.
type Invoker interface {
	Invoke(ctx context.Context, prompt Prompt) (*Response, error)
	// Provider names the backend, e.g. "ollama".
	Provider() string
	Model() string
	Close() error
}
