package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

// Ollama implements Invoker against an Ollama server. It serves both the local
// tier and the cloud tier, where Ollama runs behind Cloud Run.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// OllamaOption configures an Ollama backend.
type OllamaOption func(*ollamaConfig)

type ollamaConfig struct {
	client      *http.Client
	idToken     bool
	credentials string
	timeout     time.Duration
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(cfg *ollamaConfig) {
		cfg.client = c
	}
}

// WithIDToken authenticates every request with a Google ID token whose
// audience is the service URL, as Cloud Run requires. credentialsFile may be
// empty to use application default credentials.
func WithIDToken(credentialsFile string) OllamaOption {
	return func(cfg *ollamaConfig) {
		cfg.idToken = true
		cfg.credentials = credentialsFile
	}
}

// WithRequestTimeout bounds each HTTP request.
func WithRequestTimeout(d time.Duration) OllamaOption {
	return func(cfg *ollamaConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

// NewOllama creates a new Ollama backend.
func NewOllama(ctx context.Context, baseURL string, modelName string, opts ...OllamaOption) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		return nil, errors.New("ollama model is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &ollamaConfig{timeout: 600 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	client := cfg.client
	if client == nil && cfg.idToken {
		var clientOpts []option.ClientOption
		if cfg.credentials != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.credentials))
		}
		c, err := idtoken.NewClient(ctx, baseURL, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating ID token client: %w", err)
		}
		c.Timeout = cfg.timeout
		client = c
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	return &Ollama{
		baseURL: baseURL,
		model:   modelName,
		client:  client,
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error"`
}

// Invoke sends the prompt to /api/chat without streaming.
func (o *Ollama) Invoke(ctx context.Context, prompt Prompt) (*Response, error) {
	reqBody := ollamaChatRequest{
		Model:    o.model,
		Stream:   false,
		Messages: make([]ollamaMessage, 0, len(prompt.Messages)+1),
	}
	if prompt.Temperature > 0 || prompt.MaxTokens > 0 {
		reqBody.Options = &ollamaOptions{Temperature: prompt.Temperature, NumPredict: prompt.MaxTokens}
	}
	if prompt.System != "" {
		reqBody.Messages = append(reqBody.Messages, ollamaMessage{Role: string(RoleSystem), Content: prompt.System})
	}
	for _, m := range prompt.Messages {
		reqBody.Messages = append(reqBody.Messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}

	var chatResp ollamaChatResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/api/chat", nil, reqBody, &chatResp); err != nil {
		return nil, err
	}
	if chatResp.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", chatResp.Error)
	}

	text := strings.TrimSpace(chatResp.Message.Content)
	if text == "" {
		return nil, fmt.Errorf("%w from ollama", ErrEmptyResponse)
	}

	model := chatResp.Model
	if model == "" {
		model = o.model
	}
	return &Response{Text: text, Provider: o.Provider(), Model: model}, nil
}

func (o *Ollama) Provider() string { return "ollama" }

func (o *Ollama) Model() string { return o.model }

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
