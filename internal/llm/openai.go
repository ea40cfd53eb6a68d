package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// GroqBaseURL is the OpenAI-compatible endpoint of Groq.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// OpenAI talks to any OpenAI-compatible chat completions API. The fast tier
// uses it against Groq.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAI creates an OpenAI-compatible backend. baseURL defaults to Groq.
func NewOpenAI(baseURL, apiKey, modelName string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	if baseURL == "" {
		baseURL = GroqBaseURL
	}
	if modelName == "" {
		modelName = "llama-3.1-8b-instant"
	}

	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   modelName,
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

// Invoke sends the prompt to /chat/completions.
func (o *OpenAI) Invoke(ctx context.Context, prompt Prompt) (*Response, error) {
	reqBody := openAIChatRequest{
		Model:     o.model,
		Messages:  make([]openAIMessage, 0, len(prompt.Messages)+1),
		MaxTokens: prompt.MaxTokens,
	}
	if prompt.Temperature > 0 {
		t := prompt.Temperature
		reqBody.Temperature = &t
	}
	if prompt.System != "" {
		reqBody.Messages = append(reqBody.Messages, openAIMessage{Role: string(RoleSystem), Content: prompt.System})
	}
	for _, m := range prompt.Messages {
		reqBody.Messages = append(reqBody.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}

	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}

	var chatResp openAIChatResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/chat/completions", headers, reqBody, &chatResp); err != nil {
		return nil, err
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response from %s", o.model)
	}

	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return nil, fmt.Errorf("%w from %s", ErrEmptyResponse, o.model)
	}

	model := chatResp.Model
	if model == "" {
		model = o.model
	}
	return &Response{
		Text:     text,
		Provider: o.Provider(),
		Model:    model,
	}, nil
}

func (o *OpenAI) Provider() string { return "openai" }

func (o *OpenAI) Model() string { return o.model }

// Close is a no-op for the HTTP client
func (o *OpenAI) Close() error { return nil }
