package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 1024

// Anthropic implements Invoker with the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic backend. Extra request options are passed
// to the SDK client, e.g. a base URL for tests.
func NewAnthropic(apiKey, modelName string, opts ...aoption.RequestOption) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if modelName == "" {
		modelName = "claude-3-5-haiku-latest"
	}

	opts = append([]aoption.RequestOption{aoption.WithAPIKey(apiKey)}, opts...)
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  modelName,
	}, nil
}

// Invoke sends the prompt through Messages.New and joins the text blocks.
func (a *Anthropic) Invoke(ctx context.Context, prompt Prompt) (*Response, error) {
	if len(prompt.Messages) == 0 {
		return nil, errors.New("prompt has no messages")
	}

	maxTokens := int64(prompt.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(prompt.Messages)),
	}
	if prompt.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System}}
	}
	if prompt.Temperature > 0 {
		params.Temperature = anthropic.Float(prompt.Temperature)
	}
	for _, m := range prompt.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	answer := strings.TrimSpace(text.String())
	if answer == "" {
		return nil, fmt.Errorf("%w from anthropic", ErrEmptyResponse)
	}

	return &Response{
		Text:     answer,
		Provider: a.Provider(),
		Model:    string(resp.Model),
	}, nil
}

func (a *Anthropic) Provider() string { return "anthropic" }

func (a *Anthropic) Model() string { return a.model }

// Close is a no-op; the SDK client holds no resources
func (a *Anthropic) Close() error { return nil }
