package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements Invoker using Google Gemini.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a new Gemini backend
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  modelName,
	}, nil
}

// Invoke replays the prompt as a chat and sends the final user turn.
func (g *Gemini) Invoke(ctx context.Context, prompt Prompt) (*Response, error) {
	history, last, err := geminiHistory(prompt.Messages)
	if err != nil {
		return nil, err
	}

	// GenerativeModel carries per-call settings, so each call gets its own
	model := g.client.GenerativeModel(g.model)
	if prompt.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(prompt.System)}}
	}
	if prompt.Temperature > 0 {
		model.SetTemperature(float32(prompt.Temperature))
	}
	if prompt.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(prompt.MaxTokens))
	}

	cs := model.StartChat()
	cs.History = history

	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	text, err := geminiText(resp)
	if err != nil {
		return nil, err
	}

	return &Response{
		Text:     text,
		Provider: g.Provider(),
		Model:    g.model,
	}, nil
}

// geminiText joins the text parts of the first candidate
func geminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w from gemini: no candidates", ErrEmptyResponse)
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	text := strings.TrimSpace(responseText.String())
	if text == "" {
		return "", fmt.Errorf("%w from gemini", ErrEmptyResponse)
	}
	return text, nil
}

// geminiHistory splits messages into prior turns and the final user text.
// Gemini calls the assistant role "model".
func geminiHistory(msgs []Message) ([]*genai.Content, string, error) {
	if len(msgs) == 0 {
		return nil, "", errors.New("prompt has no messages")
	}
	last := msgs[len(msgs)-1]
	if last.Role != RoleUser {
		return nil, "", fmt.Errorf("last message must be from the user, got %s", last.Role)
	}

	history := make([]*genai.Content, 0, len(msgs)-1)
	for _, m := range msgs[:len(msgs)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return history, last.Content, nil
}

func (g *Gemini) Provider() string { return "gemini" }

func (g *Gemini) Model() string { return g.model }

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
