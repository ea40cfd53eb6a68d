package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zombor/receipt-assistant/internal/llm"
)

// DefaultWindow is the number of earlier turns sent along with a question.
const DefaultWindow = 10

// SystemPrompt frames the assistant for personal finance questions.
const SystemPrompt = `You are a financial assistant. You explain personal finance topics clearly: budgeting and saving, debt and credit, investing basics, taxes in general terms, and the user's own spending.

When a Financial Context section is present it describes the user's processed receipts. Base answers about their spending on it and say so when it does not contain what is needed.

You give education, not individual investment, legal or tax advice. Suggest a qualified professional for decisions that depend on personal circumstances.`

// Submitter is the part of the model router a session needs.
type Submitter interface {
	Submit(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Session keeps the conversation shown to the user and sends a bounded slice
// of it to the router with every question. The displayed history is only
// appended to, except by Reset.
type Session struct {
	router Submitter
	window int
	system string
	now    func() time.Time

	mu        sync.Mutex
	history   []Message
	financial string
	turns     uint64
	// resets counts Reset calls so replies to cleared questions are dropped
	resets uint64
}

// Option configures a Session.
type Option func(*Session)

// WithWindow sets how many earlier turns are sent as context. Zero sends none.
func WithWindow(turns int) Option {
	return func(s *Session) {
		if turns >= 0 {
			s.window = turns
		}
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(s *Session) {
		s.system = prompt
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates an empty session sending through router.
func NewSession(router Submitter, opts ...Option) *Session {
	s := &Session{
		router: router,
		window: DefaultWindow,
		system: SystemPrompt,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Send records text as a user turn, asks the router for a reply and records
// that too. A router failure is recorded and returned as an error message.
// Sends may overlap; each reply is paired with its own question by turn.
func (s *Session) Send(ctx context.Context, text string, preferred llm.Tier) Message {
	s.mu.Lock()
	prior := s.contextTurns()
	financial := s.financial
	s.turns++
	turn, resets := s.turns, s.resets
	s.history = append(s.history, Message{
		Role:      RoleUser,
		Kind:      KindMessage,
		Text:      text,
		Timestamp: s.now(),
		Turn:      turn,
	})
	s.mu.Unlock()

	messages := make([]llm.Message, 0, len(prior)+1)
	for _, m := range prior {
		messages = append(messages, llm.Message{Role: llmRole(m.Role), Content: m.Text})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question(financial, text)})

	resp, err := s.router.Submit(ctx, llm.Request{
		Prompt: llm.Prompt{
			System:      s.system,
			Messages:    messages,
			Temperature: 0.7,
		},
		Preferred: preferred,
	})

	var reply Message
	if err != nil {
		slog.Warn("Chat turn failed", "preferred", preferred, "error", err)
		reply = Message{
			Role:      RoleAssistant,
			Kind:      KindError,
			Text:      errorText(err),
			Timestamp: s.now(),
			Turn:      turn,
		}
	} else {
		reply = Message{
			Role:      RoleAssistant,
			Kind:      KindMessage,
			Text:      resp.Text,
			TierUsed:  resp.Tier.String(),
			Model:     resp.Model,
			Timestamp: s.now(),
			Turn:      turn,
		}
	}

	s.mu.Lock()
	if s.resets == resets {
		s.history = append(s.history, reply)
	}
	s.mu.Unlock()
	return reply
}

// History returns every message shown to the user, oldest first.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history...)
}

// ContextWindow returns the earlier turns the next Send will carry.
func (s *Session) ContextWindow() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextTurns()
}

// SetContext attaches a description of the user's finances to later questions.
func (s *Session) SetContext(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.financial = strings.TrimSpace(summary)
}

// Reset clears the history. The financial context is kept. Replies still in
// flight are returned to their callers but not recorded.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.resets++
}

// contextTurns collects the last s.window answered turns in the order they
// were asked. Failed and unanswered turns are skipped. Callers hold s.mu.
func (s *Session) contextTurns() []Message {
	if s.window == 0 {
		return nil
	}

	answers := make(map[uint64]Message)
	for _, m := range s.history {
		if m.Role == RoleAssistant && !m.IsError() {
			answers[m.Turn] = m
		}
	}

	var turns [][2]Message
	for _, q := range s.history {
		if q.Role != RoleUser {
			continue
		}
		if a, ok := answers[q.Turn]; ok {
			turns = append(turns, [2]Message{q, a})
		}
	}
	if len(turns) > s.window {
		turns = turns[len(turns)-s.window:]
	}

	out := make([]Message, 0, 2*len(turns))
	for _, t := range turns {
		out = append(out, t[0], t[1])
	}
	return out
}

func question(financial, text string) string {
	if financial == "" {
		return "User Question: " + text
	}
	return fmt.Sprintf("Financial Context:\n%s\n\nUser Question: %s", financial, text)
}

func llmRole(r Role) llm.Role {
	if r == RoleAssistant {
		return llm.RoleAssistant
	}
	return llm.RoleUser
}

func errorText(err error) string {
	switch {
	case errors.Is(err, llm.ErrInsufficientCredits):
		return "Not enough credits left for any model. Choose a cheaper model or add credits."
	case errors.Is(err, llm.ErrAllTiersUnavailable):
		return "No model is reachable right now. Please try again in a moment."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The request was cancelled before the assistant answered."
	}
	return fmt.Sprintf("The assistant could not answer: %v", err)
}
