package chat

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind separates normal replies from failures shown to the user.
type Kind string

const (
	KindMessage Kind = "message"
	KindError   Kind = "error"
)

// Message is one entry of the chat history.
type Message struct {
	Role Role   `json:"role"`
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
	// TierUsed and Model are set on assistant replies.
	TierUsed  string    `json:"tier_used,omitempty"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Turn pairs a reply with the question it answers.
	Turn uint64 `json:"turn"`
}

// IsError reports whether m describes a failed turn.
func (m Message) IsError() bool {
	return m.Kind == KindError
}
