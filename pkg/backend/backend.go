// Package backend defines the contract between the discussion engine and the
// model providers that produce agent replies: the Think call, its request and
// result shapes, and the structured error taxonomy every adapter must speak.
package backend

import "context"

// Role identifies who authored a history message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history handed to a backend.
// Name carries the speaker's display name so multi-agent transcripts stay
// attributable after they are flattened into provider roles.
type Message struct {
	Role    Role   `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Params are the per-call model knobs. Zero values mean provider defaults.
type Params struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Request is everything a backend needs to produce one reply.
type Request struct {
	SystemPrompt string
	History      []Message
	Params       Params
}

// Usage reports token consumption for one Think call.
type Usage struct {
	Input       int `json:"input"`
	Output      int `json:"output"`
	TotalTokens int `json:"total_tokens"`
}

// Result is a completed Think call.
type Result struct {
	Text  string
	Usage Usage
}

// Backend produces a text reply given a system prompt and history.
//
// Implementations must honour ctx cancellation promptly and return errors
// from this package's taxonomy (wrap with Wrap or construct an *Error) so the
// controller can tell transient failures from permanent ones.
type Backend interface {
	// Name returns the platform identifier, e.g. "openai", "anthropic".
	Name() string

	Think(ctx context.Context, req Request) (*Result, error)
}
