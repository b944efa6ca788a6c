// Package model defines the chat-completion contract AI task nodes run
// against, plus a scriptable mock for tests. Provider adapters live in the
// openai, anthropic, and google subpackages.
package model

import (
	"context"
	"fmt"
)

// Message roles accepted by ChatClient implementations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions carries optional generation parameters. A nil options value
// means provider defaults.
type ChatOptions struct {
	// Temperature overrides the provider default when non-nil.
	Temperature *float64

	// MaxTokens caps the completion length when positive.
	MaxTokens int

	// JSONMode asks the provider for a JSON-object response where the
	// provider supports it; adapters without native JSON mode ignore it
	// and rely on prompt instructions.
	JSONMode bool
}

// ChatResponse is a completed chat turn.
type ChatResponse struct {
	// Content is the assistant's reply text.
	Content string

	// TotalTokens is prompt plus completion token usage as reported by
	// the provider; zero when the provider reports nothing.
	TotalTokens int
}

// ChatClient is the model contract AI task nodes execute against.
//
// Implementations must be safe for concurrent use; parallel branches may
// run AI nodes simultaneously against one client.
type ChatClient interface {
	Chat(ctx context.Context, messages []Message, opts *ChatOptions) (ChatResponse, error)
}

// ProviderError is a classified failure from a model provider. Adapters
// map raw SDK errors into this type so the engine can decide retryability
// without knowing provider specifics.
type ProviderError struct {
	// Code is a stable identifier: "rate_limited", "invalid_api_key",
	// "quota_exceeded", "timeout", "server_error", "api_error".
	Code string

	// Message describes the failure.
	Message string

	// Retryable reports whether the same call may succeed later.
	Retryable bool

	// Cause is the underlying SDK error, if any.
	Cause error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }
