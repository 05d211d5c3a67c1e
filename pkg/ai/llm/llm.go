// Package llm defines the generative text provider contract used by the
// response orchestrator.
package llm

import (
	"context"

	"github.com/chriscow/callscreen-go/pkg/ai"
)

// LLM-specific error variables for backward compatibility
var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// MessageRole represents the role of a message in a chat conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message represents a single message in a chat conversation.
type Message struct {
	Role    MessageRole
	Content string
}

// ChatRequest contains parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// ChatResponse contains the response from a chat completion request.
type ChatResponse struct {
	Message      Message
	TokensUsed   int
	FinishReason string
}

// Capabilities describes the capabilities of an LLM provider.
type Capabilities struct {
	MaxTokens          int
	SupportedModels    []string
	SupportsSystemRole bool
}

// LLM is the main interface for large language model providers.
type LLM interface {
	// Chat performs a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
