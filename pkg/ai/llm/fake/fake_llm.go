// Package fake provides a deterministic LLM implementation for tests.
package fake

import (
	"context"
	"sync/atomic"

	"github.com/chriscow/callscreen-go/pkg/ai/llm"
)

// FakeLLM returns a fixed reply, or a scripted error, and counts calls so
// tests can assert on retry and circuit-breaker behavior.
type FakeLLM struct {
	reply string
	err   error

	// FailFirst makes the first N calls fail with Err before succeeding.
	FailFirst int32

	calls atomic.Int32
}

// NewFakeLLM creates a fake that always replies with reply.
func NewFakeLLM(reply string) *FakeLLM {
	return &FakeLLM{reply: reply}
}

// NewFailingLLM creates a fake that always fails with err.
func NewFailingLLM(err error) *FakeLLM {
	return &FakeLLM{err: err}
}

// NewFlakyLLM creates a fake that fails the first failFirst calls with err
// and then replies with reply.
func NewFlakyLLM(reply string, err error, failFirst int32) *FakeLLM {
	return &FakeLLM{reply: reply, err: err, FailFirst: failFirst}
}

// Calls reports how many Chat invocations reached the fake.
func (f *FakeLLM) Calls() int {
	return int(f.calls.Load())
}

// Chat returns the scripted reply or error.
func (f *FakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	n := f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return llm.ChatResponse{}, err
	}
	if f.err != nil && (f.FailFirst == 0 || n <= f.FailFirst) {
		return llm.ChatResponse{}, f.err
	}
	return llm.ChatResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: f.reply},
		TokensUsed:   len(f.reply) / 4,
		FinishReason: "stop",
	}, nil
}

// Capabilities returns the fake capabilities.
func (f *FakeLLM) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		MaxTokens:          4096,
		SupportedModels:    []string{"fake-model"},
		SupportsSystemRole: true,
	}
}
