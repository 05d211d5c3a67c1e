package openai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/callscreen-go/pkg/ai/llm"
	"github.com/chriscow/callscreen-go/pkg/resilience"
)

// LLM implements the llm.LLM interface using OpenAI chat completions.
type LLM struct {
	pool   *resilience.Pool[*openai.Client]
	model  string
	logger *slog.Logger
}

// NewLLM creates an OpenAI chat provider with a pooled client.
func NewLLM(cfg Config, poolCfg resilience.PoolConfig, logger *slog.Logger) (*LLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	return &LLM{
		pool:   newClientPool(cfg, poolCfg),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

// Chat performs a chat completion with conversation history.
func (o *LLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	client, err := o.pool.Acquire(ctx)
	if err != nil {
		return llm.ChatResponse{}, err
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		o.pool.Discard(client)
		return llm.ChatResponse{}, classify(err)
	}
	o.pool.Release(client)

	if len(resp.Choices) == 0 {
		return llm.ChatResponse{}, classify(errNoChoices)
	}
	choice := resp.Choices[0]

	o.logger.Debug("chat completion finished",
		slog.Int("tokens", resp.Usage.TotalTokens),
		slog.Duration("duration", time.Since(start)))

	return llm.ChatResponse{
		Message: llm.Message{
			Role:    llm.MessageRole(choice.Message.Role),
			Content: choice.Message.Content,
		},
		TokensUsed:   resp.Usage.TotalTokens,
		FinishReason: string(choice.FinishReason),
	}, nil
}

// Capabilities returns the provider's capabilities.
func (o *LLM) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		MaxTokens:          128000,
		SupportedModels:    []string{openai.GPT4oMini, openai.GPT4o, openai.GPT3Dot5Turbo},
		SupportsSystemRole: true,
	}
}

// Close releases the pooled clients.
func (o *LLM) Close() {
	o.pool.Close()
}
