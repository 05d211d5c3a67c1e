// Package responder turns a recognized caller utterance plus conversation
// context into a reply suitable for speech synthesis. External model calls
// go through the resilience primitives; on an open circuit or exhausted
// retries the responder degrades to a fixed fallback phrase so the call
// always gets some spoken reply.
package responder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chriscow/callscreen-go/pkg/ai"
	"github.com/chriscow/callscreen-go/pkg/ai/llm"
	"github.com/chriscow/callscreen-go/pkg/resilience"
)

// Exchange is one completed caller/assistant turn.
type Exchange struct {
	Caller string
	Reply  string
}

// DefaultFallbackReply is spoken when the generative backend is unavailable.
const DefaultFallbackReply = "I'm sorry, I'm having trouble right now. Could you say that again?"

// DefaultSystemPrompt frames the screening conversation for the model.
const DefaultSystemPrompt = "You are an AI assistant screening an incoming phone call " +
	"on behalf of the person being called. Be brief, polite, and ask the caller " +
	"for their name and the purpose of the call. Respond in plain spoken English."

// Config tunes the orchestrator.
type Config struct {
	MaxTurns        int           // most recent exchanges included as context
	MaxContextChars int           // cap on the rolling transcript included per request
	MaxReplyChars   int           // replies longer than this are truncated for synthesis latency
	MaxTokens       int           // completion budget sent to the model
	RequestTimeout  time.Duration // per-attempt timeout; a timed-out call counts as a failure
	CacheTTL        time.Duration
	CacheSize       int
	FallbackReply   string
	SystemPrompt    string
}

// DefaultConfig provides sensible defaults for call screening.
var DefaultConfig = Config{
	MaxTurns:        6,
	MaxContextChars: 2000,
	MaxReplyChars:   280,
	MaxTokens:       150,
	RequestTimeout:  8 * time.Second,
	CacheTTL:        30 * time.Second,
	CacheSize:       256,
	FallbackReply:   DefaultFallbackReply,
	SystemPrompt:    DefaultSystemPrompt,
}

// Responder orchestrates generative replies for one process. It is shared
// across sessions; the cache and circuit breaker are internally synchronized.
type Responder struct {
	llm     llm.LLM
	breaker *resilience.Breaker
	retry   resilience.RetryPolicy
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	reply     string
	expiresAt time.Time
}

// New creates a Responder. The breaker should be dedicated to the
// generative model dependency.
func New(model llm.LLM, breaker *resilience.Breaker, retry resilience.RetryPolicy, cfg Config, logger *slog.Logger) *Responder {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultConfig.MaxTurns
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = DefaultConfig.MaxContextChars
	}
	if cfg.MaxReplyChars <= 0 {
		cfg.MaxReplyChars = DefaultConfig.MaxReplyChars
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig.MaxTokens
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig.CacheSize
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Responder{
		llm:     model,
		breaker: breaker,
		retry:   retry,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

// Respond produces a spoken reply for the utterance. It never returns an
// error: dependency failures degrade to the configured fallback phrase.
func (r *Responder) Respond(ctx context.Context, utterance string, history []Exchange) string {
	history = r.trimHistory(history)
	key := r.cacheKey(utterance, history)
	if reply, ok := r.cacheGet(key); ok {
		return reply
	}

	var resp llm.ChatResponse
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		if err := r.breaker.Allow(); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()

		var cerr error
		resp, cerr = r.llm.Chat(callCtx, r.buildRequest(utterance, history))
		if cerr != nil {
			r.breaker.RecordFailure()
			return ai.Classify(cerr)
		}
		r.breaker.RecordSuccess()
		return nil
	})
	if err != nil {
		r.logger.Warn("generative reply unavailable, using fallback",
			slog.String("error", err.Error()),
			slog.String("circuit", r.breaker.State().String()))
		return r.cfg.FallbackReply
	}

	reply := r.postProcess(resp.Message.Content)
	if reply == "" {
		return r.cfg.FallbackReply
	}
	r.cachePut(key, reply)
	return reply
}

func (r *Responder) buildRequest(utterance string, history []Exchange) llm.ChatRequest {
	messages := make([]llm.Message, 0, 2*len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: r.cfg.SystemPrompt})
	for _, ex := range history {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: ex.Caller},
			llm.Message{Role: llm.RoleAssistant, Content: ex.Reply},
		)
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: utterance})
	return llm.ChatRequest{
		Messages:  messages,
		MaxTokens: r.cfg.MaxTokens,
	}
}

// trimHistory bounds the context to the most recent turns and a capped
// rolling character budget so request size stays bounded.
func (r *Responder) trimHistory(history []Exchange) []Exchange {
	if len(history) > r.cfg.MaxTurns {
		history = history[len(history)-r.cfg.MaxTurns:]
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += len(history[i].Caller) + len(history[i].Reply)
		if total > r.cfg.MaxContextChars {
			break
		}
		start = i
	}
	return history[start:]
}

// postProcess strips formatting markup, collapses whitespace, and caps the
// length so synthesis latency stays bounded.
func (r *Responder) postProcess(reply string) string {
	reply = strings.NewReplacer(
		"**", "", "*", "", "_", "", "`", "", "#", "", ">", "",
	).Replace(reply)
	reply = strings.Join(strings.Fields(reply), " ")

	if len(reply) > r.cfg.MaxReplyChars {
		cut := reply[:r.cfg.MaxReplyChars]
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
		reply = cut
	}
	return reply
}

func (r *Responder) cacheKey(utterance string, history []Exchange) string {
	h := sha256.New()
	h.Write([]byte(utterance))
	for _, ex := range history {
		fmt.Fprintf(h, "\x00%s\x01%s", ex.Caller, ex.Reply)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (r *Responder) cacheGet(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[key]
	if !ok {
		return "", false
	}
	if r.now().After(entry.expiresAt) {
		delete(r.cache, key)
		return "", false
	}
	return entry.reply, true
}

func (r *Responder) cachePut(key, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.cache) >= r.cfg.CacheSize {
		now := r.now()
		for k, e := range r.cache {
			if now.After(e.expiresAt) {
				delete(r.cache, k)
			}
		}
		// Still full after sweeping: evict one arbitrary entry.
		if len(r.cache) >= r.cfg.CacheSize {
			for k := range r.cache {
				delete(r.cache, k)
				break
			}
		}
	}
	r.cache[key] = cacheEntry{reply: reply, expiresAt: r.now().Add(r.cfg.CacheTTL)}
}
