// Package openai implements the LLM and TTS provider contracts on the
// OpenAI API. Clients are checked out of a bounded connection pool per call
// and API errors are classified into the shared recoverable/fatal taxonomy.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/callscreen-go/pkg/ai"
	"github.com/chriscow/callscreen-go/pkg/resilience"
)

// Config holds OpenAI connection settings shared by the LLM and TTS
// providers.
type Config struct {
	APIKey  string
	BaseURL string // override for tests and proxies
	Model   string
	Voice   string
}

func newClientPool(cfg Config, poolCfg resilience.PoolConfig) *resilience.Pool[*openai.Client] {
	return resilience.NewPool(poolCfg,
		func(ctx context.Context) (*openai.Client, error) {
			cc := openai.DefaultConfig(cfg.APIKey)
			if cfg.BaseURL != "" {
				cc.BaseURL = cfg.BaseURL
			}
			return openai.NewClientWithConfig(cc), nil
		},
		nil, nil)
}

// classify maps go-openai errors to the shared taxonomy.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return ai.ClassifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ai.ClassifyStatus(reqErr.HTTPStatusCode, err)
	}
	return ai.ClassifyNetErr(err)
}

var errNoChoices = fmt.Errorf("no completion choices returned")
