// Package app assembles the screening pipeline: providers, resilience
// primitives, the stream gateway, and the HTTP server that fronts them.
package app

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/chriscow/callscreen-go/pkg/ai/llm"
	llmfake "github.com/chriscow/callscreen-go/pkg/ai/llm/fake"
	"github.com/chriscow/callscreen-go/pkg/ai/stt"
	sttfake "github.com/chriscow/callscreen-go/pkg/ai/stt/fake"
	"github.com/chriscow/callscreen-go/pkg/ai/tts"
	ttsfake "github.com/chriscow/callscreen-go/pkg/ai/tts/fake"
	"github.com/chriscow/callscreen-go/pkg/gateway"
	"github.com/chriscow/callscreen-go/pkg/plugin/deepgram"
	"github.com/chriscow/callscreen-go/pkg/plugin/openai"
	"github.com/chriscow/callscreen-go/pkg/resilience"
	"github.com/chriscow/callscreen-go/pkg/responder"
	"github.com/chriscow/callscreen-go/pkg/store"
	"github.com/chriscow/callscreen-go/pkg/synth"
)

// Config is the top-level service configuration, read from the environment.
type Config struct {
	Addr        string
	StreamPath  string
	OpenAIKey   string
	DeepgramKey string
	DatabaseURL string

	// AdmissionLimit new streams per identity per AdmissionWindow.
	AdmissionLimit  int
	AdmissionWindow time.Duration
}

// ConfigFromEnv reads configuration from CALLSCREEN_* and provider API key
// environment variables.
func ConfigFromEnv() Config {
	cfg := Config{
		Addr:            getenv("CALLSCREEN_ADDR", ":8080"),
		StreamPath:      getenv("CALLSCREEN_STREAM_PATH", "/stream"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		DeepgramKey:     os.Getenv("DEEPGRAM_API_KEY"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		AdmissionLimit:  10,
		AdmissionWindow: time.Minute,
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// App is the assembled service.
type App struct {
	cfg    Config
	logger *slog.Logger

	gw      *gateway.Gateway
	closers []func()
}

// New builds the pipeline. Providers without API keys fall back to fakes so
// the service can run locally end to end.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	retry := resilience.RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}

	callStore, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}

	sttProvider, err := a.buildSTT(retry)
	if err != nil {
		return nil, err
	}
	llmProvider, ttsProvider, err := a.buildOpenAI()
	if err != nil {
		return nil, err
	}

	resp := responder.New(llmProvider,
		resilience.NewBreaker("llm", resilience.DefaultBreakerConfig),
		retry, responder.DefaultConfig, logger)
	speech := synth.New(ttsProvider,
		resilience.NewBreaker("tts", resilience.DefaultBreakerConfig),
		retry, synth.DefaultConfig, logger)

	limiter := resilience.NewRateLimiter(resilience.RateLimiterConfig{
		Limit:  cfg.AdmissionLimit,
		Window: cfg.AdmissionWindow,
	})

	a.gw = gateway.New(gateway.DefaultConfig, gateway.Deps{
		STT:     sttProvider,
		Resp:    resp,
		Synth:   speech,
		Store:   callStore,
		Limiter: limiter,
		Logger:  logger,
	})
	return a, nil
}

func (a *App) buildStore(ctx context.Context) (store.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set, call records stay in memory")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, a.cfg.DatabaseURL, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open call record store: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	return pg, nil
}

func (a *App) buildSTT(retry resilience.RetryPolicy) (stt.STT, error) {
	if a.cfg.DeepgramKey == "" {
		a.logger.Warn("DEEPGRAM_API_KEY not set, using fake recognition")
		return sttfake.NewFakeSTT("hello, who is this?", 0.95), nil
	}
	return deepgram.New(deepgram.Config{APIKey: a.cfg.DeepgramKey}, retry, a.logger)
}

func (a *App) buildOpenAI() (llm.LLM, tts.TTS, error) {
	if a.cfg.OpenAIKey == "" {
		a.logger.Warn("OPENAI_API_KEY not set, using fake reply generation and synthesis")
		return llmfake.NewFakeLLM("Thanks, I will pass that along."), ttsfake.NewFakeTTS(), nil
	}
	cfg := openai.Config{APIKey: a.cfg.OpenAIKey}
	chat, err := openai.NewLLM(cfg, resilience.DefaultPoolConfig, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create reply backend: %w", err)
	}
	speech, err := openai.NewTTS(cfg, resilience.DefaultPoolConfig, a.logger)
	if err != nil {
		chat.Close()
		return nil, nil, fmt.Errorf("failed to create synthesis backend: %w", err)
	}
	a.closers = append(a.closers, chat.Close, speech.Close)
	return chat, speech, nil
}

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	mux := http.NewServeMux()
	mux.Handle(a.cfg.StreamPath, a.gw)
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok active_streams=%d\n", a.gw.ActiveStreams())
	})

	srv := &http.Server{
		Addr:    a.cfg.Addr,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening",
			slog.String("addr", a.cfg.Addr),
			slog.String("stream_path", a.cfg.StreamPath))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown incomplete", slog.String("error", err.Error()))
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
