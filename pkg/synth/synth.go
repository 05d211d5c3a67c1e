// Package synth wraps a TTS provider with the resilience primitives. Like
// the responder, it never surfaces an error to the call: when synthesis is
// unavailable after retries, it plays a canned "technical difficulty" clip
// instead.
package synth

import (
	"context"
	"log/slog"
	"time"

	"github.com/chriscow/callscreen-go/pkg/ai"
	"github.com/chriscow/callscreen-go/pkg/ai/tts"
	"github.com/chriscow/callscreen-go/pkg/media"
	"github.com/chriscow/callscreen-go/pkg/resilience"
)

// Config tunes the synthesis adapter.
type Config struct {
	Voice          string
	Speed          float32
	RequestTimeout time.Duration
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	RequestTimeout: 10 * time.Second,
}

// Synthesizer converts reply text to wire-codec audio frames, degrading to
// a fixed fallback clip on dependency failure.
type Synthesizer struct {
	tts      tts.TTS
	breaker  *resilience.Breaker
	retry    resilience.RetryPolicy
	cfg      Config
	fallback []media.AudioFrame
	logger   *slog.Logger
}

// New creates a Synthesizer. The breaker should be dedicated to the speech
// synthesis dependency.
func New(provider tts.TTS, breaker *resilience.Breaker, retry resilience.RetryPolicy, cfg Config, logger *slog.Logger) *Synthesizer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig.RequestTimeout
	}
	return &Synthesizer{
		tts:     provider,
		breaker: breaker,
		retry:   retry,
		cfg:     cfg,
		// Two short beeps stand in for a recorded "technical difficulty"
		// announcement; callers hear something rather than dead air.
		fallback: media.ToneFrames(440, 600),
		logger:   logger,
	}
}

// Synthesize returns the frames for text, or the fallback clip when the
// backend is unavailable. The returned frames are always valid wire frames.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) []media.AudioFrame {
	var frames []media.AudioFrame
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		if err := s.breaker.Allow(); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()

		var serr error
		frames, serr = s.tts.Synthesize(callCtx, tts.SynthesizeRequest{
			Text:  text,
			Voice: s.cfg.Voice,
			Speed: s.cfg.Speed,
		})
		if serr != nil {
			s.breaker.RecordFailure()
			return ai.Classify(serr)
		}
		s.breaker.RecordSuccess()
		return nil
	})
	if err != nil {
		s.logger.Warn("speech synthesis unavailable, playing fallback clip",
			slog.String("error", err.Error()),
			slog.String("circuit", s.breaker.State().String()))
		return cloneFrames(s.fallback)
	}
	return frames
}

// Fallback exposes the canned clip, mainly for tests.
func (s *Synthesizer) Fallback() []media.AudioFrame {
	return cloneFrames(s.fallback)
}

func cloneFrames(frames []media.AudioFrame) []media.AudioFrame {
	out := make([]media.AudioFrame, len(frames))
	for i, f := range frames {
		out[i] = f.Clone()
	}
	return out
}
