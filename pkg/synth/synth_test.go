package synth

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/callscreen-go/pkg/ai"
	"github.com/chriscow/callscreen-go/pkg/ai/tts/fake"
	"github.com/chriscow/callscreen-go/pkg/media"
	"github.com/chriscow/callscreen-go/pkg/resilience"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func testRetry() resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Sleep: noSleep}
}

func testBreaker() *resilience.Breaker {
	return resilience.NewBreaker("tts", resilience.BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: 30 * time.Second})
}

func TestSynthesize_ReturnsProviderFrames(t *testing.T) {
	is := is.New(t)

	provider := fake.NewFakeTTS()
	s := New(provider, testBreaker(), testRetry(), Config{}, slog.Default())

	frames := s.Synthesize(context.Background(), "hello caller")
	is.Equal(len(frames), fake.FramesPerReply)
	for _, f := range frames {
		is.Equal(len(f.Payload), media.FrameBytes)
		is.Equal(f.Track, media.TrackOutbound)
	}
}

func TestSynthesize_FallbackClipOnFailure(t *testing.T) {
	is := is.New(t)

	provider := fake.NewFailingTTS(ai.NewRecoverableError(errors.New("503"), "unavailable"))
	s := New(provider, testBreaker(), testRetry(), Config{}, slog.Default())

	frames := s.Synthesize(context.Background(), "hello caller")
	is.Equal(len(frames), len(s.Fallback())) // the canned clip stands in
	is.True(len(frames) > 0)
	is.Equal(provider.Calls(), 3) // initial attempt plus two retries

	// The fallback is cloned per call, not shared.
	frames[0].Payload[0] = 0x00
	is.True(s.Fallback()[0].Payload[0] != 0x00)
}

func TestSynthesize_OpenCircuitSkipsProvider(t *testing.T) {
	is := is.New(t)

	provider := fake.NewFailingTTS(ai.NewRecoverableError(errors.New("down"), "down"))
	breaker := resilience.NewBreaker("tts", resilience.BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Hour})
	s := New(provider, breaker, testRetry(), Config{}, slog.Default())

	s.Synthesize(context.Background(), "first")
	is.Equal(provider.Calls(), 2) // breaker opened after two failures

	s.Synthesize(context.Background(), "second")
	is.Equal(provider.Calls(), 2) // open circuit never reaches the provider
}
