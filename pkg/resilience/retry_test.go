package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/callscreen-go/pkg/ai"
)

func immediateSleep(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetry_RecoversAfterTransientFailures(t *testing.T) {
	is := is.New(t)

	var delays []time.Duration
	p := RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Sleep: immediateSleep(&delays)}

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts <= 2 {
			return ai.NewRecoverableError(errors.New("transient"), "transient")
		}
		return nil
	})
	is.NoErr(err)
	is.Equal(attempts, 3)
	is.Equal(delays, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}) // exponential backoff
}

func TestRetry_FatalErrorNotRetried(t *testing.T) {
	is := is.New(t)

	var delays []time.Duration
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, Sleep: immediateSleep(&delays)}

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return ai.NewFatalError(errors.New("bad key"), "bad key")
	})
	is.True(ai.IsFatal(err))
	is.Equal(attempts, 1)
	is.Equal(len(delays), 0)
}

func TestRetry_Exhaustion(t *testing.T) {
	is := is.New(t)

	var delays []time.Duration
	p := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second, Sleep: immediateSleep(&delays)}

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return ai.NewRecoverableError(errors.New("still down"), "still down")
	})
	is.True(err != nil)
	is.True(ai.IsRecoverable(err)) // the underlying classification survives wrapping
	is.Equal(attempts, 3)          // initial call plus two retries
}

func TestRetry_HonorsRetryAfterHint(t *testing.T) {
	is := is.New(t)

	var delays []time.Duration
	p := RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second, Sleep: immediateSleep(&delays)}

	attempts := 0
	_ = p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return ai.NewRateLimitedError(errors.New("429"), 700*time.Millisecond)
		}
		return nil
	})
	is.Equal(delays, []time.Duration{700 * time.Millisecond}) // server hint overrides backoff
}

func TestRetry_DelayCappedAtMax(t *testing.T) {
	is := is.New(t)

	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	is.Equal(p.delayFor(0), 100*time.Millisecond)
	is.Equal(p.delayFor(1), 200*time.Millisecond)
	is.Equal(p.delayFor(2), 300*time.Millisecond)
	is.Equal(p.delayFor(10), 300*time.Millisecond)
	is.Equal(p.delayFor(62), 300*time.Millisecond) // shift overflow falls back to the cap
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(ctx context.Context) error {
		return ai.NewRecoverableError(errors.New("transient"), "transient")
	})
	is.True(errors.Is(err, context.Canceled))
}
