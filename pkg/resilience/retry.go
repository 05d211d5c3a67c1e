package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/chriscow/callscreen-go/pkg/ai"
)

// RetryPolicy retries recoverable failures with exponential backoff.
// The delay doubles from BaseDelay up to MaxDelay; a rate-limit retry-after
// hint on the error, when present, overrides the computed delay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Sleep is replaced in tests to observe delays without waiting.
	// When nil, a context-aware timer sleep is used.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy provides sensible defaults for AI provider calls.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  100 * time.Millisecond,
	MaxDelay:   5 * time.Second,
}

// Do runs fn until it succeeds, fails terminally, or exhausts MaxRetries.
// Errors are classified with the ai taxonomy: only recoverable errors are
// retried, everything else is returned to the caller unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !ai.IsRecoverable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err)
		}

		delay := p.delayFor(attempt)
		if hint, ok := ai.RetryAfterHint(err); ok {
			delay = hint
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
