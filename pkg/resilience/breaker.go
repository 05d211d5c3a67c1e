// Package resilience holds the failure-handling primitives shared by every
// component that talks to an external dependency: a per-dependency circuit
// breaker, retry with exponential backoff, a sliding-window rate limiter,
// and a bounded connection pool. All primitives are safe for concurrent use
// and take an injectable clock so tests can drive time directly.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chriscow/callscreen-go/pkg/ai"
)

// ErrCircuitOpen is returned when a breaker rejects a call without
// attempting the network. It is fatal for retry purposes: retrying against
// an open circuit is pointless, the caller should fall back immediately.
var ErrCircuitOpen = fmt.Errorf("circuit open: %w", ai.ErrFatal)

// BreakerState is the current admission state of a circuit breaker.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive successes in half-open before closing
	OpenTimeout      time.Duration // how long an open circuit rejects calls before probing
}

// DefaultBreakerConfig provides sensible defaults for external AI providers.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	OpenTimeout:      30 * time.Second,
}

// Breaker is a circuit breaker for one named downstream dependency.
//
// Closed admits every call and counts consecutive failures. At
// FailureThreshold failures it opens and records the opening time. While
// open, calls fail fast with ErrCircuitOpen until OpenTimeout elapses, after
// which exactly one probe call is admitted (half-open) regardless of how
// many callers race for it. The probe's outcome either starts closing the
// circuit or reopens it immediately.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu                   sync.Mutex
	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probing              bool
}

// NewBreaker creates a breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultBreakerConfig.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerConfig.OpenTimeout
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State reports the current admission state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow decides whether a call may proceed. A nil return admits the call;
// the caller must report the outcome with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return ErrCircuitOpen
		}
		// Cooldown elapsed: admit a single probe.
		b.state = BreakerHalfOpen
		b.consecutiveSuccesses = 0
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.consecutiveSuccesses = 0
		}
	default:
		b.consecutiveSuccesses++
	}
}

// RecordFailure reports a failed call outcome. Every dependency failure is
// recorded here, even when a later retry succeeds, so an intermittently
// failing dependency still trips the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses = 0
	switch b.state {
	case BreakerHalfOpen:
		// Any half-open failure reopens immediately.
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probing = false
		b.consecutiveFailures = 1
	default:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}
}

// Wrap runs fn under the breaker, recording its outcome. Calls rejected by
// an open circuit return ErrCircuitOpen without invoking fn and without
// counting as a dependency failure.
func (b *Breaker) Wrap(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if errors.Is(err, ErrCircuitOpen) {
		// fn failed fast on some other breaker's open circuit. That is not
		// a verdict on this dependency, so no outcome is recorded.
		return err
	}
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
