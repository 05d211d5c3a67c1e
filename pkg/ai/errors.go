// Package ai provides common types shared by the STT, LLM, and TTS provider
// implementations: the recoverable/fatal error taxonomy and the HTTP status
// classification used by the resilience layer.
package ai

import (
	"context"
	"errors"
	"net"
	"time"
)

// Common error types used across AI providers
var (
	// ErrRecoverable indicates a temporary failure that may succeed if retried.
	// Examples: network timeout, rate limiting, temporary service unavailability.
	ErrRecoverable = errors.New("recoverable AI provider error")

	// ErrFatal indicates a permanent failure that will not succeed if retried.
	// Examples: invalid API key, unsupported format, malformed request.
	ErrFatal = errors.New("fatal AI provider error")
)

// IsRecoverable checks if an error is recoverable and should be retried.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal checks if an error is fatal and should not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// RetryableError wraps an underlying error with retry classification.
type RetryableError struct {
	Underlying error
	Retryable  bool
	Message    string

	// RetryAfter carries a server-provided backoff hint, if any. When set,
	// it overrides the retry policy's computed delay.
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Underlying.Error()
}

func (e *RetryableError) Unwrap() error {
	if e.Retryable {
		return ErrRecoverable
	}
	return ErrFatal
}

// NewRecoverableError creates a recoverable error with context.
func NewRecoverableError(underlying error, message string) error {
	return &RetryableError{Underlying: underlying, Retryable: true, Message: message}
}

// NewFatalError creates a fatal error with context.
func NewFatalError(underlying error, message string) error {
	return &RetryableError{Underlying: underlying, Retryable: false, Message: message}
}

// NewRateLimitedError creates a recoverable error carrying the server's
// retry-after hint.
func NewRateLimitedError(underlying error, retryAfter time.Duration) error {
	return &RetryableError{
		Underlying: underlying,
		Retryable:  true,
		Message:    "rate limited by provider",
		RetryAfter: retryAfter,
	}
}

// RetryAfterHint extracts a server-provided backoff hint from an error chain.
func RetryAfterHint(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) && re.RetryAfter > 0 {
		return re.RetryAfter, true
	}
	return 0, false
}

// ClassifyStatus maps an HTTP status from a provider to the taxonomy.
// Server errors and 429 are recoverable; other 4xx are fatal (validation,
// auth). 429 callers should prefer NewRateLimitedError when a retry-after
// hint is available.
func ClassifyStatus(status int, err error) error {
	switch {
	case status == 429:
		return NewRecoverableError(err, "provider rate limited the request")
	case status >= 500:
		return NewRecoverableError(err, "provider server error")
	case status >= 400:
		return NewFatalError(err, "provider rejected the request")
	default:
		return NewRecoverableError(err, "provider request failed")
	}
}

// Classify ensures an error carries a taxonomy classification. Errors that
// are already classified pass through unchanged; everything else is treated
// as a transport-level failure.
func Classify(err error) error {
	if err == nil || IsRecoverable(err) || IsFatal(err) {
		return err
	}
	return ClassifyNetErr(err)
}

// ClassifyNetErr maps transport-level errors to the taxonomy. Timeouts,
// cancelled deadlines, and connection failures are all recoverable.
func ClassifyNetErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(err, "provider call timed out")
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return NewRecoverableError(err, "network error calling provider")
	}
	return NewRecoverableError(err, err.Error())
}
