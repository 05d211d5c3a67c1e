// Package stt provides interfaces and types for streaming speech-to-text
// providers. A stream accepts wire-codec audio frames and emits interim and
// final transcript events with confidence scores.
package stt

import (
	"context"

	"github.com/chriscow/callscreen-go/pkg/ai"
	"github.com/chriscow/callscreen-go/pkg/media"
)

// STT-specific error variables for backward compatibility
var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// StreamConfig contains configuration for STT streams.
type StreamConfig struct {
	Encoding       string // wire codec, e.g. media.EncodingMulaw
	SampleRate     int
	Language       string
	InterimResults bool
	MaxRetry       int // reconnect attempts on backend stream failure
}

// SpeechEventType represents the type of speech recognition event.
type SpeechEventType int

const (
	// SpeechEventInterim represents partial transcription results that may change
	SpeechEventInterim SpeechEventType = iota
	// SpeechEventFinal represents final transcription results that won't change
	SpeechEventFinal
	// SpeechEventError represents transcription errors
	SpeechEventError
)

// SpeechEvent represents a speech recognition event containing transcription
// results or errors. Only final events should drive conversation state;
// interim events exist for logging and live display.
type SpeechEvent struct {
	Type        SpeechEventType
	Text        string
	IsFinal     bool
	Confidence  float64 // 0.0 to 1.0
	TimestampMs int64
	Err         error // only set for error events
}

// Capabilities describes the capabilities of an STT provider.
type Capabilities struct {
	Streaming          bool
	InterimResults     bool
	SupportedEncodings []string
	SampleRates        []int
}

// STT is the main interface for speech-to-text providers.
type STT interface {
	// NewStream creates a new streaming STT session.
	NewStream(ctx context.Context, cfg StreamConfig) (Stream, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}

// Stream represents an active STT streaming session.
type Stream interface {
	// Push sends an audio frame for processing.
	Push(frame media.AudioFrame) error

	// Events returns a channel of speech recognition events.
	Events() <-chan SpeechEvent

	// CloseSend signals that no more audio will be sent and flushes any
	// pending data. The events channel closes once the backend has drained.
	CloseSend() error
}
