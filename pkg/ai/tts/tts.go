// Package tts defines the speech synthesis provider contract. A provider
// converts text into a finite, ordered sequence of wire-codec audio frames.
package tts

import (
	"context"

	"github.com/chriscow/callscreen-go/pkg/ai"
	"github.com/chriscow/callscreen-go/pkg/media"
)

// TTS-specific error variables for backward compatibility
var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// SynthesizeRequest contains parameters for text-to-speech synthesis.
type SynthesizeRequest struct {
	Text  string
	Voice string
	Speed float32
}

// Capabilities describes the capabilities of a TTS provider.
type Capabilities struct {
	SupportedVoices      []string
	SampleRates          []int
	SupportsSpeedControl bool
}

// TTS is the main interface for text-to-speech providers.
type TTS interface {
	// Synthesize converts text to an ordered sequence of outbound audio
	// frames sized to the wire codec frame length.
	Synthesize(ctx context.Context, req SynthesizeRequest) ([]media.AudioFrame, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
