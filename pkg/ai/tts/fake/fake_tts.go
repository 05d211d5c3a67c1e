// Package fake provides a deterministic TTS implementation for tests.
package fake

import (
	"context"
	"sync/atomic"

	"github.com/chriscow/callscreen-go/pkg/ai/tts"
	"github.com/chriscow/callscreen-go/pkg/media"
)

// FramesPerReply is how many frames the fake emits per synthesis request.
const FramesPerReply = 10

// FakeTTS emits a fixed number of silent wire-codec frames per request, or a
// scripted error.
type FakeTTS struct {
	err   error
	calls atomic.Int32
}

// NewFakeTTS creates a fake that always succeeds.
func NewFakeTTS() *FakeTTS {
	return &FakeTTS{}
}

// NewFailingTTS creates a fake that always fails with err.
func NewFailingTTS(err error) *FakeTTS {
	return &FakeTTS{err: err}
}

// Calls reports how many Synthesize invocations reached the fake.
func (f *FakeTTS) Calls() int {
	return int(f.calls.Load())
}

// Synthesize returns FramesPerReply frames of mu-law silence.
func (f *FakeTTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) ([]media.AudioFrame, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	data := make([]byte, FramesPerReply*media.FrameBytes)
	for i := range data {
		data[i] = 0xFF
	}
	return media.ChunkOutbound(data, 0), nil
}

// Capabilities returns the fake capabilities.
func (f *FakeTTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportedVoices: []string{"fake"},
		SampleRates:     []int{media.SampleRate},
	}
}
