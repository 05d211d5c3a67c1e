// Package fake provides a deterministic STT implementation for tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chriscow/callscreen-go/pkg/ai/stt"
	"github.com/chriscow/callscreen-go/pkg/media"
)

const (
	// DefaultFinalAfterFrames controls when the scripted final result fires.
	DefaultFinalAfterFrames = 50
	// DefaultTranscript is used when no transcript is provided.
	DefaultTranscript = "this is a fake transcript"
)

// FakeSTT is a fake STT implementation that emits a scripted transcript.
type FakeSTT struct {
	transcript       string
	confidence       float64
	finalAfterFrames int
}

// NewFakeSTT creates a fake provider that emits transcript as a final result
// with the given confidence after DefaultFinalAfterFrames pushed frames.
func NewFakeSTT(transcript string, confidence float64) *FakeSTT {
	if transcript == "" {
		transcript = DefaultTranscript
	}
	return &FakeSTT{
		transcript:       transcript,
		confidence:       confidence,
		finalAfterFrames: DefaultFinalAfterFrames,
	}
}

// WithFinalAfterFrames overrides how many frames trigger the final result.
func (f *FakeSTT) WithFinalAfterFrames(n int) *FakeSTT {
	f.finalAfterFrames = n
	return f
}

// NewStream creates a new fake STT stream.
func (f *FakeSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	return &fakeStream{
		transcript:       f.transcript,
		confidence:       f.confidence,
		finalAfterFrames: f.finalAfterFrames,
		events:           make(chan stt.SpeechEvent, 16),
		ctx:              ctx,
	}, nil
}

// Capabilities returns the fake STT capabilities.
func (f *FakeSTT) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:          true,
		InterimResults:     true,
		SupportedEncodings: []string{media.EncodingMulaw},
		SampleRates:        []int{media.SampleRate},
	}
}

type fakeStream struct {
	transcript       string
	confidence       float64
	finalAfterFrames int
	events           chan stt.SpeechEvent
	ctx              context.Context

	mu         sync.Mutex
	frameCount int
	closed     bool
	finalSent  bool
}

// Push counts frames, emitting an interim halfway through and the scripted
// final once the configured frame count is reached.
func (s *fakeStream) Push(frame media.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream is closed")
	}
	s.frameCount++

	if s.frameCount == s.finalAfterFrames/2 {
		s.emit(stt.SpeechEvent{
			Type:        stt.SpeechEventInterim,
			Text:        s.transcript[:len(s.transcript)/2],
			Confidence:  s.confidence / 2,
			TimestampMs: time.Now().UnixMilli(),
		})
	}
	if s.frameCount == s.finalAfterFrames && !s.finalSent {
		s.finalSent = true
		s.emit(stt.SpeechEvent{
			Type:        stt.SpeechEventFinal,
			Text:        s.transcript,
			IsFinal:     true,
			Confidence:  s.confidence,
			TimestampMs: time.Now().UnixMilli(),
		})
	}
	return nil
}

// Events returns the events channel.
func (s *fakeStream) Events() <-chan stt.SpeechEvent {
	return s.events
}

// CloseSend flushes the scripted final if it has not fired yet.
func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if !s.finalSent {
		s.finalSent = true
		s.emit(stt.SpeechEvent{
			Type:        stt.SpeechEventFinal,
			Text:        s.transcript,
			IsFinal:     true,
			Confidence:  s.confidence,
			TimestampMs: time.Now().UnixMilli(),
		})
	}
	close(s.events)
	return nil
}

func (s *fakeStream) emit(ev stt.SpeechEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
