// Package media defines the fixed-size audio frame used on the telephony
// media stream and the codec helpers to produce it. The wire codec is
// 8-bit mu-law at 8 kHz; one frame carries 160 bytes, which is 20 ms of audio.
package media

import (
	"fmt"
	"time"
)

// Wire codec parameters for mu-law telephony streams.
const (
	SampleRate    = 8000
	FrameBytes    = 160
	FrameDuration = 20 * time.Millisecond
)

// EncodingMulaw is the only payload encoding accepted on the stream.
const EncodingMulaw = "audio/x-mulaw"

// Track identifies the direction of an audio frame on the media stream.
type Track string

const (
	TrackInbound  Track = "inbound"
	TrackOutbound Track = "outbound"
)

// AudioFrame is one decoded 20 ms chunk of mu-law audio.
// Payload length is always exactly FrameBytes; frames of any other size
// are rejected at construction rather than padded.
type AudioFrame struct {
	Payload     []byte
	Track       Track
	TimestampMs int64
	Sequence    uint64
}

// NewAudioFrame validates the payload against the wire codec frame size.
func NewAudioFrame(payload []byte, track Track, timestampMs int64, sequence uint64) (AudioFrame, error) {
	if len(payload) != FrameBytes {
		return AudioFrame{}, fmt.Errorf("audio frame payload is %d bytes, codec frame size is %d", len(payload), FrameBytes)
	}
	if track != TrackInbound && track != TrackOutbound {
		return AudioFrame{}, fmt.Errorf("unknown audio track %q", track)
	}
	return AudioFrame{
		Payload:     payload,
		Track:       track,
		TimestampMs: timestampMs,
		Sequence:    sequence,
	}, nil
}

// Duration returns the wall-clock audio duration of one frame.
func (f AudioFrame) Duration() time.Duration {
	return FrameDuration
}

// Clone creates a deep copy of the frame.
func (f AudioFrame) Clone() AudioFrame {
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	c := f
	c.Payload = payload
	return c
}

// ChunkOutbound splits raw mu-law audio into sequence-numbered outbound
// frames. The final partial frame, if any, is padded with mu-law silence so
// every frame on the wire has the codec frame size. Timestamps are assigned
// from the frame sequence at the codec's native rate.
func ChunkOutbound(data []byte, startSeq uint64) []AudioFrame {
	if len(data) == 0 {
		return nil
	}
	n := (len(data) + FrameBytes - 1) / FrameBytes
	frames := make([]AudioFrame, 0, n)
	for i := 0; i < n; i++ {
		payload := make([]byte, FrameBytes)
		for j := range payload {
			payload[j] = mulawSilence
		}
		copy(payload, data[i*FrameBytes:min(len(data), (i+1)*FrameBytes)])
		seq := startSeq + uint64(i)
		frames = append(frames, AudioFrame{
			Payload:     payload,
			Track:       TrackOutbound,
			TimestampMs: int64(seq) * FrameDuration.Milliseconds(),
			Sequence:    seq,
		})
	}
	return frames
}

// TotalDuration sums the audio duration represented by a frame sequence.
func TotalDuration(frames []AudioFrame) time.Duration {
	return time.Duration(len(frames)) * FrameDuration
}
