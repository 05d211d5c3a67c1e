package media

import (
	"testing"

	"github.com/matryer/is"
)

func TestEncodeMulaw_KnownValues(t *testing.T) {
	is := is.New(t)

	out := EncodeMulaw([]int16{0})
	is.Equal(out[0], byte(mulawSilence)) // zero sample encodes to 0xFF

	// Positive and negative full scale differ only in the sign bit.
	pos := encodeMulawSample(32635)
	neg := encodeMulawSample(-32635)
	is.Equal(pos&0x80, byte(0x80))
	is.Equal(neg&0x80, byte(0))
	is.Equal(pos&0x7F, neg&0x7F)
}

func TestEncodeMulaw_ClipsAtMax(t *testing.T) {
	is := is.New(t)

	// Samples beyond the clip level all encode the same.
	is.Equal(encodeMulawSample(32767), encodeMulawSample(mulawClip))
	is.Equal(encodeMulawSample(-32768), encodeMulawSample(-mulawClip))
}

func TestEncodeMulaw_Monotonic(t *testing.T) {
	// Louder samples never decode to a smaller magnitude code. Spot-check a
	// few amplitude steps rather than the full range.
	prev := encodeMulawSample(0) ^ 0xFF
	for _, amp := range []int16{100, 500, 2000, 8000, 20000, 32000} {
		cur := encodeMulawSample(amp) ^ 0xFF
		if cur < prev {
			t.Fatalf("mu-law code decreased at amplitude %d", amp)
		}
		prev = cur
	}
}

func TestDownsample(t *testing.T) {
	is := is.New(t)

	in := make([]int16, 24)
	for i := range in {
		in[i] = int16(i)
	}

	out := Downsample(in, 24000, 8000)
	is.Equal(len(out), 8)
	is.Equal(out[0], int16(0))
	is.Equal(out[1], int16(3))
	is.Equal(out[7], int16(21))
}

func TestDownsample_NonIntegerRatioPassesThrough(t *testing.T) {
	is := is.New(t)

	in := []int16{1, 2, 3}
	is.Equal(len(Downsample(in, 22050, 8000)), 3)
	is.Equal(len(Downsample(in, 8000, 8000)), 3)
}

func TestPCM16FromBytes(t *testing.T) {
	is := is.New(t)

	out := PCM16FromBytes([]byte{0x01, 0x00, 0xFF, 0xFF, 0x34})
	is.Equal(len(out), 2) // trailing odd byte dropped
	is.Equal(out[0], int16(1))
	is.Equal(out[1], int16(-1))
}

func TestToneFrames(t *testing.T) {
	is := is.New(t)

	frames := ToneFrames(440, 600)
	is.Equal(len(frames), 30) // 600 ms at 20 ms per frame
	for _, f := range frames {
		is.Equal(len(f.Payload), FrameBytes)
		is.Equal(f.Track, TrackOutbound)
	}
}
