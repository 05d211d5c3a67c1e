package media

import "math"

// mu-law encoding constants (G.711).
const (
	mulawBias    = 0x84
	mulawClip    = 32635
	mulawSilence = 0xFF // encoded zero sample
)

// EncodeMulaw converts 16-bit linear PCM samples to 8-bit mu-law.
func EncodeMulaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = encodeMulawSample(s)
	}
	return out
}

func encodeMulawSample(sample int16) byte {
	v := int32(sample)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// Downsample reduces the sample rate of mono PCM by decimation.
// fromRate must be an integer multiple of toRate; anything else returns the
// input unchanged, since the synthesis backends all produce multiples of 8 kHz.
func Downsample(pcm []int16, fromRate, toRate int) []int16 {
	if fromRate <= toRate || toRate <= 0 || fromRate%toRate != 0 {
		return pcm
	}
	step := fromRate / toRate
	out := make([]int16, 0, len(pcm)/step+1)
	for i := 0; i < len(pcm); i += step {
		out = append(out, pcm[i])
	}
	return out
}

// PCM16FromBytes reinterprets little-endian byte pairs as 16-bit samples.
// A trailing odd byte is dropped.
func PCM16FromBytes(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

// ToneFrames generates a mu-law sine tone of the given frequency and
// duration, chunked into outbound wire frames. Used for the canned
// "technical difficulty" clip played when synthesis is unavailable.
func ToneFrames(freqHz float64, ms int) []AudioFrame {
	samples := SampleRate * ms / 1000
	pcm := make([]int16, samples)
	for i := range pcm {
		t := float64(i) / SampleRate
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*freqHz*t))
	}
	return ChunkOutbound(EncodeMulaw(pcm), 0)
}
