package openai

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/callscreen-go/pkg/ai/tts"
	"github.com/chriscow/callscreen-go/pkg/media"
	"github.com/chriscow/callscreen-go/pkg/resilience"
)

// openaiTTSSampleRate is the PCM sample rate the speech endpoint produces.
const openaiTTSSampleRate = 24000

// TTS implements the tts.TTS interface using the OpenAI speech endpoint.
// Synthesized PCM is downsampled to the telephony rate and encoded to
// mu-law wire frames.
type TTS struct {
	pool   *resilience.Pool[*openai.Client]
	model  string
	voice  string
	logger *slog.Logger
}

// NewTTS creates an OpenAI speech provider with a pooled client.
func NewTTS(cfg Config, poolCfg resilience.PoolConfig, logger *slog.Logger) (*TTS, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	return &TTS{
		pool:   newClientPool(cfg, poolCfg),
		model:  cfg.Model,
		voice:  cfg.Voice,
		logger: logger,
	}, nil
}

// Synthesize converts text to a finite ordered sequence of outbound frames.
func (o *TTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) ([]media.AudioFrame, error) {
	client, err := o.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	voice := o.voice
	if req.Voice != "" {
		voice = req.Voice
	}
	speechReq := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	}
	if req.Speed > 0 {
		speechReq.Speed = float64(req.Speed)
	}

	start := time.Now()
	resp, err := client.CreateSpeech(ctx, speechReq)
	if err != nil {
		o.pool.Discard(client)
		return nil, classify(err)
	}
	pcmBytes, err := io.ReadAll(resp)
	resp.Close()
	if err != nil {
		o.pool.Discard(client)
		return nil, classify(err)
	}
	o.pool.Release(client)

	pcm := media.Downsample(media.PCM16FromBytes(pcmBytes), openaiTTSSampleRate, media.SampleRate)
	frames := media.ChunkOutbound(media.EncodeMulaw(pcm), 0)

	o.logger.Debug("speech synthesis finished",
		slog.Int("frames", len(frames)),
		slog.Duration("duration", time.Since(start)))
	return frames, nil
}

// Capabilities returns the provider's capabilities.
func (o *TTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportedVoices:      []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"},
		SampleRates:          []int{media.SampleRate},
		SupportsSpeedControl: true,
	}
}

// Close releases the pooled clients.
func (o *TTS) Close() {
	o.pool.Close()
}
