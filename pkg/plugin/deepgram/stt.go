// Package deepgram implements the streaming STT provider against the
// Deepgram realtime websocket API. Each stream holds one persistent
// bidirectional connection; on stream failure it reconnects under the retry
// policy and replays only the audio received after the last final result.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chriscow/callscreen-go/pkg/ai"
	"github.com/chriscow/callscreen-go/pkg/ai/stt"
	"github.com/chriscow/callscreen-go/pkg/media"
	"github.com/chriscow/callscreen-go/pkg/resilience"
)

// maxReplayFrames bounds the reconnect replay buffer to 10 seconds of audio.
const maxReplayFrames = 500

// Config holds Deepgram connection settings.
type Config struct {
	APIKey   string
	URL      string // defaults to the public realtime endpoint
	Model    string
	Language string
}

// STT is a Deepgram-backed streaming speech-to-text provider.
type STT struct {
	cfg    Config
	dialer *websocket.Dialer
	retry  resilience.RetryPolicy
	logger *slog.Logger
}

// New creates a Deepgram STT provider.
func New(cfg Config, retry resilience.RetryPolicy, logger *slog.Logger) (*STT, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram API key is required")
	}
	if cfg.URL == "" {
		cfg.URL = "wss://api.deepgram.com/v1/listen"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	return &STT{cfg: cfg, dialer: &dialer, retry: retry, logger: logger}, nil
}

// Capabilities returns the provider's capabilities.
func (d *STT) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:          true,
		InterimResults:     true,
		SupportedEncodings: []string{media.EncodingMulaw},
		SampleRates:        []int{media.SampleRate, 16000},
	}
}

// NewStream opens a persistent recognition stream.
func (d *STT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	s := &stream{
		parent: d,
		cfg:    cfg,
		events: make(chan stt.SpeechEvent, 32),
		logger: d.logger.With(slog.String("provider", "deepgram")),
	}
	if err := s.connect(ctx); err != nil {
		return nil, ai.ClassifyNetErr(err)
	}
	return s, nil
}

type stream struct {
	parent *STT
	cfg    stt.StreamConfig
	events chan stt.SpeechEvent
	logger *slog.Logger

	eventsOnce sync.Once

	mu         sync.Mutex
	conn       *websocket.Conn
	gen        int // connection generation; stale readers are ignored
	broken     bool
	closed     bool
	readerDone chan struct{}      // closed when the current connection's reader exits
	replay     []media.AudioFrame // audio after the last acknowledged (final) point
}

// wire shapes for the realtime API.
type dgResponse struct {
	Type        string    `json:"type"`
	IsFinal     bool      `json:"is_final"`
	SpeechFinal bool      `json:"speech_final"`
	Channel     dgChannel `json:"channel"`
	Start       float64   `json:"start"`
	Duration    float64   `json:"duration"`
}

type dgChannel struct {
	Alternatives []dgAlternative `json:"alternatives"`
}

type dgAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

func (s *stream) connect(ctx context.Context) error {
	u, err := url.Parse(s.parent.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid recognition URL: %w", err)
	}
	q := u.Query()
	q.Set("model", s.parent.cfg.Model)
	q.Set("language", s.parent.cfg.Language)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	q.Set("channels", "1")
	if s.cfg.InterimResults {
		q.Set("interim_results", "true")
	}
	q.Set("endpointing", "true")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+s.parent.cfg.APIKey)

	conn, resp, err := s.parent.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return ai.ClassifyStatus(resp.StatusCode, err)
		}
		return ai.ClassifyNetErr(err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	s.mu.Lock()
	s.conn = conn
	s.broken = false
	s.gen++
	gen := s.gen
	done := make(chan struct{})
	s.readerDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.readLoop(conn, gen)
	}()
	return nil
}

// Push sends one audio frame to the backend. On a broken connection it
// reconnects under the retry policy and replays unacknowledged audio before
// accepting the new frame.
func (s *stream) Push(frame media.AudioFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("recognition stream is closed")
	}
	s.replay = append(s.replay, frame)
	if len(s.replay) > maxReplayFrames {
		s.replay = s.replay[len(s.replay)-maxReplayFrames:]
	}
	conn, broken := s.conn, s.broken
	s.mu.Unlock()

	if broken || conn == nil {
		if err := s.reconnect(); err != nil {
			return err
		}
		// replayPending already resent this frame with the rest of the buffer.
		return nil
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Payload); err != nil {
		s.markBroken(conn)
		if rerr := s.reconnect(); rerr != nil {
			return rerr
		}
		return nil
	}
	return nil
}

// Events returns the channel of recognition events.
func (s *stream) Events() <-chan stt.SpeechEvent {
	return s.events
}

// CloseSend asks the backend to flush pending results and closes the stream
// once they have drained.
func (s *stream) CloseSend() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn, broken, done := s.conn, s.broken, s.readerDone
	s.mu.Unlock()

	if conn != nil && !broken {
		// CloseStream tells Deepgram to finalize and emit remaining results.
		// The reader emits any flushed finals and closes the events channel
		// once it observes the server's close; the wait is bounded so a
		// backend that never closes cannot hang teardown.
		msg, _ := json.Marshal(map[string]string{"type": "CloseStream"})
		if err := conn.WriteMessage(websocket.TextMessage, msg); err == nil && done != nil {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				s.logger.Warn("recognition stream drain timed out")
			}
		}
		conn.Close()
	} else {
		s.closeEvents()
	}
	return nil
}

func (s *stream) closeEvents() {
	s.eventsOnce.Do(func() { close(s.events) })
}

func (s *stream) reconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := s.parent.retry.Do(ctx, func(ctx context.Context) error {
		if err := s.connect(ctx); err != nil {
			return err
		}
		return s.replayPending()
	})
	if err != nil {
		return fmt.Errorf("recognition stream reconnect failed: %w", err)
	}
	s.logger.Info("recognition stream reconnected",
		slog.Int("replayed_frames", s.pendingCount()))
	return nil
}

func (s *stream) replayPending() error {
	s.mu.Lock()
	conn := s.conn
	pending := make([]media.AudioFrame, len(s.replay))
	copy(pending, s.replay)
	s.mu.Unlock()

	for _, f := range pending {
		if err := conn.WriteMessage(websocket.BinaryMessage, f.Payload); err != nil {
			s.markBroken(conn)
			return ai.ClassifyNetErr(err)
		}
	}
	return nil
}

func (s *stream) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replay)
}

func (s *stream) markBroken(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.broken = true
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *stream) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stale := gen != s.gen
			closed := s.closed
			if !stale {
				s.broken = true
			}
			s.mu.Unlock()

			if closed && !stale {
				s.closeEvents()
			} else if !stale && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("recognition stream read error", slog.String("error", err.Error()))
			}
			return
		}

		var resp dgResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
			continue
		}
		alt := resp.Channel.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}

		ev := stt.SpeechEvent{
			Type:        stt.SpeechEventInterim,
			Text:        text,
			Confidence:  alt.Confidence,
			TimestampMs: time.Now().UnixMilli(),
		}
		if resp.IsFinal {
			ev.Type = stt.SpeechEventFinal
			ev.IsFinal = true
			// A final result acknowledges everything sent so far; audio up
			// to this point never needs replaying.
			s.mu.Lock()
			s.replay = s.replay[:0]
			s.mu.Unlock()
		}

		select {
		case s.events <- ev:
		default:
			s.logger.Warn("recognition event dropped, consumer too slow")
		}
	}
}
