// Package session implements the per-call state machine that drives the
// screening pipeline. A session is created by the stream gateway on a valid
// start frame and owns all per-call state: the transcript window, sequence
// counters, the recognition stream, and the single in-flight reply turn.
// It moves through CONNECTING, STREAMING, AI_RESPONDING (looping back to
// STREAMING after each spoken reply), ENDING, and CLOSED.
package session

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriscow/callscreen-go/pkg/ai/stt"
	"github.com/chriscow/callscreen-go/pkg/media"
	"github.com/chriscow/callscreen-go/pkg/responder"
	"github.com/chriscow/callscreen-go/pkg/store"
)

// Phase is the lifecycle state of a call session.
type Phase int32

const (
	PhaseConnecting Phase = iota
	PhaseStreaming
	PhaseResponding
	PhaseEnding
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseStreaming:
		return "streaming"
	case PhaseResponding:
		return "ai-responding"
	case PhaseEnding:
		return "ending"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// Session-level metrics.
var (
	metricActiveSessions = expvar.NewInt("callscreen_sessions_active")
	metricTurnsCompleted = expvar.NewInt("callscreen_turns_completed")
	metricIdlePrompts    = expvar.NewInt("callscreen_idle_prompts")
	metricSeqGaps        = expvar.NewInt("callscreen_inbound_seq_gaps")
)

// Responder produces a spoken reply for an utterance. It must not fail;
// degraded backends return a fallback phrase.
type Responder interface {
	Respond(ctx context.Context, utterance string, history []responder.Exchange) string
}

// Synthesizer converts reply text to outbound wire frames. It must not
// fail; degraded backends return a canned clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) []media.AudioFrame
}

// Outbound transmits frames to the caller, paced to real time, returning
// once all frames are acknowledged or the context ends.
type Outbound interface {
	SendAudio(ctx context.Context, frames []media.AudioFrame) error
}

// Config tunes a session.
type Config struct {
	// ConfidenceThreshold gates which final transcripts trigger a reply.
	ConfidenceThreshold float64
	// IdleTimeout is the silence window after which the session speaks a
	// synthetic re-engagement prompt instead of waiting forever.
	IdleTimeout time.Duration
	IdlePrompt  string
	// TranscriptWindow bounds the retained exchanges.
	TranscriptWindow int
	// MediaQueueSize bounds the inbound frame queue; overflow drops frames.
	MediaQueueSize int
	// AckGrace is added to the nominal playback time when waiting for
	// outbound frames to be acknowledged.
	AckGrace time.Duration
}

// DefaultConfig provides sensible defaults for screening calls.
var DefaultConfig = Config{
	ConfidenceThreshold: 0.6,
	IdleTimeout:         15 * time.Second,
	IdlePrompt:          "Are you still there?",
	TranscriptWindow:    20,
	MediaQueueSize:      256,
	AckGrace:            5 * time.Second,
}

// Deps are the collaborators a session drives. The session holds the only
// long-lived reference to its own state; collaborators see it solely
// through method calls.
type Deps struct {
	STT    stt.STT
	Resp   Responder
	Synth  Synthesizer
	Out    Outbound
	Store  store.Store
	Logger *slog.Logger
}

// Session is the state machine for one active call.
type Session struct {
	ID     string
	CallID string

	cfg  Config
	deps Deps

	phase atomic.Int32

	mediaCh chan media.AudioFrame

	stopOnce    sync.Once
	stopCh      chan struct{}
	stopOutcome atomic.Value // string

	// Mutated only by the run loop and the single turn goroutine.
	lastInboundSeq uint64
	seenInbound    bool
	outboundSeq    uint64

	history       []responder.Exchange
	pendingFinals []string

	startedAt time.Time
	logger    *slog.Logger
	now       func() time.Time
}

type turnResult struct {
	utterance string
	reply     string
	synthetic bool
}

// New creates a session in the CONNECTING phase.
func New(id, callID string, cfg Config, deps Deps) *Session {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfig.ConfidenceThreshold
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig.IdleTimeout
	}
	if cfg.IdlePrompt == "" {
		cfg.IdlePrompt = DefaultConfig.IdlePrompt
	}
	if cfg.TranscriptWindow <= 0 {
		cfg.TranscriptWindow = DefaultConfig.TranscriptWindow
	}
	if cfg.MediaQueueSize <= 0 {
		cfg.MediaQueueSize = DefaultConfig.MediaQueueSize
	}
	if cfg.AckGrace <= 0 {
		cfg.AckGrace = DefaultConfig.AckGrace
	}
	s := &Session{
		ID:      id,
		CallID:  callID,
		cfg:     cfg,
		deps:    deps,
		mediaCh: make(chan media.AudioFrame, cfg.MediaQueueSize),
		stopCh:  make(chan struct{}),
		logger: deps.Logger.With(
			slog.String("session_id", id),
			slog.String("call_id", callID),
		),
		now: time.Now,
	}
	s.phase.Store(int32(PhaseConnecting))
	return s
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Session) setPhase(p Phase) {
	old := Phase(s.phase.Swap(int32(p)))
	if old != p {
		s.logger.Debug("session phase changed",
			slog.String("from", old.String()),
			slog.String("to", p.String()))
	}
}

// HandleMedia enqueues one inbound frame. Frames are processed in arrival
// order; the queue drops on overflow rather than blocking the gateway's
// read loop.
func (s *Session) HandleMedia(frame media.AudioFrame) error {
	switch s.Phase() {
	case PhaseEnding, PhaseClosed:
		return fmt.Errorf("session %s is closed", s.ID)
	}
	if frame.Track != media.TrackInbound {
		return fmt.Errorf("media frame on unexpected track %q", frame.Track)
	}
	select {
	case s.mediaCh <- frame:
		return nil
	default:
		s.logger.Warn("inbound media queue full, dropping frame",
			slog.Uint64("sequence", frame.Sequence))
		return nil
	}
}

// Stop begins teardown with the given outcome. Safe to call more than once;
// the first outcome wins.
func (s *Session) Stop(outcome string) {
	s.stopOnce.Do(func() {
		s.stopOutcome.Store(outcome)
		close(s.stopCh)
	})
}

// Run executes the session until stop, connection loss (ctx cancel), or a
// fatal dependency error. It owns all state transitions, keeps at most one
// reply turn in flight, and emits the finalized call record on exit.
func (s *Session) Run(ctx context.Context) error {
	s.startedAt = s.now()
	metricActiveSessions.Add(1)
	defer metricActiveSessions.Add(-1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sttStream, err := s.deps.STT.NewStream(ctx, stt.StreamConfig{
		Encoding:       media.EncodingMulaw,
		SampleRate:     media.SampleRate,
		InterimResults: true,
	})
	if err != nil {
		s.finalize(store.OutcomeError)
		return fmt.Errorf("failed to open recognition stream: %w", err)
	}

	s.setPhase(PhaseStreaming)

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	turnDone := make(chan turnResult, 1)
	events := sttStream.Events()

	defer func() {
		s.setPhase(PhaseEnding)
		cancel() // cancels any in-flight reply turn and the STT stream
		sttStream.CloseSend()
		outcome, _ := s.stopOutcome.Load().(string)
		if outcome == "" {
			outcome = store.OutcomeCallerHungUp
		}
		s.finalize(outcome)
		s.setPhase(PhaseClosed)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.stopCh:
			return nil

		case frame := <-s.mediaCh:
			s.trackInboundSeq(frame.Sequence)
			if err := sttStream.Push(frame); err != nil {
				s.logger.Warn("failed to push audio to recognition",
					slog.String("error", err.Error()))
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleSpeechEvent(ctx, ev, turnDone, idle)

		case res := <-turnDone:
			s.completeTurn(ctx, res, turnDone, idle)

		case <-idle.C:
			if s.Phase() != PhaseStreaming {
				idle.Reset(s.cfg.IdleTimeout)
				continue
			}
			// Nobody has said anything final for a while; prompt rather
			// than wait indefinitely.
			metricIdlePrompts.Add(1)
			s.logger.Info("idle silence window elapsed, prompting caller")
			s.startTurn(ctx, turnResult{reply: s.cfg.IdlePrompt, synthetic: true}, turnDone)
		}
	}
}

func (s *Session) handleSpeechEvent(ctx context.Context, ev stt.SpeechEvent, turnDone chan turnResult, idle *time.Timer) {
	switch ev.Type {
	case stt.SpeechEventError:
		if ev.Err != nil {
			s.logger.Warn("recognition error event", slog.String("error", ev.Err.Error()))
		}
		return
	case stt.SpeechEventInterim:
		// Interim results never drive the state machine.
		s.logger.Debug("interim transcript", slog.String("text", ev.Text))
		return
	}

	if ev.Confidence < s.cfg.ConfidenceThreshold {
		s.logger.Debug("final transcript below confidence threshold",
			slog.String("text", ev.Text),
			slog.Float64("confidence", ev.Confidence))
		return
	}

	resetTimer(idle, s.cfg.IdleTimeout)

	if s.Phase() == PhaseResponding {
		// A reply is already in flight; hold this utterance for the next
		// turn rather than dispatching a second concurrent request.
		s.pendingFinals = append(s.pendingFinals, ev.Text)
		return
	}
	s.startTurn(ctx, turnResult{utterance: ev.Text}, turnDone)
}

// startTurn moves to AI_RESPONDING and launches the single turn goroutine:
// generate a reply (unless synthetic), synthesize it, and transmit the
// frames. Completion is reported back to the run loop so state transitions
// stay serialized.
func (s *Session) startTurn(ctx context.Context, res turnResult, turnDone chan turnResult) {
	s.setPhase(PhaseResponding)
	history := make([]responder.Exchange, len(s.history))
	copy(history, s.history)

	go func() {
		if !res.synthetic {
			res.reply = s.deps.Resp.Respond(ctx, res.utterance, history)
		}
		frames := s.deps.Synth.Synthesize(ctx, res.reply)
		s.transmit(ctx, frames)
		select {
		case turnDone <- res:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) completeTurn(ctx context.Context, res turnResult, turnDone chan turnResult, idle *time.Timer) {
	metricTurnsCompleted.Add(1)
	if !res.synthetic {
		s.history = append(s.history, responder.Exchange{Caller: res.utterance, Reply: res.reply})
		if len(s.history) > s.cfg.TranscriptWindow {
			s.history = s.history[len(s.history)-s.cfg.TranscriptWindow:]
		}
	}
	s.setPhase(PhaseStreaming)
	resetTimer(idle, s.cfg.IdleTimeout)

	if len(s.pendingFinals) > 0 {
		next := s.pendingFinals[0]
		s.pendingFinals = s.pendingFinals[1:]
		s.startTurn(ctx, turnResult{utterance: next}, turnDone)
	}
}

// transmit numbers the frames with the session's outbound counter and
// writes them through the gateway, waiting for playback acknowledgement up
// to the nominal audio duration plus a grace period.
func (s *Session) transmit(ctx context.Context, frames []media.AudioFrame) {
	if len(frames) == 0 {
		return
	}
	for i := range frames {
		frames[i].Sequence = s.outboundSeq
		frames[i].TimestampMs = int64(s.outboundSeq) * media.FrameDuration.Milliseconds()
		frames[i].Track = media.TrackOutbound
		s.outboundSeq++
	}

	sendCtx, cancel := context.WithTimeout(ctx, media.TotalDuration(frames)+s.cfg.AckGrace)
	defer cancel()
	if err := s.deps.Out.SendAudio(sendCtx, frames); err != nil {
		s.logger.Warn("outbound audio transmission incomplete",
			slog.Int("frames", len(frames)),
			slog.String("error", err.Error()))
	}
}

func (s *Session) trackInboundSeq(seq uint64) {
	if s.seenInbound && seq != s.lastInboundSeq+1 {
		// Out-of-order or gapped inbound audio is logged but processed in
		// arrival order; the pipeline does not attempt reordering.
		metricSeqGaps.Add(1)
		s.logger.Debug("inbound sequence gap",
			slog.Uint64("expected", s.lastInboundSeq+1),
			slog.Uint64("got", seq))
	}
	s.lastInboundSeq = seq
	s.seenInbound = true
}

// History returns a copy of the retained transcript window.
func (s *Session) History() []responder.Exchange {
	out := make([]responder.Exchange, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) finalize(outcome string) {
	rec := store.CallRecord{
		SessionID: s.ID,
		CallID:    s.CallID,
		StartedAt: s.startedAt,
		Duration:  s.now().Sub(s.startedAt),
		Exchanges: s.History(),
		Outcome:   outcome,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.SaveCallRecord(ctx, rec); err != nil {
		s.logger.Error("failed to persist call record", slog.String("error", err.Error()))
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
