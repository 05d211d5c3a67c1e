// Package gateway terminates media-stream websockets and bridges them to
// call sessions. One connection carries one call: a start frame negotiates
// the codec and creates the session, media frames feed recognition, and
// outbound audio is written back paced to real time with mark-based
// playback acknowledgement.
package gateway

import (
	"context"
	"errors"
	"expvar"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chriscow/callscreen-go/pkg/ai/stt"
	"github.com/chriscow/callscreen-go/pkg/media"
	"github.com/chriscow/callscreen-go/pkg/resilience"
	"github.com/chriscow/callscreen-go/pkg/session"
	"github.com/chriscow/callscreen-go/pkg/store"
)

// Gateway-level metrics.
var (
	metricFramesIn       = expvar.NewInt("callscreen_gateway_frames_in")
	metricFramesOut      = expvar.NewInt("callscreen_gateway_frames_out")
	metricFramesDropped  = expvar.NewInt("callscreen_gateway_frames_malformed")
	metricStreamsStarted = expvar.NewInt("callscreen_gateway_streams_started")
	metricStreamsDenied  = expvar.NewInt("callscreen_gateway_streams_denied")
)

const admissionClass = "media-stream"

// Config tunes the gateway.
type Config struct {
	// MaxUnackedFrames bounds outbound frames in flight without a mark
	// acknowledgement before the writer pauses.
	MaxUnackedFrames int
	// MalformedFrameLimit is the number of undecodable frames tolerated on
	// one connection before it is closed.
	MalformedFrameLimit int
	// FrameInterval paces outbound writes. Media frames carry 20 ms of
	// audio, so this defaults to 20 ms.
	FrameInterval time.Duration
	// SessionDrainTimeout bounds the wait for the session loop to exit
	// after the connection goes away.
	SessionDrainTimeout time.Duration

	Session session.Config
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	MaxUnackedFrames:    50,
	MalformedFrameLimit: 10,
	FrameInterval:       media.FrameDuration,
	SessionDrainTimeout: 10 * time.Second,
}

// Deps are the pipeline collaborators the gateway hands to each session.
type Deps struct {
	STT     stt.STT
	Resp    session.Responder
	Synth   session.Synthesizer
	Store   store.Store
	Limiter *resilience.RateLimiter
	Logger  *slog.Logger
}

// Gateway accepts media-stream websocket connections.
type Gateway struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn // keyed by stream SID
}

// New creates a Gateway.
func New(cfg Config, deps Deps) *Gateway {
	if cfg.MaxUnackedFrames <= 0 {
		cfg.MaxUnackedFrames = DefaultConfig.MaxUnackedFrames
	}
	if cfg.MalformedFrameLimit <= 0 {
		cfg.MalformedFrameLimit = DefaultConfig.MalformedFrameLimit
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultConfig.FrameInterval
	}
	if cfg.SessionDrainTimeout <= 0 {
		cfg.SessionDrainTimeout = DefaultConfig.SessionDrainTimeout
	}
	return &Gateway{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// ActiveStreams returns the number of connections with a live session.
func (g *Gateway) ActiveStreams() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// ServeHTTP upgrades the request and runs the connection until the stream
// ends or a protocol violation closes it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.deps.Logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &conn{
		g:      g,
		ws:     ws,
		logger: g.deps.Logger.With(slog.String("remote", ws.RemoteAddr().String())),
		acks:   make(chan struct{}, 512),
	}
	c.serve(r.Context())
}

func (g *Gateway) register(streamSID string, c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[streamSID] = c
}

func (g *Gateway) unregister(streamSID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, streamSID)
}

// conn is one websocket connection and its (at most one) session.
type conn struct {
	g      *Gateway
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	streamSID string
	sess      *session.Session
	sessDone  chan struct{}
	cancel    context.CancelFunc

	// acks receives one token per mark event; SendAudio consumes them to
	// bound unacknowledged frames.
	acks chan struct{}

	malformed int
}

func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	err := c.readLoop(ctx)
	c.teardown(err)
}

// readLoop consumes inbound events until the peer disconnects, the stream
// stops, or a protocol violation makes the connection unusable.
func (c *conn) readLoop(ctx context.Context) error {
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if _, ok := err.(*websocket.CloseError); ok {
				return err
			}
			if _, ok := err.(net.Error); ok {
				return err
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return err
			}
			// Undecodable payloads on an otherwise healthy socket count as
			// malformed frames.
			if merr := c.recordMalformed("unparseable message"); merr != nil {
				return merr
			}
			continue
		}

		switch msg.Event {
		case "connected":
			c.logger.Debug("stream handshake",
				slog.String("protocol", msg.Protocol),
				slog.String("version", msg.Version))

		case "start":
			if err := c.handleStart(ctx, &msg); err != nil {
				return err
			}

		case "media":
			if err := c.handleMedia(&msg); err != nil {
				return err
			}

		case "stop":
			c.logger.Info("stream stopped by provider")
			if c.sess != nil {
				c.sess.Stop(store.OutcomeCompleted)
			}
			return nil

		case "mark":
			select {
			case c.acks <- struct{}{}:
			default:
			}

		case "dtmf":
			if msg.DTMF != nil {
				// Digits are surfaced in the log only; screening does not
				// react to keypad input.
				c.logger.Info("dtmf digit received", slog.String("digit", msg.DTMF.Digit))
			}

		default:
			if merr := c.recordMalformed("unknown event " + strconv.Quote(msg.Event)); merr != nil {
				return merr
			}
		}
	}
}

func (c *conn) handleStart(ctx context.Context, msg *Message) error {
	if c.sess != nil {
		return errProtocol("duplicate start event")
	}
	start := msg.Start
	if start == nil || start.StreamSID == "" || start.CallSID == "" {
		return errProtocol("start event missing stream identifiers")
	}
	if start.MediaFormat.Encoding != media.EncodingMulaw {
		return errProtocol("unsupported encoding " + strconv.Quote(start.MediaFormat.Encoding))
	}
	if start.MediaFormat.SampleRate != media.SampleRate {
		return errProtocol("unsupported sample rate " + strconv.Itoa(start.MediaFormat.SampleRate))
	}

	if c.g.deps.Limiter != nil {
		identity := start.AccountSID
		if identity == "" {
			identity = start.CallSID
		}
		if ok, retryAfter := c.g.deps.Limiter.Allow(identity, admissionClass, time.Now()); !ok {
			metricStreamsDenied.Add(1)
			c.logger.Warn("stream admission denied by rate limit",
				slog.String("identity", identity),
				slog.Duration("retry_after", retryAfter))
			return errProtocol("stream rate limit exceeded")
		}
	}

	c.streamSID = start.StreamSID
	c.logger = c.logger.With(
		slog.String("stream_sid", start.StreamSID),
		slog.String("call_sid", start.CallSID))

	sess := session.New(uuid.NewString(), start.CallSID, c.g.cfg.Session, session.Deps{
		STT:    c.g.deps.STT,
		Resp:   c.g.deps.Resp,
		Synth:  c.g.deps.Synth,
		Out:    c,
		Store:  c.g.deps.Store,
		Logger: c.logger,
	})
	c.sess = sess
	c.sessDone = make(chan struct{})
	c.g.register(start.StreamSID, c)
	metricStreamsStarted.Add(1)

	go func() {
		defer close(c.sessDone)
		if err := sess.Run(ctx); err != nil {
			c.logger.Error("session ended with error", slog.String("error", err.Error()))
		}
	}()

	c.logger.Info("stream started",
		slog.String("session_id", sess.ID),
		slog.String("encoding", start.MediaFormat.Encoding),
		slog.Int("sample_rate", start.MediaFormat.SampleRate))
	return nil
}

func (c *conn) handleMedia(msg *Message) error {
	if c.sess == nil {
		// Media before start means the peer does not speak the protocol;
		// no session is ever created for this connection.
		return errProtocol("media event before start")
	}
	frame, err := decodeMediaFrame(msg)
	if err != nil {
		return c.recordMalformed(err.Error())
	}
	metricFramesIn.Add(1)
	if err := c.sess.HandleMedia(frame); err != nil {
		c.logger.Debug("inbound frame rejected", slog.String("error", err.Error()))
	}
	return nil
}

// recordMalformed drops one bad frame and closes the connection once the
// limit is reached.
func (c *conn) recordMalformed(reason string) error {
	c.malformed++
	metricFramesDropped.Add(1)
	c.logger.Warn("malformed frame dropped",
		slog.String("reason", reason),
		slog.Int("count", c.malformed))
	if c.malformed >= c.g.cfg.MalformedFrameLimit {
		return errProtocol("too many malformed frames")
	}
	return nil
}

// SendAudio writes frames to the caller, one per FrameInterval, following
// each with a mark. It blocks when MaxUnackedFrames marks are outstanding
// and returns once every frame has been acknowledged.
func (c *conn) SendAudio(ctx context.Context, frames []media.AudioFrame) error {
	ticker := time.NewTicker(c.g.cfg.FrameInterval)
	defer ticker.Stop()

	unacked := 0
	for _, frame := range frames {
		for unacked >= c.g.cfg.MaxUnackedFrames {
			select {
			case <-c.acks:
				unacked--
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := c.writeJSON(encodeMediaMessage(c.streamSID, frame)); err != nil {
			return err
		}
		if err := c.writeJSON(&Message{
			Event:     "mark",
			StreamSID: c.streamSID,
			Mark:      &MarkPayload{Name: "frame-" + strconv.FormatUint(frame.Sequence, 10)},
		}); err != nil {
			return err
		}
		unacked++
		metricFramesOut.Add(1)
	}

	for unacked > 0 {
		select {
		case <-c.acks:
			unacked--
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *conn) writeJSON(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// teardown stops the session, tells the peer to flush buffered audio, and
// closes the socket.
func (c *conn) teardown(readErr error) {
	if c.sess != nil {
		if c.sess.Phase() == session.PhaseResponding {
			// Buffered outbound audio is stale once the call is over.
			if err := c.writeJSON(&Message{Event: "clear", StreamSID: c.streamSID}); err != nil {
				c.logger.Debug("failed to send clear", slog.String("error", err.Error()))
			}
		}
		outcome := store.OutcomeCallerHungUp
		if _, ok := readErr.(*ProtocolError); ok {
			outcome = store.OutcomeError
		}
		c.sess.Stop(outcome)
	}
	c.cancel()

	if c.sessDone != nil {
		select {
		case <-c.sessDone:
		case <-time.After(c.g.cfg.SessionDrainTimeout):
			c.logger.Warn("session did not drain before timeout")
		}
	}
	if c.streamSID != "" {
		c.g.unregister(c.streamSID)
	}

	if perr, ok := readErr.(*ProtocolError); ok {
		c.logger.Warn("closing connection", slog.String("reason", perr.Reason))
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, perr.Reason), deadline)
	} else if readErr != nil {
		c.logger.Info("connection read ended", slog.String("error", readErr.Error()))
	}
	_ = c.ws.Close()
}
