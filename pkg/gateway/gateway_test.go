package gateway

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"

	sttfake "github.com/chriscow/callscreen-go/pkg/ai/stt/fake"
	"github.com/chriscow/callscreen-go/pkg/media"
	"github.com/chriscow/callscreen-go/pkg/resilience"
	"github.com/chriscow/callscreen-go/pkg/responder"
	"github.com/chriscow/callscreen-go/pkg/session"
	"github.com/chriscow/callscreen-go/pkg/store"
)

type echoResponder struct{}

func (echoResponder) Respond(ctx context.Context, utterance string, history []responder.Exchange) string {
	return "screening reply to: " + utterance
}

type stubSynth struct {
	frames int
	mu     sync.Mutex
	texts  []string
}

func (s *stubSynth) Synthesize(ctx context.Context, text string) []media.AudioFrame {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return media.ChunkOutbound(make([]byte, s.frames*media.FrameBytes), 0)
}

type testServer struct {
	gw    *Gateway
	srv   *httptest.Server
	store *store.MemoryStore
	synth *stubSynth
}

func newTestServer(t *testing.T, finalAfterFrames int, limiter *resilience.RateLimiter) *testServer {
	t.Helper()

	ts := &testServer{
		store: store.NewMemoryStore(),
		synth: &stubSynth{frames: 2},
	}
	cfg := Config{
		MaxUnackedFrames:    50,
		MalformedFrameLimit: 3,
		FrameInterval:       time.Millisecond,
		SessionDrainTimeout: 2 * time.Second,
		Session:             session.Config{IdleTimeout: time.Minute},
	}
	ts.gw = New(cfg, Deps{
		STT:     sttfake.NewFakeSTT("is this a sales call", 0.9).WithFinalAfterFrames(finalAfterFrames),
		Resp:    echoResponder{},
		Synth:   ts.synth,
		Store:   ts.store,
		Limiter: limiter,
		Logger:  slog.Default(),
	})
	ts.srv = httptest.NewServer(ts.gw)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func startMessage(accountSID string) *Message {
	return &Message{
		Event:     "start",
		StreamSID: "MS1",
		Start: &StartPayload{
			StreamSID:   "MS1",
			AccountSID:  accountSID,
			CallSID:     "CA1",
			Tracks:      []string{"inbound"},
			MediaFormat: MediaFormat{Encoding: media.EncodingMulaw, SampleRate: media.SampleRate, Channels: 1},
		},
	}
}

func mediaMessage(seq int) *Message {
	return &Message{
		Event:          "media",
		StreamSID:      "MS1",
		SequenceNumber: strconv.Itoa(seq),
		Media: &MediaPayload{
			Track:     "inbound",
			Timestamp: strconv.Itoa(seq * 20),
			Payload:   base64.StdEncoding.EncodeToString(make([]byte, media.FrameBytes)),
		},
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestGateway_EndToEnd(t *testing.T) {
	is := is.New(t)

	ts := newTestServer(t, 4, nil)
	ws := ts.dial(t)

	is.NoErr(ws.WriteJSON(&Message{Event: "connected", Protocol: "Call", Version: "1.0.0"}))
	is.NoErr(ws.WriteJSON(startMessage("AC1")))
	for i := 0; i < 4; i++ {
		is.NoErr(ws.WriteJSON(mediaMessage(i)))
	}

	// The reply comes back as paced media frames, each followed by a mark.
	var gotFrames []media.AudioFrame
	for len(gotFrames) < 2 {
		var msg Message
		is.NoErr(ws.ReadJSON(&msg))
		switch msg.Event {
		case "media":
			frame, err := decodeMediaFrame(&msg)
			is.NoErr(err)
			gotFrames = append(gotFrames, frame)
		case "mark":
			is.NoErr(ws.WriteJSON(&Message{Event: "mark", StreamSID: "MS1", Mark: msg.Mark}))
		}
	}

	for i, f := range gotFrames {
		is.Equal(f.Track, media.TrackOutbound)
		is.Equal(f.Sequence, uint64(i))
	}

	// Drain and ack the remaining marks so the turn completes.
	ws.SetReadDeadline(time.Now().Add(time.Second))
	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Event == "mark" {
			_ = ws.WriteJSON(&Message{Event: "mark", StreamSID: "MS1", Mark: msg.Mark})
		}
	}

	ws.SetReadDeadline(time.Time{})
	is.NoErr(ws.WriteJSON(&Message{Event: "stop", StreamSID: "MS1", Stop: &StopPayload{CallSID: "CA1"}}))

	waitForCondition(t, func() bool { return len(ts.store.Records()) == 1 })
	rec := ts.store.Records()[0]
	is.Equal(rec.CallID, "CA1")
	is.Equal(rec.Outcome, store.OutcomeCompleted)
	is.Equal(rec.Exchanges, []responder.Exchange{
		{Caller: "is this a sales call", Reply: "screening reply to: is this a sales call"},
	})
	waitForCondition(t, func() bool { return ts.gw.ActiveStreams() == 0 })
}

func TestGateway_OutboundPausesAtUnackedFrameLimit(t *testing.T) {
	is := is.New(t)

	ts := &testServer{
		store: store.NewMemoryStore(),
		synth: &stubSynth{frames: 4},
	}
	cfg := Config{
		MaxUnackedFrames:    2,
		MalformedFrameLimit: 3,
		FrameInterval:       time.Millisecond,
		SessionDrainTimeout: 2 * time.Second,
		Session:             session.Config{IdleTimeout: time.Minute},
	}
	ts.gw = New(cfg, Deps{
		STT:    sttfake.NewFakeSTT("is this a sales call", 0.9).WithFinalAfterFrames(1),
		Resp:   echoResponder{},
		Synth:  ts.synth,
		Store:  ts.store,
		Logger: slog.Default(),
	})
	ts.srv = httptest.NewServer(ts.gw)
	t.Cleanup(ts.srv.Close)

	ws := ts.dial(t)
	is.NoErr(ws.WriteJSON(startMessage("AC1")))
	is.NoErr(ws.WriteJSON(mediaMessage(0)))

	msgs := make(chan Message, 16)
	go func() {
		for {
			var m Message
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			msgs <- m
		}
	}()
	recv := func() Message {
		select {
		case m := <-msgs:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for outbound message")
			return Message{}
		}
	}

	// Withholding mark acks, only two frames (each with its mark) arrive.
	var gotMedia, gotMarks int
	for i := 0; i < 4; i++ {
		switch m := recv(); m.Event {
		case "media":
			gotMedia++
		case "mark":
			gotMarks++
		default:
			t.Fatalf("unexpected %q event", m.Event)
		}
	}
	is.Equal(gotMedia, 2)
	is.Equal(gotMarks, 2)

	select {
	case m := <-msgs:
		t.Fatalf("received %q event past the unacked frame limit", m.Event)
	case <-time.After(250 * time.Millisecond):
	}

	// One ack frees one slot; exactly one more frame follows.
	is.NoErr(ws.WriteJSON(&Message{Event: "mark", StreamSID: "MS1", Mark: &MarkPayload{Name: "frame-0"}}))
	m := recv()
	is.Equal(m.Event, "media")
}

func TestGateway_MediaBeforeStartIsRejected(t *testing.T) {
	is := is.New(t)

	ts := newTestServer(t, 4, nil)
	ws := ts.dial(t)

	is.NoErr(ws.WriteJSON(mediaMessage(0)))

	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	is.True(ok)
	is.Equal(closeErr.Code, websocket.ClosePolicyViolation)

	// No session was ever created for the connection.
	is.Equal(ts.gw.ActiveStreams(), 0)
	is.Equal(len(ts.store.Records()), 0)
}

func TestGateway_RejectsUnsupportedCodec(t *testing.T) {
	is := is.New(t)

	ts := newTestServer(t, 4, nil)

	cases := []MediaFormat{
		{Encoding: "audio/l16", SampleRate: media.SampleRate, Channels: 1},
		{Encoding: media.EncodingMulaw, SampleRate: 16000, Channels: 1},
	}
	for _, mf := range cases {
		ws := ts.dial(t)
		msg := startMessage("AC1")
		msg.Start.MediaFormat = mf
		is.NoErr(ws.WriteJSON(msg))

		_, _, err := ws.ReadMessage()
		closeErr, ok := err.(*websocket.CloseError)
		is.True(ok)
		is.Equal(closeErr.Code, websocket.ClosePolicyViolation)
		ws.Close()
	}
	is.Equal(ts.gw.ActiveStreams(), 0)
}

func TestGateway_StartMissingIdentifiersIsRejected(t *testing.T) {
	is := is.New(t)

	ts := newTestServer(t, 4, nil)
	ws := ts.dial(t)

	msg := startMessage("AC1")
	msg.Start.CallSID = ""
	is.NoErr(ws.WriteJSON(msg))

	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	is.True(ok)
	is.Equal(closeErr.Code, websocket.ClosePolicyViolation)
}

func TestGateway_MalformedFrameLimitClosesConnection(t *testing.T) {
	is := is.New(t)

	ts := newTestServer(t, 4, nil)
	ws := ts.dial(t)

	is.NoErr(ws.WriteJSON(startMessage("AC1")))

	// Undecodable media payloads are dropped until the limit trips.
	bad := mediaMessage(0)
	bad.Media.Payload = base64.StdEncoding.EncodeToString(make([]byte, 10))
	for i := 0; i < 3; i++ {
		is.NoErr(ws.WriteJSON(bad))
	}

	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	is.True(ok)
	is.Equal(closeErr.Code, websocket.ClosePolicyViolation)
}

func TestGateway_AdmissionRateLimit(t *testing.T) {
	is := is.New(t)

	limiter := resilience.NewRateLimiter(resilience.RateLimiterConfig{Limit: 1, Window: time.Minute})
	ts := newTestServer(t, 4, limiter)

	ws1 := ts.dial(t)
	is.NoErr(ws1.WriteJSON(startMessage("AC1")))
	waitForCondition(t, func() bool { return ts.gw.ActiveStreams() == 1 })

	// Same account immediately opening a second stream is denied.
	ws2 := ts.dial(t)
	is.NoErr(ws2.WriteJSON(startMessage("AC1")))
	_, _, err := ws2.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	is.True(ok)
	is.Equal(closeErr.Code, websocket.ClosePolicyViolation)

	// A different account is unaffected.
	ws3 := ts.dial(t)
	msg := startMessage("AC2")
	msg.StreamSID = "MS3"
	msg.Start.StreamSID = "MS3"
	msg.Start.CallSID = "CA3"
	is.NoErr(ws3.WriteJSON(msg))
	waitForCondition(t, func() bool { return ts.gw.ActiveStreams() == 2 })
}

func TestGateway_DuplicateStartIsRejected(t *testing.T) {
	is := is.New(t)

	ts := newTestServer(t, 4, nil)
	ws := ts.dial(t)

	is.NoErr(ws.WriteJSON(startMessage("AC1")))
	is.NoErr(ws.WriteJSON(startMessage("AC1")))

	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	is.True(ok)
	is.Equal(closeErr.Code, websocket.ClosePolicyViolation)
}

func TestGateway_ClientDisconnectFinalizesAsHangUp(t *testing.T) {
	is := is.New(t)

	ts := newTestServer(t, 4, nil)
	ws := ts.dial(t)

	is.NoErr(ws.WriteJSON(startMessage("AC1")))
	waitForCondition(t, func() bool { return ts.gw.ActiveStreams() == 1 })

	ws.Close()

	waitForCondition(t, func() bool { return len(ts.store.Records()) == 1 })
	is.Equal(ts.store.Records()[0].Outcome, store.OutcomeCallerHungUp)
	waitForCondition(t, func() bool { return ts.gw.ActiveStreams() == 0 })
}
