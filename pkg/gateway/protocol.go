package gateway

import (
	"encoding/base64"
	"strconv"

	"github.com/chriscow/callscreen-go/pkg/media"
)

// Media stream wire protocol: JSON-framed events on one long-lived
// websocket per call. Event kinds are connected, start, media, stop, mark,
// dtmf inbound; media, mark, clear outbound.
type Message struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	DTMF           *DTMFPayload  `json:"dtmf,omitempty"`
}

// StartPayload carries call identifiers and the negotiated media format.
type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the audio codec on the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64-encoded audio chunk.
type MediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload signals the provider tore the stream down.
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// MarkPayload acknowledges playback of previously sent outbound audio.
type MarkPayload struct {
	Name string `json:"name"`
}

// DTMFPayload carries a keypad digit pressed by the caller.
type DTMFPayload struct {
	Digit string `json:"digit"`
}

// ProtocolError is a session-fatal framing or contract violation. It is
// never retried; the connection is unusable.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func errProtocol(reason string) error {
	return &ProtocolError{Reason: reason}
}

// decodeMediaFrame turns an inbound media payload into a validated wire
// frame. Wrong payload sizes are rejected, not padded.
func decodeMediaFrame(msg *Message) (media.AudioFrame, error) {
	if msg.Media == nil || msg.Media.Payload == "" {
		return media.AudioFrame{}, errProtocol("media event without payload")
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		return media.AudioFrame{}, errProtocol("media payload is not valid base64")
	}
	seq, _ := strconv.ParseUint(msg.SequenceNumber, 10, 64)
	ts, _ := strconv.ParseInt(msg.Media.Timestamp, 10, 64)
	return media.NewAudioFrame(raw, media.Track(msg.Media.Track), ts, seq)
}

// encodeMediaMessage builds the outbound envelope for one audio frame.
func encodeMediaMessage(streamSID string, frame media.AudioFrame) *Message {
	return &Message{
		Event:          "media",
		StreamSID:      streamSID,
		SequenceNumber: strconv.FormatUint(frame.Sequence, 10),
		Media: &MediaPayload{
			Track:     string(frame.Track),
			Timestamp: strconv.FormatInt(frame.TimestampMs, 10),
			Payload:   base64.StdEncoding.EncodeToString(frame.Payload),
		},
	}
}
