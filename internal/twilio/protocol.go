package twilio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Media stream event names, in the order the protocol sends them.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Application close codes sent on the media stream connection (RFC 6455
// private-use range 4000-4999).
const (
	CloseCapacity        = 4001 // session ceiling reached
	CloseProtocolError   = 4002 // malformed or out-of-sequence message
	CloseUpstreamFailure = 4003 // transcription provider unavailable or lost
)

// Default media format for telephony streams.
const (
	EncodingMulaw     = "audio/x-mulaw"
	DefaultSampleRate = 8000
	DefaultChannels   = 1
)

// Message is one inbound control message on a media stream connection.
// Exactly one of Start, Media, Stop is set, depending on Event.
type Message struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

// StartPayload carries stream metadata from the start event.
type StartPayload struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaFormat describes the audio encoding of a stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64-encoded audio chunk. Chunk and Timestamp
// are decimal strings on the wire.
type MediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"` // ms since stream start
	Payload   string `json:"payload"`
}

// TimestampMS returns the media clock in milliseconds, 0 when absent or
// malformed.
func (p *MediaPayload) TimestampMS() uint64 {
	ms, err := strconv.ParseUint(p.Timestamp, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// StopPayload carries the identifiers repeated in the stop event.
type StopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// ParseMessage decodes a media stream control message and validates that the
// payload matching its event kind is present.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	switch msg.Event {
	case EventConnected, EventStop, EventMark:
		// No required payload; stop's payload is informational.
	case EventStart:
		if msg.Start == nil {
			return nil, fmt.Errorf("start event missing start payload")
		}
		if msg.Start.StreamSid == "" && msg.StreamSid == "" {
			return nil, fmt.Errorf("start event missing streamSid")
		}
	case EventMedia:
		if msg.Media == nil || msg.Media.Payload == "" {
			return nil, fmt.Errorf("media event missing payload")
		}
	case "":
		return nil, fmt.Errorf("message missing event field")
	default:
		return nil, fmt.Errorf("unknown event %q", msg.Event)
	}

	return &msg, nil
}

// StreamID returns the stream identifier from the start payload, falling back
// to the envelope field.
func (p *StartPayload) StreamID(envelope string) string {
	if p.StreamSid != "" {
		return p.StreamSid
	}
	return envelope
}

// Format returns the stream's media format with telephony defaults applied
// for any field the start event left unset.
func (p *StartPayload) Format() MediaFormat {
	f := p.MediaFormat
	if f.Encoding == "" {
		f.Encoding = EncodingMulaw
	}
	if f.SampleRate == 0 {
		f.SampleRate = DefaultSampleRate
	}
	if f.Channels == 0 {
		f.Channels = DefaultChannels
	}
	return f
}

// DecodeAudio returns the raw audio bytes from a media payload.
func (p *MediaPayload) DecodeAudio() ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return audio, nil
}
