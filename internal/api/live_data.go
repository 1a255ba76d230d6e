package api

import "time"

// BridgeSource provides real-time data from the streaming bridge to the API layer.
// The bridge implements this interface; api owning it keeps the import direction one-way.
type BridgeSource interface {
	// Sessions returns currently active streaming sessions.
	Sessions() []SessionData

	// AtCapacity reports whether new sessions are being refused.
	AtCapacity() bool

	// Subscribe returns a channel that receives SSE events matching the filter,
	// and a cancel function to unsubscribe.
	Subscribe(filter EventFilter) (<-chan SSEEvent, func())

	// ReplaySince returns buffered events since the given event ID (for Last-Event-ID recovery).
	ReplaySince(lastEventID string, filter EventFilter) []SSEEvent
}

// SessionData represents an active streaming session.
type SessionData struct {
	StreamSID       string    `json:"stream_sid"`
	CallSID         string    `json:"call_sid,omitempty"`
	CallSessionID   string    `json:"call_session_id"`
	State           string    `json:"state"`
	StartedAt       time.Time `json:"started_at"`
	Duration        float64   `json:"duration,omitempty"`
	FramesReceived  uint64    `json:"frames_received"`
	FramesForwarded uint64    `json:"frames_forwarded"`
	FramesDropped   uint64    `json:"frames_dropped"`
	Transcripts     uint64    `json:"transcripts"`
	Delivered       uint64    `json:"delivered"`
	Reconnects      int64     `json:"provider_reconnects,omitempty"`
}

// EventFilter specifies which events an SSE subscriber wants to receive.
type EventFilter struct {
	Types     []string
	Sessions  []string
	FinalOnly bool
}

// SSEEvent represents a server-sent event ready for transmission.
type SSEEvent struct {
	ID            string `json:"event_id"`
	Type          string `json:"event_type"`
	SubType       string `json:"sub_type,omitempty"`
	Timestamp     string `json:"timestamp"`
	CallSessionID string `json:"call_session_id,omitempty"`
	StreamSID     string `json:"stream_sid,omitempty"`
	Data          []byte `json:"-"` // pre-serialized JSON payload
}
