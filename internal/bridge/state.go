package bridge

// State is a session's lifecycle phase. Transitions only move forward:
// connecting → streaming → draining → closed.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed
}

// CloseReason records why a session ended.
type CloseReason string

const (
	// ReasonStop: the telephony side sent a stop event.
	ReasonStop CloseReason = "stop"
	// ReasonDisconnect: the telephony connection dropped without a stop.
	ReasonDisconnect CloseReason = "disconnect"
	// ReasonProtocolError: the telephony side sent something unparseable.
	ReasonProtocolError CloseReason = "protocol_error"
	// ReasonUpstreamFailure: the transcription stream died and could not be
	// re-established.
	ReasonUpstreamFailure CloseReason = "upstream_failure"
	// ReasonProviderClosed: the transcription provider ended the stream
	// normally on its own.
	ReasonProviderClosed CloseReason = "provider_closed"
	// ReasonShutdown: the process is stopping.
	ReasonShutdown CloseReason = "shutdown"
)
