package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callscribe/internal/api"
	"github.com/snarg/callscribe/internal/metrics"
	"github.com/snarg/callscribe/internal/stt"
)

// Session bridges one telephony stream to the transcription provider and the
// backend. The listener pushes audio in; a pump goroutine carries transcripts
// from the provider to the dispatcher. Teardown runs exactly once regardless
// of which side triggers it.
type Session struct {
	StreamSID     string
	CallSID       string
	CallSessionID string
	StartedAt     time.Time

	stream     stt.Stream
	forwarder  *Forwarder
	dispatcher *Dispatcher
	log        zerolog.Logger

	drainGrace time.Duration
	publish    func(EventData)
	release    func(*Session)

	mu     sync.Mutex
	state  State
	reason CloseReason

	closeOnce sync.Once
	stopped   chan struct{}
	done      chan struct{}
	pumpDone  chan struct{}

	frames      atomic.Uint64
	transcripts atomic.Uint64
}

// transcriptEvent is the SSE payload for one transcript.
type transcriptEvent struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence,omitempty"`
	Timestamp  float64 `json:"timestamp"`
}

func newSession(info StartInfo, stream stt.Stream, fw *Forwarder, disp *Dispatcher, grace time.Duration, log zerolog.Logger) *Session {
	return &Session{
		StreamSID:     info.StreamSID,
		CallSID:       info.CallSID,
		CallSessionID: info.CallSessionID,
		StartedAt:     time.Now(),
		stream:        stream,
		forwarder:     fw,
		dispatcher:    disp,
		log:           log,
		drainGrace:    grace,
		state:         StateConnecting,
		stopped:       make(chan struct{}),
		done:          make(chan struct{}),
		pumpDone:      make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Reason returns why the session is ending. Meaningful once Stopped fires.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Stopped is closed when teardown begins.
func (s *Session) Stopped() <-chan struct{} {
	return s.stopped
}

// Done is closed when teardown has completed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Push hands one audio frame to the forwarder. Frames arriving outside the
// streaming state are discarded.
func (s *Session) Push(frame AudioFrame) bool {
	if s.State() != StateStreaming {
		return false
	}
	s.frames.Add(1)
	metrics.AudioFramesReceivedTotal.Inc()
	return s.forwarder.Push(frame)
}

// pump carries transcripts from the provider stream to the dispatcher and
// the event bus, preserving arrival order.
func (s *Session) pump() {
	defer close(s.pumpDone)

	for t := range s.stream.Transcripts() {
		s.transcripts.Add(1)
		finality := "interim"
		if t.IsFinal {
			finality = "final"
		}
		metrics.TranscriptsReceivedTotal.WithLabelValues(finality).Inc()

		s.dispatcher.Enqueue(t)
		if s.publish != nil {
			s.publish(EventData{
				Type:          "transcript",
				SubType:       finality,
				CallSessionID: s.CallSessionID,
				StreamSID:     s.StreamSID,
				Payload: transcriptEvent{
					Text:       t.Text,
					IsFinal:    t.IsFinal,
					Confidence: t.Confidence,
					Timestamp:  t.Start,
				},
			})
		}
	}

	// The transcript channel closed. Outside of teardown that means the
	// provider went away, gracefully or not.
	if err := s.stream.Err(); err != nil {
		s.log.Error().Err(err).Msg("transcription stream failed")
		s.Stop(ReasonUpstreamFailure)
	} else {
		s.Stop(ReasonProviderClosed)
	}
}

// Stop begins teardown: drain buffered audio to the provider, finish the
// transcription stream, flush pending deliveries, release the session. Safe
// to call from any goroutine, any number of times; only the first caller's
// reason sticks.
func (s *Session) Stop(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		if !s.state.Terminal() {
			s.state = StateDraining
		}
		s.mu.Unlock()
		close(s.stopped)
		go s.teardown()
	})
}

func (s *Session) teardown() {
	defer close(s.done)
	log := s.log.With().Str("reason", string(s.Reason())).Logger()
	log.Info().Msg("session draining")

	// Audio first: stop intake and give buffered frames a chance to reach
	// the provider.
	s.forwarder.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), s.drainGrace)
	if err := s.forwarder.Drain(drainCtx); err != nil {
		log.Warn().Int("buffered", s.forwarder.Buffered()).Msg("audio drain timed out")
	}
	cancel()

	// Tell the provider the stream is over and wait for trailing results.
	closeCtx, cancel := context.WithTimeout(context.Background(), s.drainGrace)
	if err := s.stream.Close(closeCtx); err != nil {
		log.Debug().Err(err).Msg("provider stream close")
	}
	cancel()
	<-s.pumpDone

	// Flush whatever is still queued for the backend.
	s.dispatcher.Close()
	flushCtx, cancel := context.WithTimeout(context.Background(), s.drainGrace)
	if err := s.dispatcher.Drain(flushCtx); err != nil {
		log.Warn().Int("pending", s.dispatcher.Pending()).Msg("delivery drain timed out")
	}
	cancel()
	s.dispatcher.Abort()

	s.setState(StateClosed)
	if s.release != nil {
		s.release(s)
	}

	log.Info().
		Dur("duration", time.Since(s.StartedAt)).
		Uint64("frames", s.frames.Load()).
		Uint64("forwarded", s.forwarder.Forwarded()).
		Uint64("frames_dropped", s.forwarder.Dropped()).
		Uint64("transcripts", s.transcripts.Load()).
		Uint64("delivered", s.dispatcher.Delivered()).
		Uint64("abandoned", s.dispatcher.Abandoned()).
		Msg("session closed")
}

// Snapshot returns the session's identity and counters for API display.
func (s *Session) Snapshot() api.SessionData {
	data := api.SessionData{
		StreamSID:       s.StreamSID,
		CallSID:         s.CallSID,
		CallSessionID:   s.CallSessionID,
		State:           s.State().String(),
		StartedAt:       s.StartedAt,
		Duration:        time.Since(s.StartedAt).Seconds(),
		FramesReceived:  s.frames.Load(),
		FramesForwarded: s.forwarder.Forwarded(),
		FramesDropped:   s.forwarder.Dropped(),
		Transcripts:     s.transcripts.Load(),
		Delivered:       s.dispatcher.Delivered(),
	}
	if rc, ok := s.stream.(interface{ Reconnects() int64 }); ok {
		data.Reconnects = rc.Reconnects()
	}
	return data
}
