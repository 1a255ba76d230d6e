package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callscribe/internal/api"
	"github.com/snarg/callscribe/internal/metrics"
	"github.com/snarg/callscribe/internal/stt"
)

// ErrShuttingDown is returned by StartSession once Stop has begun.
var ErrShuttingDown = errors.New("bridge shutting down")

// Options configure the bridge service.
type Options struct {
	Provider       stt.Provider
	Deliverer      Deliverer
	MaxSessions    int
	AudioQueueSize int
	Dispatch       DispatchConfig
	DrainGrace     time.Duration
	Log            zerolog.Logger
}

// Service owns the session registry and the machinery shared by every
// streaming session.
type Service struct {
	provider       stt.Provider
	deliverer      Deliverer
	sessions       *sessionMap
	bus            *EventBus
	audioQueueSize int
	dispatch       DispatchConfig
	drainGrace     time.Duration
	log            zerolog.Logger

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	log := opts.Log.With().Str("component", "bridge").Logger()

	if opts.MaxSessions < 1 {
		opts.MaxSessions = 64
	}
	if opts.AudioQueueSize < 1 {
		opts.AudioQueueSize = 256
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 10 * time.Second
	}

	return &Service{
		provider:       opts.Provider,
		deliverer:      opts.Deliverer,
		sessions:       newSessionMap(opts.MaxSessions),
		bus:            NewEventBus(1024),
		audioQueueSize: opts.AudioQueueSize,
		dispatch:       opts.Dispatch.withDefaults(),
		drainGrace:     opts.DrainGrace,
		log:            log,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins periodic stats logging.
func (svc *Service) Start() {
	go svc.statsLoop()
	svc.log.Info().
		Int("max_sessions", svc.sessions.max).
		Str("provider", svc.provider.Name()).
		Msg("bridge started")
}

// StartInfo identifies a newly-started telephony stream.
type StartInfo struct {
	StreamSID     string
	CallSID       string
	CallSessionID string
	Format        stt.StreamOptions
}

// StartSession opens a transcription stream for a new telephony stream and
// registers the resulting session. The returned session is already live:
// audio may be pushed immediately.
func (svc *Service) StartSession(ctx context.Context, info StartInfo) (*Session, error) {
	if svc.closed.Load() {
		metrics.SessionsRejectedTotal.WithLabelValues("shutdown").Inc()
		return nil, ErrShuttingDown
	}
	if svc.sessions.AtCapacity() {
		metrics.SessionsRejectedTotal.WithLabelValues("capacity").Inc()
		return nil, ErrCapacity
	}

	log := svc.log.With().
		Str("stream_sid", info.StreamSID).
		Str("call_session_id", info.CallSessionID).
		Logger()

	stream, err := svc.provider.OpenStream(ctx, info.Format)
	if err != nil {
		metrics.SessionsRejectedTotal.WithLabelValues("upstream").Inc()
		return nil, fmt.Errorf("open transcription stream: %w", err)
	}

	s := newSession(info, stream,
		NewForwarder(svc.audioQueueSize, stream, log),
		NewDispatcher(info.CallSessionID, svc.deliverer, svc.dispatch, log),
		svc.drainGrace, log)
	s.publish = svc.bus.Publish
	s.release = svc.release

	if err := svc.sessions.Add(s); err != nil {
		metrics.SessionsRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		svc.discard(s)
		return nil, err
	}

	s.setState(StateStreaming)
	go s.pump()

	metrics.SessionsStartedTotal.Inc()
	svc.bus.Publish(EventData{
		Type:          "session_start",
		CallSessionID: info.CallSessionID,
		StreamSID:     info.StreamSID,
		Payload:       s.Snapshot(),
	})
	log.Info().Str("call_sid", info.CallSID).Msg("session started")
	return s, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrDuplicateStream):
		return "duplicate"
	default:
		return "error"
	}
}

// discard tears down a session that never made it into the registry.
func (svc *Service) discard(s *Session) {
	go func() {
		s.forwarder.Close()
		s.dispatcher.Close()
		s.dispatcher.Abort()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.stream.Close(ctx)
	}()
}

// release is invoked by each session at the end of teardown.
func (svc *Service) release(s *Session) {
	svc.sessions.Delete(s.StreamSID)
	metrics.SessionsClosedTotal.WithLabelValues(string(s.Reason())).Inc()
	svc.bus.Publish(EventData{
		Type:          "session_end",
		SubType:       string(s.Reason()),
		CallSessionID: s.CallSessionID,
		StreamSID:     s.StreamSID,
		Payload:       s.Snapshot(),
	})
}

// Lookup returns the session registered for a stream SID.
func (svc *Service) Lookup(streamSID string) (*Session, bool) {
	return svc.sessions.Get(streamSID)
}

// Stop closes every active session with the shutdown reason and waits for
// teardown to finish or ctx to expire.
func (svc *Service) Stop(ctx context.Context) error {
	svc.closed.Store(true)
	active := svc.sessions.All()
	svc.log.Info().Int("active_sessions", len(active)).Msg("bridge stopping")

	for _, s := range active {
		s.Stop(ReasonShutdown)
	}
	for _, s := range active {
		select {
		case <-s.Done():
		case <-ctx.Done():
			svc.bus.Close()
			svc.cancel()
			return ctx.Err()
		}
	}
	svc.bus.Close()
	svc.cancel()
	return nil
}

// statsLoop logs bridge activity every 60 seconds.
func (svc *Service) statsLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-svc.ctx.Done():
			return
		case <-ticker.C:
			svc.log.Info().
				Int("active_sessions", svc.sessions.Len()).
				Int("sse_subscribers", svc.bus.SubscriberCount()).
				Int("buffered_frames", svc.BufferedFrames()).
				Int("pending_deliveries", svc.PendingDeliveries()).
				Msg("stats")
		}
	}
}

// ----- BridgeSource interface implementation -----

// Sessions returns currently active sessions.
func (svc *Service) Sessions() []api.SessionData {
	active := svc.sessions.All()
	result := make([]api.SessionData, 0, len(active))
	for _, s := range active {
		result = append(result, s.Snapshot())
	}
	return result
}

// AtCapacity reports whether new sessions are being refused.
func (svc *Service) AtCapacity() bool {
	return svc.closed.Load() || svc.sessions.AtCapacity()
}

// Subscribe registers a new SSE subscriber with the given filter.
func (svc *Service) Subscribe(filter api.EventFilter) (<-chan api.SSEEvent, func()) {
	return svc.bus.Subscribe(filter)
}

// ReplaySince returns buffered events since the given event ID.
func (svc *Service) ReplaySince(lastEventID string, filter api.EventFilter) []api.SSEEvent {
	return svc.bus.ReplaySince(lastEventID, filter)
}

// ----- metrics.BridgeStats implementation -----

func (svc *Service) ActiveSessionCount() int {
	return svc.sessions.Len()
}

func (svc *Service) SSESubscriberCount() int {
	return svc.bus.SubscriberCount()
}

func (svc *Service) BufferedFrames() int {
	total := 0
	for _, s := range svc.sessions.All() {
		total += s.forwarder.Buffered()
	}
	return total
}

func (svc *Service) PendingDeliveries() int {
	total := 0
	for _, s := range svc.sessions.All() {
		total += s.dispatcher.Pending()
	}
	return total
}
