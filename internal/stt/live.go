package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/callscribe/internal/metrics"
)

const (
	audioBuffer      = 64
	transcriptBuffer = 64

	// Deepgram drops live connections after ~10s without traffic; a
	// KeepAlive message on idle keeps the stream open through silence.
	keepAliveEvery = 8 * time.Second

	writeWait = 10 * time.Second
)

var (
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)

	// ErrStreamClosed is returned by Send after the stream has ended.
	ErrStreamClosed = errors.New("transcription stream closed")
)

// liveStream is one Deepgram live connection plus the reconnect machinery
// around it. Audio flows in through Send, results flow out through
// Transcripts. A dropped connection is re-dialed with exponential backoff;
// audio queued during the outage is written, still in order, once the new
// connection is up.
type liveStream struct {
	cfg dgConfig
	url string
	log zerolog.Logger

	audio       chan []byte
	transcripts chan Transcript

	closing  atomic.Bool
	closeReq chan struct{}
	closeOn  sync.Once

	done chan struct{}
	err  error // set before done is closed

	mu   sync.Mutex
	conn *websocket.Conn

	reconnects atomic.Int64
}

// dgConfig is the slice of DeepgramConfig a stream needs after dialing
// options are baked into the URL.
type dgConfig struct {
	apiKey         string
	connectTimeout time.Duration
	retryInitial   time.Duration
	retryMax       time.Duration
	retryWindow    time.Duration
}

func newLiveStream(cfg DeepgramConfig, url string, log zerolog.Logger) *liveStream {
	return &liveStream{
		cfg: dgConfig{
			apiKey:         cfg.APIKey,
			connectTimeout: cfg.ConnectTimeout,
			retryInitial:   cfg.RetryInitial,
			retryMax:       cfg.RetryMax,
			retryWindow:    cfg.RetryWindow,
		},
		url:         url,
		log:         log,
		audio:       make(chan []byte, audioBuffer),
		transcripts: make(chan Transcript, transcriptBuffer),
		closeReq:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Send implements Stream. It blocks while the send buffer is full, which
// happens when the provider connection is down and being re-dialed.
func (s *liveStream) Send(p []byte) error {
	select {
	case s.audio <- p:
		return nil
	case <-s.done:
		return ErrStreamClosed
	}
}

// Transcripts implements Stream.
func (s *liveStream) Transcripts() <-chan Transcript {
	return s.transcripts
}

// Done implements Stream.
func (s *liveStream) Done() <-chan struct{} {
	return s.done
}

// Err implements Stream.
func (s *liveStream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Reconnects reports how many times the stream re-dialed the provider.
func (s *liveStream) Reconnects() int64 {
	return s.reconnects.Load()
}

// Close implements Stream. It flushes buffered audio, tells the provider the
// stream is finished and waits for trailing results. If ctx expires first the
// connection is torn down hard.
func (s *liveStream) Close(ctx context.Context) error {
	s.closeOn.Do(func() {
		s.closing.Store(true)
		close(s.closeReq)
	})
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		s.killConn()
		return ctx.Err()
	}
}

func (s *liveStream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *liveStream) killConn() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// dial performs one connection attempt.
func (s *liveStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.connectTimeout}
	conn, resp, err := dialer.DialContext(ctx, s.url, authHeader(s.cfg.apiKey))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// run owns the connection for the life of the stream: pump until the
// connection drops, reconnect, repeat. It terminates on graceful close, on a
// provider-initiated normal closure, or when the reconnect budget runs out.
func (s *liveStream) run(conn *websocket.Conn) {
	var termErr error

	for {
		s.setConn(conn)
		readErr := s.pump(conn)
		conn.Close()

		if s.closing.Load() {
			break
		}
		if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			// Provider ended the stream on its own terms. Not a failure.
			s.log.Info().Msg("provider closed stream")
			break
		}

		next, err := s.reconnect(readErr)
		if err != nil {
			if !s.closing.Load() {
				termErr = err
			}
			break
		}
		conn = next
	}

	s.err = termErr
	close(s.transcripts)
	close(s.done)
}

// pump runs one connection epoch: a writer goroutine feeding audio and
// control messages, and the read loop inline. Returns the read loop's error.
func (s *liveStream) pump(conn *websocket.Conn) error {
	writerDone := make(chan struct{})
	stopWriter := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, stopWriter)
	}()

	err := s.readLoop(conn)
	close(stopWriter)
	<-writerDone
	return err
}

// writeLoop is the connection's only writer. It forwards queued audio,
// keeps the stream alive through silence, and on close request flushes the
// queue and signals end-of-audio.
func (s *liveStream) writeLoop(conn *websocket.Conn, stop <-chan struct{}) {
	keepalive := time.NewTicker(keepAliveEvery)
	defer keepalive.Stop()
	lastAudio := time.Now()

	for {
		select {
		case p := <-s.audio:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
				s.log.Debug().Err(err).Msg("audio write failed")
				return
			}
			lastAudio = time.Now()
		case <-keepalive.C:
			if time.Since(lastAudio) < keepAliveEvery {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, keepAliveMsg); err != nil {
				return
			}
		case <-s.closeReq:
			s.flushAudio(conn)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, closeStreamMsg); err != nil {
				s.log.Debug().Err(err).Msg("close stream write failed")
			}
			return
		case <-stop:
			return
		}
	}
}

// flushAudio writes whatever is buffered without blocking for more.
func (s *liveStream) flushAudio(conn *websocket.Conn) {
	for {
		select {
		case p := <-s.audio:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if conn.WriteMessage(websocket.BinaryMessage, p) != nil {
				return
			}
		default:
			return
		}
	}
}

// readLoop is the connection's only reader. Parsed results go out on the
// transcripts channel in arrival order.
func (s *liveStream) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t, ok, perr := parseResponse(data)
		if perr != nil {
			s.log.Warn().Err(perr).Msg("unparseable provider message")
			continue
		}
		if !ok {
			continue
		}
		s.transcripts <- t
	}
}

// reconnect re-dials with exponential backoff until a connection comes up or
// the retry window closes. cause is the error that killed the previous
// connection.
func (s *liveStream) reconnect(cause error) (*websocket.Conn, error) {
	deadline := time.Now().Add(s.cfg.retryWindow)
	backoff := s.cfg.retryInitial
	s.log.Warn().Err(cause).Msg("provider connection lost, reconnecting")

	for attempt := 1; ; attempt++ {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("reconnect window exhausted after %d attempts: %w", attempt-1, cause)
		}

		select {
		case <-time.After(backoff):
		case <-s.closeReq:
			return nil, errors.New("stream closed during reconnect")
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.connectTimeout)
		conn, err := s.dial(ctx)
		cancel()
		if err == nil {
			s.reconnects.Add(1)
			metrics.ProviderReconnectsTotal.Inc()
			s.log.Info().Int("attempt", attempt).Msg("provider reconnected")
			return conn, nil
		}

		cause = err
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("provider reconnect failed")
		backoff *= 2
		if backoff > s.cfg.retryMax {
			backoff = s.cfg.retryMax
		}
	}
}
