package twilio

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/callscribe/internal/bridge"
	"github.com/snarg/callscribe/internal/stt"
)

const (
	readLimit  = 1 << 20
	pingPeriod = 20 * time.Second
	// pongWait covers one ping round trip plus slack. The read deadline is
	// also refreshed by inbound media, so only a fully silent peer times out.
	pongWait  = 30 * time.Second
	writeWait = 10 * time.Second
)

// Listener terminates telephony media-stream WebSocket connections and feeds
// them into the bridge. It implements http.Handler for mounting at /stream.
type Listener struct {
	bridge   *bridge.Service
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewListener(b *bridge.Service, log zerolog.Logger) *Listener {
	return &Listener{
		bridge: b,
		log:    log.With().Str("component", "listener").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Telephony providers connect server-to-server; there is no
			// browser origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	l.handle(r.Context(), conn, r.RemoteAddr, r.URL.Query())
}

// handle runs the connection's read loop. One connection carries one stream:
// connected, start, media*, stop.
func (l *Listener) handle(ctx context.Context, conn *websocket.Conn, remote string, query url.Values) {
	defer conn.Close()

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log := l.log.With().Str("remote", remote).Logger()
	log.Debug().Msg("stream connected")

	pingStop := make(chan struct{})
	defer close(pingStop)
	go l.pingLoop(conn, pingStop)

	var (
		sess *bridge.Session
		seq  uint64
	)
	// A read-loop exit without a stop event means the peer went away.
	defer func() {
		if sess != nil {
			sess.Stop(bridge.ReasonDisconnect)
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("stream read ended")
			}
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			log.Warn().Err(err).Msg("bad stream message")
			l.closeWith(conn, CloseProtocolError, "protocol error")
			if sess != nil {
				sess.Stop(bridge.ReasonProtocolError)
				sess = nil
			}
			return
		}

		switch msg.Event {
		case EventConnected:
			// Handshake preamble; nothing to do until start arrives.

		case EventStart:
			if sess != nil {
				log.Warn().Msg("duplicate start event")
				l.closeWith(conn, CloseProtocolError, "duplicate start")
				sess.Stop(bridge.ReasonProtocolError)
				sess = nil
				return
			}
			sess, err = l.startSession(ctx, conn, msg, query, log)
			if err != nil {
				return
			}
			go l.watchSession(conn, sess)

		case EventMedia:
			if sess == nil {
				log.Warn().Msg("media before start")
				l.closeWith(conn, CloseProtocolError, "media before start")
				return
			}
			audio, err := msg.Media.DecodeAudio()
			if err != nil {
				log.Warn().Err(err).Msg("bad media payload")
				l.closeWith(conn, CloseProtocolError, "bad media payload")
				sess.Stop(bridge.ReasonProtocolError)
				sess = nil
				return
			}
			seq++
			sess.Push(bridge.AudioFrame{Seq: seq, TimestampMS: msg.Media.TimestampMS(), Payload: audio})

		case EventStop:
			log.Info().Msg("stop event received")
			if sess != nil {
				sess.Stop(bridge.ReasonStop)
				sess = nil
			}
			l.closeWith(conn, websocket.CloseNormalClosure, "stream complete")
			return

		case EventMark:
			// Audio flows one way; mark acks are not used.
		}
	}
}

// startSession resolves the stream's identity and registers it with the bridge.
func (l *Listener) startSession(ctx context.Context, conn *websocket.Conn, msg *Message, query url.Values, log zerolog.Logger) (*bridge.Session, error) {
	start := msg.Start
	callSession := resolveCallSession(query, start)
	if callSession == "" {
		log.Warn().Msg("start event carries no session identity")
		l.closeWith(conn, CloseProtocolError, "missing session identity")
		return nil, errors.New("missing session identity")
	}

	format := start.Format()
	sess, err := l.bridge.StartSession(ctx, bridge.StartInfo{
		StreamSID:     start.StreamID(msg.StreamSid),
		CallSID:       resolveCallSID(query, start),
		CallSessionID: callSession,
		Format: stt.StreamOptions{
			Encoding:   format.Encoding,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrCapacity), errors.Is(err, bridge.ErrShuttingDown):
			log.Warn().Err(err).Msg("session refused")
			l.closeWith(conn, CloseCapacity, "at capacity")
		case errors.Is(err, bridge.ErrDuplicateStream):
			log.Warn().Err(err).Msg("duplicate stream")
			l.closeWith(conn, CloseProtocolError, "duplicate stream")
		default:
			log.Error().Err(err).Msg("transcription stream unavailable")
			l.closeWith(conn, CloseUpstreamFailure, "transcription unavailable")
		}
		return nil, err
	}
	return sess, nil
}

// watchSession closes the telephony connection when the bridge ends the
// session from its side: provider failure, provider close, or shutdown.
func (l *Listener) watchSession(conn *websocket.Conn, sess *bridge.Session) {
	<-sess.Stopped()
	if code := closeCodeFor(sess.Reason()); code > 0 {
		l.closeWith(conn, code, string(sess.Reason()))
	}
}

// closeCodeFor maps a session close reason onto the code sent to the
// telephony side. Zero means no close frame is owed (the peer is gone).
func closeCodeFor(r bridge.CloseReason) int {
	switch r {
	case bridge.ReasonUpstreamFailure:
		return CloseUpstreamFailure
	case bridge.ReasonProtocolError:
		return CloseProtocolError
	case bridge.ReasonShutdown:
		return websocket.CloseGoingAway
	case bridge.ReasonStop, bridge.ReasonProviderClosed:
		return websocket.CloseNormalClosure
	default:
		return 0
	}
}

func (l *Listener) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (l *Listener) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// resolveCallSession determines the backend session identity for a stream.
// Priority: query string, then the start event's custom parameters, then the
// telephony call SID.
func resolveCallSession(query url.Values, start *StartPayload) string {
	for _, key := range []string{"callSessionId", "callSession"} {
		if v := query.Get(key); v != "" {
			return v
		}
	}
	for _, key := range []string{"callSessionId", "callSession"} {
		if v := start.CustomParameters[key]; v != "" {
			return v
		}
	}
	return start.CallSid
}

// resolveCallSID picks the telephony call SID from the start payload, the
// query string, or the custom parameters, in that order.
func resolveCallSID(query url.Values, start *StartPayload) string {
	if start.CallSid != "" {
		return start.CallSid
	}
	for _, key := range []string{"twilioCallSid", "callSid"} {
		if v := query.Get(key); v != "" {
			return v
		}
	}
	return start.CustomParameters["callSid"]
}
