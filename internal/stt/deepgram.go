package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DeepgramConfig carries connection settings for the Deepgram live API.
type DeepgramConfig struct {
	URL            string // wss endpoint, e.g. wss://api.deepgram.com/v1/listen
	APIKey         string
	Model          string
	Language       string
	ConnectTimeout time.Duration
	RetryInitial   time.Duration // backoff before the first reconnect attempt
	RetryMax       time.Duration // backoff ceiling
	RetryWindow    time.Duration // total time budget for one reconnect sequence
}

// Deepgram opens live transcription streams against the Deepgram
// streaming API.
type Deepgram struct {
	cfg DeepgramConfig
	log zerolog.Logger
}

// NewDeepgram creates a Deepgram provider. Zero config fields fall back to
// working defaults; the API key is the caller's problem.
func NewDeepgram(cfg DeepgramConfig, log zerolog.Logger) *Deepgram {
	if cfg.URL == "" {
		cfg.URL = "wss://api.deepgram.com/v1/listen"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 250 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 8 * time.Second
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = 45 * time.Second
	}
	return &Deepgram{cfg: cfg, log: log.With().Str("provider", "deepgram").Logger()}
}

// Name implements Provider.
func (d *Deepgram) Name() string {
	return "deepgram"
}

// OpenStream dials the live API and starts the stream's read/write loops.
// The initial dial is a single attempt: a provider that is down at session
// start fails the session instead of queueing audio against a dead socket.
func (d *Deepgram) OpenStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	u, err := d.streamURL(opts)
	if err != nil {
		return nil, err
	}

	s := newLiveStream(d.cfg, u, d.log)

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	conn, err := s.dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("deepgram connect: %w", err)
	}

	go s.run(conn)
	return s, nil
}

// streamURL builds the listen URL with transcription options baked into the
// query string.
func (d *Deepgram) streamURL(opts StreamOptions) (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("deepgram url: %w", err)
	}

	q := u.Query()
	q.Set("model", d.cfg.Model)
	q.Set("language", d.cfg.Language)
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("vad_events", "true")
	if enc := encodingParam(opts.Encoding); enc != "" {
		q.Set("encoding", enc)
		if opts.SampleRate > 0 {
			q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
		}
		if opts.Channels > 0 {
			q.Set("channels", strconv.Itoa(opts.Channels))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// encodingParam maps telephony encoding names onto Deepgram's raw-audio
// encoding values. Unknown encodings return "" and are left for the provider
// to sniff from the container.
func encodingParam(enc string) string {
	switch strings.ToLower(enc) {
	case "audio/x-mulaw", "mulaw":
		return "mulaw"
	case "audio/x-alaw", "alaw":
		return "alaw"
	case "audio/l16", "linear16":
		return "linear16"
	default:
		return ""
	}
}

func authHeader(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Token "+apiKey)
	return h
}

// response is the subset of Deepgram live messages the bridge cares about.
// Everything except Results (Metadata, SpeechStarted, UtteranceEnd) is
// ignored.
type response struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResponse extracts a transcript from one live message. ok is false for
// non-result messages and for results with no text.
func parseResponse(data []byte) (Transcript, bool, error) {
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return Transcript{}, false, fmt.Errorf("decode provider message: %w", err)
	}
	if r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return Transcript{}, false, nil
	}
	alt := r.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return Transcript{}, false, nil
	}
	return Transcript{
		Text:       alt.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: alt.Confidence,
		Start:      r.Start,
		Duration:   r.Duration,
	}, true, nil
}
