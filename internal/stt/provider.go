package stt

import "context"

// Transcript is one transcription result from a streaming provider.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Start      float64 // seconds from stream start
	Duration   float64 // seconds
}

// StreamOptions describe the audio a stream will carry. Encoding uses the
// telephony wire name (e.g. "audio/x-mulaw"); providers translate it.
type StreamOptions struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// Stream is one live transcription stream. Send queues audio bytes in order
// and may block while the provider connection is re-established. Transcripts
// yields results in provider order and is closed when the stream ends. After
// Done is closed, Err reports the terminal error (nil on a graceful end).
type Stream interface {
	Send(p []byte) error
	Transcripts() <-chan Transcript
	Done() <-chan struct{}
	Err() error
	Close(ctx context.Context) error
}

// Provider opens live transcription streams.
type Provider interface {
	OpenStream(ctx context.Context, opts StreamOptions) (Stream, error)
	Name() string // "deepgram"
}
