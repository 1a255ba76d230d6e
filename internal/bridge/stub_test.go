package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snarg/callscribe/internal/stt"
)

// stubStream is an in-memory stt.Stream for exercising the bridge without a
// provider connection.
type stubStream struct {
	mu          sync.Mutex
	sent        [][]byte
	sendErr     error
	closed      bool
	closeCalls  int
	failErr     error
	transcripts chan stt.Transcript
	done        chan struct{}

	// When set, Send signals entered and then blocks until block is closed.
	entered chan struct{}
	block   chan struct{}
}

func newStubStream() *stubStream {
	return &stubStream{
		transcripts: make(chan stt.Transcript, 32),
		done:        make(chan struct{}),
	}
}

func (s *stubStream) Send(p []byte) error {
	if s.block != nil {
		s.entered <- struct{}{}
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, append([]byte(nil), p...))
	return nil
}

func (s *stubStream) Transcripts() <-chan stt.Transcript { return s.transcripts }
func (s *stubStream) Done() <-chan struct{}              { return s.done }

func (s *stubStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

func (s *stubStream) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.finish()
	return nil
}

// emit queues a transcript as if the provider produced it.
func (s *stubStream) emit(t stt.Transcript) {
	s.transcripts <- t
}

// fail simulates the provider going away with a terminal error.
func (s *stubStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
	s.finish()
}

// endNormally simulates the provider closing the stream on its own.
func (s *stubStream) endNormally() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish()
}

// finish closes the stream channels once. Callers hold s.mu.
func (s *stubStream) finish() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.transcripts)
	close(s.done)
}

func (s *stubStream) sentFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *stubStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// stubProvider hands out stubStreams.
type stubProvider struct {
	mu      sync.Mutex
	streams []*stubStream
	openErr error
}

func (p *stubProvider) OpenStream(context.Context, stt.StreamOptions) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}
	s := newStubStream()
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) last() *stubStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

type deliveredCall struct {
	CallSessionID string
	Transcript    stt.Transcript
}

// stubDeliverer records deliveries and can fail on demand.
type stubDeliverer struct {
	mu       sync.Mutex
	calls    []deliveredCall
	failN    int  // fail this many calls before succeeding
	failAll  bool // fail everything
	attempts atomic.Int32

	// When set, Deliver signals entered and blocks until block closes or ctx
	// is done.
	entered chan struct{}
	block   chan struct{}
}

func (d *stubDeliverer) Deliver(ctx context.Context, id string, t stt.Transcript) error {
	d.attempts.Add(1)
	if d.block != nil {
		d.entered <- struct{}{}
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAll {
		return errors.New("backend down")
	}
	if d.failN > 0 {
		d.failN--
		return errors.New("transient failure")
	}
	d.calls = append(d.calls, deliveredCall{CallSessionID: id, Transcript: t})
	return nil
}

func (d *stubDeliverer) delivered() []deliveredCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]deliveredCall, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *stubDeliverer) recover() {
	d.mu.Lock()
	d.failAll = false
	d.failN = 0
	d.mu.Unlock()
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
