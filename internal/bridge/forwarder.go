package bridge

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snarg/callscribe/internal/metrics"
	"github.com/snarg/callscribe/internal/stt"
)

// AudioFrame is one media payload from the telephony stream. Seq is assigned
// by the listener in arrival order.
type AudioFrame struct {
	Seq         uint64
	TimestampMS uint64 // media clock, ms since stream start
	Payload     []byte
}

// Forwarder pumps audio frames from a bounded buffer into the transcription
// stream. When the stream can't keep up (typically while its connection is
// being re-established) the buffer evicts its oldest frame, so the telephony
// read loop is never blocked.
type Forwarder struct {
	q    *queue[AudioFrame]
	sink stt.Stream
	log  zerolog.Logger

	forwarded atomic.Uint64
	done      chan struct{}
}

func NewForwarder(size int, sink stt.Stream, log zerolog.Logger) *Forwarder {
	f := &Forwarder{
		q:    newQueue[AudioFrame](size),
		sink: sink,
		log:  log,
		done: make(chan struct{}),
	}
	go f.sendLoop()
	return f
}

// Push queues one frame without blocking, evicting the oldest buffered frame
// when full. Returns false after Close.
func (f *Forwarder) Push(frame AudioFrame) bool {
	accepted, dropped := f.q.push(frame)
	if dropped {
		metrics.AudioFramesDroppedTotal.Inc()
	}
	return accepted
}

func (f *Forwarder) sendLoop() {
	defer close(f.done)
	for frame := range f.q.items() {
		if err := f.sink.Send(frame.Payload); err != nil {
			f.log.Debug().Err(err).Uint64("seq", frame.Seq).Msg("audio send stopped")
			return
		}
		f.forwarded.Add(1)
		metrics.AudioFramesForwardedTotal.Inc()
	}
}

// Close stops intake. Already-buffered frames continue draining to the
// stream. Idempotent.
func (f *Forwarder) Close() {
	f.q.close()
}

// Drain waits until the buffer has been forwarded or ctx expires.
func (f *Forwarder) Drain(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Buffered reports frames waiting to be forwarded.
func (f *Forwarder) Buffered() int {
	return f.q.size()
}

// Forwarded reports frames written to the stream.
func (f *Forwarder) Forwarded() uint64 {
	return f.forwarded.Load()
}

// Dropped reports frames evicted from a full buffer.
func (f *Forwarder) Dropped() uint64 {
	return f.q.evictedCount()
}
