package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callscribe/internal/metrics"
	"github.com/snarg/callscribe/internal/stt"
)

// Deliverer posts one transcript for a session to the backend.
type Deliverer interface {
	Deliver(ctx context.Context, callSessionID string, t stt.Transcript) error
}

// DispatchConfig tunes per-session transcript delivery.
type DispatchConfig struct {
	QueueSize    int
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.QueueSize < 1 {
		c.QueueSize = 256
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	return c
}

// Dispatcher delivers one session's transcripts in order, retrying failures
// with exponential backoff and abandoning a transcript once attempts run out.
// Its queue evicts the oldest undelivered transcript when full, so a dead
// backend can never stall the transcript pump behind it.
type Dispatcher struct {
	q             *queue[stt.Transcript]
	deliverer     Deliverer
	callSessionID string
	cfg           DispatchConfig
	log           zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	delivered atomic.Uint64
	abandoned atomic.Uint64
	done      chan struct{}
}

func NewDispatcher(callSessionID string, deliverer Deliverer, cfg DispatchConfig, log zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		q:             newQueue[stt.Transcript](cfg.QueueSize),
		deliverer:     deliverer,
		callSessionID: callSessionID,
		cfg:           cfg,
		log:           log,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue queues one transcript without blocking, evicting the oldest queued
// transcript when full. Returns false after Close.
func (d *Dispatcher) Enqueue(t stt.Transcript) bool {
	accepted, dropped := d.q.push(t)
	if dropped {
		metrics.TranscriptsDroppedTotal.Inc()
		d.log.Warn().Msg("dispatch queue full, dropped oldest transcript")
	}
	return accepted
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for t := range d.q.items() {
		d.deliver(t)
	}
}

func (d *Dispatcher) deliver(t stt.Transcript) {
	backoff := d.cfg.RetryInitial

	for attempt := 1; ; attempt++ {
		err := d.deliverer.Deliver(d.ctx, d.callSessionID, t)
		if err == nil {
			d.delivered.Add(1)
			metrics.BackendDeliveriesTotal.Inc()
			return
		}
		if d.ctx.Err() != nil {
			d.abandoned.Add(1)
			metrics.BackendDroppedTotal.Inc()
			return
		}
		if attempt >= d.cfg.MaxAttempts {
			d.abandoned.Add(1)
			metrics.BackendDroppedTotal.Inc()
			d.log.Error().Err(err).
				Int("attempts", attempt).
				Bool("final", t.IsFinal).
				Msg("transcript delivery abandoned")
			return
		}

		metrics.BackendRetriesTotal.Inc()
		d.log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("delivery failed, retrying")

		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			d.abandoned.Add(1)
			metrics.BackendDroppedTotal.Inc()
			return
		}
		backoff *= 2
		if backoff > d.cfg.RetryMax {
			backoff = d.cfg.RetryMax
		}
	}
}

// Close stops intake. Queued transcripts keep draining. Idempotent.
func (d *Dispatcher) Close() {
	d.q.close()
}

// Drain waits until queued deliveries finish or ctx expires.
func (d *Dispatcher) Drain(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort cancels any in-flight delivery immediately. Meant for teardown after
// Drain has run out of patience.
func (d *Dispatcher) Abort() {
	d.cancel()
}

// Pending reports transcripts waiting for delivery.
func (d *Dispatcher) Pending() int {
	return d.q.size()
}

// Delivered reports transcripts successfully posted.
func (d *Dispatcher) Delivered() uint64 {
	return d.delivered.Load()
}

// Abandoned reports transcripts given up on after exhausting attempts.
func (d *Dispatcher) Abandoned() uint64 {
	return d.abandoned.Load()
}

// Evicted reports transcripts dropped from a full queue before any attempt.
func (d *Dispatcher) Evicted() uint64 {
	return d.q.evictedCount()
}
