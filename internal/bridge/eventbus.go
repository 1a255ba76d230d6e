package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/callscribe/internal/api"
	"github.com/snarg/callscribe/internal/metrics"
)

// EventBus provides pub-sub event distribution for SSE subscribers.
// It maintains a ring buffer for replay on reconnect.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	closed      bool
	seq         atomic.Uint64

	// Ring buffer for replay
	ring     []api.SSEEvent
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan api.SSEEvent
	filter api.EventFilter
}

// NewEventBus creates an event bus with the given ring buffer size.
func NewEventBus(ringSize int) *EventBus {
	return &EventBus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]api.SSEEvent, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
// After Close the returned channel is already closed.
func (eb *EventBus) Subscribe(filter api.EventFilter) (<-chan api.SSEEvent, func()) {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		ch := make(chan api.SSEEvent)
		close(ch)
		return ch, func() {}
	}
	id := eb.nextID
	eb.nextID++
	ch := make(chan api.SSEEvent, 64)
	eb.subscribers[id] = subscriber{ch: ch, filter: filter}
	eb.mu.Unlock()

	cancel := func() {
		eb.mu.Lock()
		delete(eb.subscribers, id)
		eb.mu.Unlock()
	}
	return ch, cancel
}

// Close releases every subscriber by closing its channel. Publish becomes a
// ring-buffer-only operation afterwards.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for id, sub := range eb.subscribers {
		close(sub.ch)
		delete(eb.subscribers, id)
	}
}

// SubscriberCount reports currently attached subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	n := len(eb.subscribers)
	eb.mu.RUnlock()
	return n
}

// ReplaySince returns buffered events since the given event ID.
func (eb *EventBus) ReplaySince(lastEventID string, filter api.EventFilter) []api.SSEEvent {
	eb.ringMu.RLock()
	defer eb.ringMu.RUnlock()

	var events []api.SSEEvent
	found := lastEventID == ""

	for i := 0; i < eb.ringSize; i++ {
		idx := (eb.ringHead + i) % eb.ringSize
		e := eb.ring[idx]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if matchesFilter(e, filter) {
			events = append(events, e)
		}
	}
	return events
}

// EventData holds all fields needed to publish an SSE event.
type EventData struct {
	Type          string
	SubType       string
	CallSessionID string
	StreamSID     string
	Payload       any
}

// Publish sends an event to all matching subscribers and adds it to the ring buffer.
func (eb *EventBus) Publish(e EventData) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return
	}

	seq := eb.seq.Add(1)
	event := api.SSEEvent{
		ID:            fmt.Sprintf("%d-%d", time.Now().UnixMilli(), seq),
		Type:          e.Type,
		SubType:       e.SubType,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		CallSessionID: e.CallSessionID,
		StreamSID:     e.StreamSID,
		Data:          data,
	}

	// Add to ring buffer
	eb.ringMu.Lock()
	eb.ring[eb.ringHead] = event
	eb.ringHead = (eb.ringHead + 1) % eb.ringSize
	eb.ringMu.Unlock()

	metrics.SSEEventsPublishedTotal.Inc()

	// Distribute to subscribers
	eb.mu.RLock()
	for _, sub := range eb.subscribers {
		if matchesFilter(event, sub.filter) {
			select {
			case sub.ch <- event:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	eb.mu.RUnlock()
}

func matchesFilter(e api.SSEEvent, f api.EventFilter) bool {
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			t = strings.TrimSpace(t)
			if base, sub, ok := strings.Cut(t, ":"); ok {
				// Compound filter: "transcript:final" matches type + subtype
				if base == e.Type && sub == e.SubType {
					match = true
					break
				}
			} else {
				if t == e.Type {
					match = true
					break
				}
			}
		}
		if !match {
			return false
		}
	}
	if len(f.Sessions) > 0 && e.CallSessionID != "" {
		match := false
		for _, s := range f.Sessions {
			if s == e.CallSessionID {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if f.FinalOnly && e.Type == "transcript" && e.SubType != "final" {
		return false
	}
	return true
}
