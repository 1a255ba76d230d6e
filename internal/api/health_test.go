package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// stubBridge implements BridgeSource for handler tests.
type stubBridge struct {
	mu         sync.Mutex
	sessions   []SessionData
	atCapacity bool
	events     chan SSEEvent
	replay     []SSEEvent

	subscribed   chan struct{}
	lastFilter   EventFilter
	lastReplayID string
	cancelled    bool
}

func newStubBridge() *stubBridge {
	return &stubBridge{
		events:     make(chan SSEEvent, 8),
		subscribed: make(chan struct{}, 1),
	}
}

func (s *stubBridge) Sessions() []SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionData, len(s.sessions))
	copy(out, s.sessions)
	return out
}

func (s *stubBridge) AtCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atCapacity
}

func (s *stubBridge) Subscribe(filter EventFilter) (<-chan SSEEvent, func()) {
	s.mu.Lock()
	s.lastFilter = filter
	s.mu.Unlock()
	select {
	case s.subscribed <- struct{}{}:
	default:
	}
	return s.events, func() {
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
	}
}

func (s *stubBridge) ReplaySince(lastEventID string, filter EventFilter) []SSEEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReplayID = lastEventID
	return s.replay
}

func (s *stubBridge) filter() EventFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFilter
}

func (s *stubBridge) replayID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReplayID
}

func (s *stubBridge) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func decodeHealth(t *testing.T, rec *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("health response is not valid JSON: %v", err)
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := NewHealthHandler(newStubBridge(), "deepgram", true, "v1.2.3", time.Now().Add(-90*time.Second))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		resp := decodeHealth(t, rec)
		if resp.Status != "healthy" {
			t.Errorf("status = %q, want healthy", resp.Status)
		}
		if resp.Version != "v1.2.3" {
			t.Errorf("version = %q, want v1.2.3", resp.Version)
		}
		if resp.UptimeSeconds < 90 {
			t.Errorf("uptime = %d, want >= 90", resp.UptimeSeconds)
		}
		if resp.Checks["sessions"] != "ok" {
			t.Errorf("sessions check = %q, want ok", resp.Checks["sessions"])
		}
		if resp.Checks["transcriber"] != "deepgram" {
			t.Errorf("transcriber check = %q, want deepgram", resp.Checks["transcriber"])
		}
		if resp.Checks["backend"] != "configured" {
			t.Errorf("backend check = %q, want configured", resp.Checks["backend"])
		}
	})

	t.Run("at_capacity_returns_503", func(t *testing.T) {
		live := newStubBridge()
		live.atCapacity = true
		h := NewHealthHandler(live, "deepgram", true, "v1", time.Now())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		resp := decodeHealth(t, rec)
		if resp.Status != "unhealthy" {
			t.Errorf("status = %q, want unhealthy", resp.Status)
		}
		if resp.Checks["sessions"] != "at_capacity" {
			t.Errorf("sessions check = %q, want at_capacity", resp.Checks["sessions"])
		}
	})

	t.Run("no_bridge_returns_503", func(t *testing.T) {
		h := NewHealthHandler(nil, "deepgram", true, "v1", time.Now())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		resp := decodeHealth(t, rec)
		if resp.Checks["sessions"] != "unavailable" {
			t.Errorf("sessions check = %q, want unavailable", resp.Checks["sessions"])
		}
	})

	t.Run("missing_configuration_degrades", func(t *testing.T) {
		h := NewHealthHandler(newStubBridge(), "", false, "v1", time.Now())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		resp := decodeHealth(t, rec)
		if resp.Status != "degraded" {
			t.Errorf("status = %q, want degraded", resp.Status)
		}
		if resp.Checks["transcriber"] != "not_configured" {
			t.Errorf("transcriber check = %q, want not_configured", resp.Checks["transcriber"])
		}
		if resp.Checks["backend"] != "not_configured" {
			t.Errorf("backend check = %q, want not_configured", resp.Checks["backend"])
		}
	})
}
