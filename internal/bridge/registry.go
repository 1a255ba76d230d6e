package bridge

import (
	"errors"
	"sync"
)

var (
	// ErrCapacity is returned when the session limit is reached.
	ErrCapacity = errors.New("session capacity reached")
	// ErrDuplicateStream is returned when a stream SID is already registered.
	ErrDuplicateStream = errors.New("stream already registered")
)

// sessionMap tracks live sessions: stream SID → session. The capacity check
// and the insert happen under one lock so concurrent starts cannot overshoot
// the limit.
type sessionMap struct {
	mu       sync.Mutex
	sessions map[string]*Session
	max      int
}

func newSessionMap(max int) *sessionMap {
	return &sessionMap{sessions: make(map[string]*Session), max: max}
}

func (m *sessionMap) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.StreamSID]; ok {
		return ErrDuplicateStream
	}
	if m.max > 0 && len(m.sessions) >= m.max {
		return ErrCapacity
	}
	m.sessions[s.StreamSID] = s
	return nil
}

func (m *sessionMap) Get(streamSID string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[streamSID]
	m.mu.Unlock()
	return s, ok
}

func (m *sessionMap) Delete(streamSID string) {
	m.mu.Lock()
	delete(m.sessions, streamSID)
	m.mu.Unlock()
}

func (m *sessionMap) Len() int {
	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	return n
}

// All returns a snapshot of the registered sessions.
func (m *sessionMap) All() []*Session {
	m.mu.Lock()
	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	m.mu.Unlock()
	return result
}

func (m *sessionMap) AtCapacity() bool {
	m.mu.Lock()
	full := m.max > 0 && len(m.sessions) >= m.max
	m.mu.Unlock()
	return full
}
