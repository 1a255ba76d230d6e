package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
)

type SessionsHandler struct {
	live BridgeSource
}

func NewSessionsHandler(live BridgeSource) *SessionsHandler {
	return &SessionsHandler{live: live}
}

var validStates = map[string]bool{
	"connecting": true,
	"streaming":  true,
	"draining":   true,
	"closed":     true,
}

// ListSessions returns a snapshot of the active streaming sessions.
func (h *SessionsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteError(w, http.StatusServiceUnavailable, "session data not available")
		return
	}

	sessions := h.live.Sessions()

	if state, ok := QueryString(r, "state"); ok {
		if !validStates[state] {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid state filter",
				"state must be one of connecting, streaming, draining, closed")
			return
		}
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.State == state {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}

	// Registry order is random; oldest first keeps the output stable.
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StreamSID < sessions[j].StreamSID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})

	WriteJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// Routes registers session routes on the given router.
func (h *SessionsHandler) Routes(r chi.Router) {
	r.Get("/sessions", h.ListSessions)
}
