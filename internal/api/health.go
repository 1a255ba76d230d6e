package api

import (
	"encoding/json"
	"net/http"
	"time"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	live        BridgeSource
	transcriber string
	backend     bool
	version     string
	startTime   time.Time
}

// NewHealthHandler reports bridge capacity plus the configured transcription
// provider and backend target. transcriber is the provider name, empty if
// none is configured.
func NewHealthHandler(live BridgeSource, transcriber string, backendConfigured bool, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		live:        live,
		transcriber: transcriber,
		backend:     backendConfigured,
		version:     version,
		startTime:   startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Session capacity check. A full bridge cannot take new streams, so the
	// load balancer should stop routing here.
	switch {
	case h.live == nil:
		checks["sessions"] = "unavailable"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case h.live.AtCapacity():
		checks["sessions"] = "at_capacity"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	default:
		checks["sessions"] = "ok"
	}

	// Transcription provider check
	if h.transcriber != "" {
		checks["transcriber"] = h.transcriber
	} else {
		checks["transcriber"] = "not_configured"
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Backend delivery check
	if h.backend {
		checks["backend"] = "configured"
	} else {
		checks["backend"] = "not_configured"
		if status == "healthy" {
			status = "degraded"
		}
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
