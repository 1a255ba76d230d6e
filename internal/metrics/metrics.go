package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callscribe"

// HTTP metrics, incremented by the instrumentation middleware.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})

	HTTPResponseSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "HTTP response size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 7), // 100B → 100MB
	}, []string{"method", "path_pattern"})
)

// Audio path counters (incremented directly by the stream listener and
// forwarder).
var (
	AudioFramesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_frames_received_total",
		Help:      "Audio frames read from telephony streams.",
	})

	AudioFramesForwardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_frames_forwarded_total",
		Help:      "Audio frames written to the transcription provider.",
	})

	AudioFramesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_frames_dropped_total",
		Help:      "Audio frames evicted from full session buffers.",
	})
)

// Transcript and delivery counters.
var (
	TranscriptsReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcripts_received_total",
		Help:      "Transcription results received from the provider.",
	}, []string{"finality"})

	TranscriptsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcripts_dropped_total",
		Help:      "Transcripts evicted from full dispatch queues.",
	})

	BackendDeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_deliveries_total",
		Help:      "Transcripts successfully posted to the backend.",
	})

	BackendRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_delivery_retries_total",
		Help:      "Backend delivery attempts retried after a failure.",
	})

	BackendDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_deliveries_dropped_total",
		Help:      "Transcripts abandoned after exhausting delivery retries.",
	})
)

// Session lifecycle and provider counters.
var (
	SessionsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Streaming sessions accepted.",
	})

	SessionsClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_closed_total",
		Help:      "Streaming sessions closed, by reason.",
	}, []string{"reason"})

	SessionsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_rejected_total",
		Help:      "Streaming sessions rejected before registration, by reason.",
	}, []string{"reason"})

	ProviderReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_reconnects_total",
		Help:      "Transcription provider connections re-established.",
	})

	SSEEventsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sse_events_published_total",
		Help:      "Total SSE events published.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPResponseSize,
		AudioFramesReceivedTotal,
		AudioFramesForwardedTotal,
		AudioFramesDroppedTotal,
		TranscriptsReceivedTotal,
		TranscriptsDroppedTotal,
		BackendDeliveriesTotal,
		BackendRetriesTotal,
		BackendDroppedTotal,
		SessionsStartedTotal,
		SessionsClosedTotal,
		SessionsRejectedTotal,
		ProviderReconnectsTotal,
		SSEEventsPublishedTotal,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(duration)
		HTTPResponseSize.WithLabelValues(method, pattern).Observe(float64(sw.written))
	})
}

// statusWriter wraps http.ResponseWriter to capture status code and bytes written.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Flush implements http.Flusher so SSE responses keep streaming through the
// wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController and middleware that check for
// wrapped writers.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
