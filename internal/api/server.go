package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/callscribe/internal/config"
	"github.com/snarg/callscribe/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// NewServer builds the HTTP surface: the media stream WebSocket endpoint,
// health and metrics, and the authenticated management API. stream is the
// upgrade handler for inbound telephony connections.
func NewServer(cfg *config.Config, stream http.Handler, live BridgeSource, version string, startTime time.Time, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))

	// Media stream endpoint. No auth (telephony providers attach session
	// identity via query parameters) and mounted outside the metrics
	// instrumentation: the connection is hijacked for the WebSocket upgrade.
	if stream != nil {
		r.Handle("/stream", stream)
	}

	r.Group(func(r chi.Router) {
		r.Use(metrics.InstrumentHandler)
		r.Use(CORSWithOrigins(cfg.CORSOrigins))

		// Health and metrics, no auth
		transcriber := ""
		if cfg.DeepgramAPIKey != "" {
			transcriber = "deepgram"
		}
		health := NewHealthHandler(live, transcriber, cfg.BackendURL != "", version, startTime)
		r.Get("/health", health.ServeHTTP)
		r.Handle("/metrics", promhttp.Handler())

		// Authenticated management API
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))
			r.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))

			NewSessionsHandler(live).Routes(r)
			NewEventsHandler(live).Routes(r)
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
