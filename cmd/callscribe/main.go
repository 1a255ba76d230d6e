package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/callscribe/internal/api"
	"github.com/snarg/callscribe/internal/backend"
	"github.com/snarg/callscribe/internal/bridge"
	"github.com/snarg/callscribe/internal/config"
	"github.com/snarg/callscribe/internal/metrics"
	"github.com/snarg/callscribe/internal/stt"
	"github.com/snarg/callscribe/internal/twilio"
)

var version = "dev"

func main() {
	startTime := time.Now()

	envFile := flag.String("env-file", "", "path to .env file (default .env)")
	addr := flag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	logLevel := flag.String("log-level", "", "log level (overrides LOG_LEVEL)")
	flag.Parse()

	// Config
	cfg, err := config.Load(config.Overrides{
		EnvFile:  *envFile,
		HTTPAddr: *addr,
		LogLevel: *logLevel,
	})
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("callscribe starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Transcription provider
	sttLog := log.With().Str("component", "stt").Logger()
	provider := stt.NewDeepgram(stt.DeepgramConfig{
		URL:            cfg.DeepgramURL,
		APIKey:         cfg.DeepgramAPIKey,
		Model:          cfg.DeepgramModel,
		Language:       cfg.DeepgramLanguage,
		ConnectTimeout: cfg.DeepgramConnectTimeout,
		RetryInitial:   cfg.DeepgramRetryInitial,
		RetryMax:       cfg.DeepgramRetryMax,
		RetryWindow:    cfg.DeepgramRetryWindow,
	}, sttLog)

	// Backend transcript delivery
	deliverer := backend.NewClient(cfg.BackendURL, cfg.BackendToken, cfg.BackendTimeout)

	// Bridge
	svc := bridge.NewService(bridge.Options{
		Provider:       provider,
		Deliverer:      deliverer,
		MaxSessions:    cfg.MaxSessions,
		AudioQueueSize: cfg.AudioQueueSize,
		Dispatch: bridge.DispatchConfig{
			QueueSize:    cfg.DispatchQueueSize,
			MaxAttempts:  cfg.BackendMaxAttempts,
			RetryInitial: cfg.BackendRetryInitial,
			RetryMax:     cfg.BackendRetryMax,
		},
		DrainGrace: cfg.DrainGrace,
		Log:        log,
	})
	svc.Start()
	prometheus.MustRegister(metrics.NewCollector(svc))

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	listener := twilio.NewListener(svc, log)
	srv := api.NewServer(cfg, listener, svc, version, startTime, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown: the session drain grace plus headroom for the HTTP
	// server to close out.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainGrace+2*time.Second)
	defer cancel()

	// Drain streams first so peers get a close frame and event subscribers
	// are released, then stop the HTTP server.
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("bridge shutdown error")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("callscribe stopped")
}
