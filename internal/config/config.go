package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DeepgramAPIKey         string        `env:"DEEPGRAM_API_KEY,required"`
	DeepgramURL            string        `env:"DEEPGRAM_URL" envDefault:"wss://api.deepgram.com/v1/listen"`
	DeepgramModel          string        `env:"DEEPGRAM_MODEL" envDefault:"nova-2"`
	DeepgramLanguage       string        `env:"DEEPGRAM_LANGUAGE" envDefault:"en-US"`
	DeepgramConnectTimeout time.Duration `env:"DEEPGRAM_CONNECT_TIMEOUT" envDefault:"10s"`
	DeepgramRetryInitial   time.Duration `env:"DEEPGRAM_RETRY_INITIAL" envDefault:"250ms"`
	DeepgramRetryMax       time.Duration `env:"DEEPGRAM_RETRY_MAX" envDefault:"8s"`
	DeepgramRetryWindow    time.Duration `env:"DEEPGRAM_RETRY_WINDOW" envDefault:"45s"`

	BackendURL          string        `env:"BACKEND_URL,required"`
	BackendToken        string        `env:"BACKEND_TOKEN"`
	BackendTimeout      time.Duration `env:"BACKEND_TIMEOUT" envDefault:"10s"`
	BackendRetryInitial time.Duration `env:"BACKEND_RETRY_INITIAL" envDefault:"250ms"`
	BackendRetryMax     time.Duration `env:"BACKEND_RETRY_MAX" envDefault:"5s"`
	BackendMaxAttempts  int           `env:"BACKEND_MAX_ATTEMPTS" envDefault:"5"`

	HTTPAddr    string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	// Zero disables the write timeout. The event stream endpoint holds
	// responses open indefinitely, so a server-wide deadline would cut it off.
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// Empty CORSOrigins allows all origins.
	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:","`
	RateLimitRPS   float64  `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"30"`

	MaxSessions       int           `env:"MAX_SESSIONS" envDefault:"64"`
	AudioQueueSize    int           `env:"AUDIO_QUEUE_SIZE" envDefault:"256"`
	DispatchQueueSize int           `env:"DISPATCH_QUEUE_SIZE" envDefault:"256"`
	DrainGrace        time.Duration `env:"DRAIN_GRACE" envDefault:"10s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile  string
	HTTPAddr string
	LogLevel string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	return cfg, nil
}
