// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay hub.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	defaultPort           = ":8080"
	defaultOrigin         = "http://localhost:8080"
	defaultMaxMessageSize = 512
	defaultBurst          = 5
	defaultRefillInterval = time.Second
	defaultSendQueueSize  = 256
	defaultPongWait       = 60 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultShutdown       = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST,default=5" validate:"gt=0"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s" validate:"gt=0"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port string `env:"SERVER_PORT,default=:8080" validate:"required"`
	// Origins is the raw comma separated allow-list as read from the
	// environment; AllowedOrigins is its parsed form.
	Origins            string   `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	AllowedOrigins     []string
	AllowMissingOrigin bool     `env:"ALLOW_MISSING_ORIGIN,default=true"`
	MaxMessageSize     int64    `env:"MAX_MESSAGE_SIZE,default=512" validate:"gt=0"`
	RateLimit          RateLimitConfig

	// SendQueueSize bounds each connection's outbound queue. A connection
	// whose queue overflows is disconnected.
	SendQueueSize   int           `env:"SEND_QUEUE_SIZE,default=256" validate:"gt=0"`
	PongWait        time.Duration `env:"PONG_WAIT,default=60s" validate:"gt=0"`
	WriteWait       time.Duration `env:"WRITE_WAIT,default=10s" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`

	LogLevel  string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"LOG_FORMAT,default=text" validate:"oneof=text json"`
}

var configValidator = validator.New()

func defaultConfig() Config {
	return Config{
		Port:               defaultPort,
		Origins:            defaultOrigin,
		AllowedOrigins:     []string{defaultOrigin},
		AllowMissingOrigin: true,
		MaxMessageSize:     defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
		SendQueueSize:   defaultSendQueueSize,
		PongWait:        defaultPongWait,
		WriteWait:       defaultWriteWait,
		ShutdownTimeout: defaultShutdown,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig reads the configuration from the environment. Variables found
// in the given env files (".env" when none is given) are loaded first but
// never override variables already set. Missing files are ignored.
func LoadConfig(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := defaultConfig()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	cfg.AllowedOrigins = parseOrigins(cfg.Origins)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := configValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// sanitizeConfig replaces unset or out-of-range values with defaults. It is
// applied to configurations built in code, which skip LoadConfig.
func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefillInterval
	}

	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}

	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}

	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdown
	}

	if len(cfg.AllowedOrigins) == 0 && cfg.Origins != "" {
		cfg.AllowedOrigins = parseOrigins(cfg.Origins)
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)

	return cfg
}

// PingPeriod is how often the hub pings a connection. It must stay below
// PongWait so a healthy peer always answers in time.
func (c Config) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
