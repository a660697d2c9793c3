// Package config loads server settings from the environment and command line.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

var (
	ErrMissingDSN    = errors.New("DB_DSN is not set")
	ErrMissingSecret = errors.New("JWT_SECRET is not set")
	ErrInvalidValue  = errors.New("invalid config value")
)

type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR"        envDefault:":8080"`
	DSN             string        `env:"DB_DSN"`
	JWTSecret       string        `env:"JWT_SECRET"`
	RedisAddr       string        `env:"REDIS_ADDR"       envDefault:"localhost:6379"`
	NotifyStream    string        `env:"NOTIFY_STREAM"    envDefault:"notifications"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"json"`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	WriteWait       time.Duration `env:"WS_WRITE_WAIT"       envDefault:"10s"`
	PongWait        time.Duration `env:"WS_PONG_WAIT"        envDefault:"60s"`
	MaxMessageSize  int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`
	AllowedOrigins  []string      `env:"WS_ALLOWED_ORIGINS"  envSeparator:","`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"    envDefault:"10s"`
}

// Load reads the environment first and lets flags override it.
func Load(fs *pflag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVarP(&cfg.HTTPAddr, "addr", "a", cfg.HTTPAddr, "http service address")
	fs.StringVar(&cfg.DSN, "dsn", cfg.DSN, "postgres connection string")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address")
	fs.StringVar(&cfg.NotifyStream, "notify-stream", cfg.NotifyStream, "redis stream receiving offline notifications")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json or console)")
	fs.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", cfg.OTLPEndpoint, "OTLP/HTTP trace endpoint, empty disables tracing")
	fs.DurationVar(&cfg.WriteWait, "ws-write-wait", cfg.WriteWait, "time allowed to write a frame to the peer")
	fs.DurationVar(&cfg.PongWait, "ws-pong-wait", cfg.PongWait, "time allowed to read the next pong from the peer")
	fs.Int64Var(&cfg.MaxMessageSize, "ws-max-message-size", cfg.MaxMessageSize, "maximum inbound frame size in bytes")
	fs.StringSliceVar(&cfg.AllowedOrigins, "ws-allowed-origins", cfg.AllowedOrigins, "origins allowed to open a socket, empty allows any")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown deadline")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.DSN == "" {
		return Config{}, ErrMissingDSN
	}
	if cfg.JWTSecret == "" {
		return Config{}, ErrMissingSecret
	}

	// Pings go out every 9/10 of PongWait, which must not round down to zero.
	switch {
	case cfg.PongWait*9/10 <= 0:
		return Config{}, fmt.Errorf("%w: WS_PONG_WAIT must be positive, got %s", ErrInvalidValue, cfg.PongWait)
	case cfg.WriteWait <= 0:
		return Config{}, fmt.Errorf("%w: WS_WRITE_WAIT must be positive, got %s", ErrInvalidValue, cfg.WriteWait)
	case cfg.MaxMessageSize <= 0:
		return Config{}, fmt.Errorf("%w: WS_MAX_MESSAGE_SIZE must be positive, got %d", ErrInvalidValue, cfg.MaxMessageSize)
	case cfg.ShutdownTimeout <= 0:
		return Config{}, fmt.Errorf("%w: SHUTDOWN_TIMEOUT must be positive, got %s", ErrInvalidValue, cfg.ShutdownTimeout)
	}
	return cfg, nil
}
