package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const envProduction = "production"

var ErrMissingAllowedOrigins = errors.New("SOCKET_CORS_ORIGIN or CORS_ORIGIN must be set in production")

type Config struct {
	AppEnv        string `env:"APP_ENV" default:"development"`
	Port          string `env:"PORT" default:"8080"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisURL      string `env:"REDIS_URL"`
	SessionSecret string `env:"SESSION_SECRET"`
	LogLevel      string `env:"LOG_LEVEL" default:"info"`
	LogFormat     string `env:"LOG_FORMAT" default:"text"`

	SocketCORSOrigin string `env:"SOCKET_CORS_ORIGIN"`
	CORSOrigin       string `env:"CORS_ORIGIN"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRatePerIP     float64 `env:"CONNECTION_RATE_PER_IP" default:"10"`
	ConnectionBurstPerIP    int     `env:"CONNECTION_BURST_PER_IP" default:"20"`

	PingInterval time.Duration `env:"PING_INTERVAL" default:"25s"`
	PingTimeout  time.Duration `env:"PING_TIMEOUT" default:"60s"`

	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE" default:"168h"` // 7 days
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == envProduction
}

// AllowedOrigins returns the live gateway's cross-origin allow-list. SOCKET_CORS_ORIGIN wins
// over CORS_ORIGIN; both are comma separated.
func (c *Config) AllowedOrigins() []string {
	if origins := splitOrigins(c.SocketCORSOrigin); len(origins) > 0 {
		return origins
	}
	return splitOrigins(c.CORSOrigin)
}

// APIOrigins returns the origins allowed to call the REST API with credentials. The UI
// usually shares one origin for both, so an unset CORS_ORIGIN follows the live list.
func (c *Config) APIOrigins() []string {
	if origins := splitOrigins(c.CORSOrigin); len(origins) > 0 {
		return origins
	}
	return c.AllowedOrigins()
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func validate(cfg *Config) error {
	if cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET is required")
	}

	if cfg.PingInterval <= 0 || cfg.PingTimeout <= 0 {
		return errors.New("PING_INTERVAL and PING_TIMEOUT must be positive")
	}

	if cfg.MaxWebSocketConnections <= 0 || cfg.MaxConnectionsPerIP <= 0 {
		return errors.New("connection limits must be positive")
	}

	if !cfg.IsProduction() {
		return nil
	}

	if len(cfg.AllowedOrigins()) == 0 {
		return ErrMissingAllowedOrigins
	}

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required in production")
	}

	if mode := sslMode(cfg.DatabaseURL); mode == "disable" || mode == "allow" {
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}

	return nil
}

func sslMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Query().Get("sslmode"))
}
