package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	RelayHost   string `env:"RELAY_HOST" default:"localhost"`
	RelayPort   string `env:"RELAY_PORT" default:"8080"`
	HubCapacity int    `env:"HUB_CAPACITY" default:"10"`
	AdminPort   string `env:"ADMIN_PORT" default:"9090"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	MaxConnections       int64   `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP  int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionsPerSecond float64 `env:"CONNECTIONS_PER_SECOND" default:"50"`
	ConnectionBurst      int     `env:"CONNECTION_BURST" default:"100"`

	RedisURL      string `env:"REDIS_URL"`
	BridgeChannel string `env:"BRIDGE_CHANNEL" default:"chatrelay:lines"`

	WebSocketEnabled bool `env:"WEBSOCKET_ENABLED" default:"false"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
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

// RelayAddr is the host:port the TCP relay binds to.
func (c *Config) RelayAddr() string {
	return net.JoinHostPort(c.RelayHost, c.RelayPort)
}

// AdminAddr is the listen address of the admin HTTP server, or "" when it is disabled.
func (c *Config) AdminAddr() string {
	if c.AdminPort == "" {
		return ""
	}
	return ":" + c.AdminPort
}

// BridgeEnabled reports whether lines are shared with other nodes through Redis.
func (c *Config) BridgeEnabled() bool {
	return c.RedisURL != ""
}

func validate(cfg *Config) error {
	if cfg.RelayPort == "" {
		return errors.New("RELAY_PORT is required")
	}
	if cfg.HubCapacity < 1 {
		return fmt.Errorf("HUB_CAPACITY must be at least 1, got %d", cfg.HubCapacity)
	}
	if cfg.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be at least 1, got %d", cfg.MaxConnections)
	}
	if cfg.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP must be at least 1, got %d", cfg.MaxConnectionsPerIP)
	}
	if cfg.ConnectionsPerSecond <= 0 {
		return fmt.Errorf("CONNECTIONS_PER_SECOND must be positive, got %g", cfg.ConnectionsPerSecond)
	}
	if cfg.ConnectionBurst < 1 {
		return fmt.Errorf("CONNECTION_BURST must be at least 1, got %d", cfg.ConnectionBurst)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", cfg.ShutdownTimeout)
	}

	if cfg.RedisURL != "" {
		u, err := url.Parse(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("REDIS_URL is not a valid URL: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("REDIS_URL must use redis:// or rediss://, got %q", u.Scheme)
		}
		if cfg.BridgeChannel == "" {
			return errors.New("BRIDGE_CHANNEL is required when REDIS_URL is set")
		}
	}

	if cfg.WebSocketEnabled && cfg.AdminPort == "" {
		return errors.New("WEBSOCKET_ENABLED requires ADMIN_PORT")
	}

	return nil
}
