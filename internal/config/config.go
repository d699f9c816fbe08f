package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Config holds the full server configuration, loaded from the environment.
type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// RealtimeEnabled toggles the broadcast core. When false the /ws endpoint
	// answers every upgrade with a server_disabled event and closes.
	RealtimeEnabled bool `env:"REALTIME_ENABLED" default:"true"`

	// MaxConnections caps concurrent websocket connections per instance. The
	// broadcast loop is O(connections), so this bounds its worst-case cost.
	MaxConnections int `env:"MAX_CONNECTIONS" default:"200"`

	// MaxConnectionsPerIP caps concurrent connections from a single address.
	MaxConnectionsPerIP int `env:"MAX_CONNECTIONS_PER_IP" default:"20"`

	// ConnectionRatePerSecond and ConnectionBurst bound the rate of new
	// connection attempts per IP (token bucket).
	ConnectionRatePerSecond float64 `env:"CONNECTION_RATE_PER_SECOND" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"10"`

	// MaxFrameBytes caps inbound and outbound payload size.
	MaxFrameBytes int64 `env:"MAX_FRAME_BYTES" default:"65536"`

	// HeartbeatInterval is the liveness probe tick. A connection that misses a
	// single probe reply is reaped on the next tick.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
}

// Load reads configuration from a .env file (if present) and the environment.
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

func validate(cfg *Config) error {
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP must be positive, got %d", cfg.MaxConnectionsPerIP)
	}
	if cfg.MaxConnectionsPerIP > cfg.MaxConnections {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP (%d) cannot exceed MAX_CONNECTIONS (%d)", cfg.MaxConnectionsPerIP, cfg.MaxConnections)
	}
	if cfg.ConnectionRatePerSecond <= 0 {
		return fmt.Errorf("CONNECTION_RATE_PER_SECOND must be positive, got %v", cfg.ConnectionRatePerSecond)
	}
	if cfg.ConnectionBurst <= 0 {
		return fmt.Errorf("CONNECTION_BURST must be positive, got %d", cfg.ConnectionBurst)
	}
	if cfg.MaxFrameBytes < 1024 {
		return fmt.Errorf("MAX_FRAME_BYTES must be at least 1024, got %d", cfg.MaxFrameBytes)
	}
	if cfg.HeartbeatInterval < time.Second {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be at least 1s, got %v", cfg.HeartbeatInterval)
	}
	return nil
}
