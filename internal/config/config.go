// Package config loads process configuration from the environment, reading a
// .env file first when one is present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config is the full set of environment-driven settings.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR,default=:8080"`
	DatabaseURL string `env:"DATABASE_URL,required=true"`
	RedisAddr   string `env:"REDIS_ADDR,default=localhost:6379"`
	NATSURL     string `env:"NATS_URL"`
	JWTSecret   string `env:"JWT_SECRET,required=true"`
	ServerName  string `env:"SERVER_NAME,default=cam-chat-1"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	BusCapacity    int   `env:"BUS_CAPACITY,default=1000"`
	MaxConnections int   `env:"MAX_CONNECTIONS,default=100000"`
	MaxMessageSize int64 `env:"MAX_MESSAGE_SIZE,default=65536"`

	ReadTimeout       time.Duration `env:"READ_TIMEOUT,default=10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	PresenceRefCount bool `env:"PRESENCE_REFCOUNT,default=false"`

	ConnectRateLimit  int           `env:"CONNECT_RATE_LIMIT,default=5"`
	ConnectRateWindow time.Duration `env:"CONNECT_RATE_WINDOW,default=1m"`
	MessageRateLimit  int           `env:"MESSAGE_RATE_LIMIT,default=5"`
	MessageRateWindow time.Duration `env:"MESSAGE_RATE_WINDOW,default=10s"`

	RunMigrations bool `env:"RUN_MIGRATIONS,default=true"`
}

// Load reads .env (if present) and decodes the environment into a Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that would make the server misbehave.
func (c Config) Validate() error {
	switch {
	case c.BusCapacity <= 0:
		return fmt.Errorf("config: BUS_CAPACITY must be positive, got %d", c.BusCapacity)
	case c.MaxConnections < 0:
		return fmt.Errorf("config: MAX_CONNECTIONS must not be negative, got %d", c.MaxConnections)
	case c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0:
		return errors.New("config: heartbeat durations must not be negative")
	case len(c.JWTSecret) < 16:
		return errors.New("config: JWT_SECRET must be at least 16 bytes")
	}
	return nil
}

// NewLogger builds the process logger: JSON to stdout at the configured level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
