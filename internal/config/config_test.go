package config

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/chat")
	t.Setenv("JWT_SECRET", "0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, 1000, cfg.BusCapacity)
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 10*time.Second, cfg.HeartbeatTimeout)
	require.Equal(t, time.Minute, cfg.ConnectRateWindow)
	require.False(t, cfg.PresenceRefCount)
	require.True(t, cfg.RunMigrations)
	require.Empty(t, cfg.NATSURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/chat")
	t.Setenv("JWT_SECRET", "0123456789abcdef")
	t.Setenv("BUS_CAPACITY", "3")
	t.Setenv("PRESENCE_REFCOUNT", "true")
	t.Setenv("HEARTBEAT_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3, cfg.BusCapacity)
	require.True(t, cfg.PresenceRefCount)
	require.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{BusCapacity: 10, JWTSecret: "0123456789abcdef"}
	require.NoError(t, base.Validate())

	bad := base
	bad.BusCapacity = 0
	require.Error(t, bad.Validate())

	bad = base
	bad.JWTSecret = "short"
	require.Error(t, bad.Validate())
}

func TestNewLogger(t *testing.T) {
	require.True(t, NewLogger("debug").Enabled(context.Background(), slog.LevelDebug))
	require.False(t, NewLogger("warn").Enabled(context.Background(), slog.LevelInfo))
	require.True(t, NewLogger("bogus").Enabled(context.Background(), slog.LevelInfo))
}
