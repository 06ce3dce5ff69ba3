package ws

import (
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// IdleDeadline is how long a session may go without any inbound frame,
// pongs included, before the reader gives up on it. Zero disables it.
func (c HeartbeatConfig) IdleDeadline() time.Duration {
	if c.Interval <= 0 {
		return 0
	}
	return c.Interval + c.Timeout
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. Browsers answer it automatically with a pong, which refreshes
// the reader's idle deadline.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}
