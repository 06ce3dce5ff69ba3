package ws

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionStateTransitions(t *testing.T) {
	req := require.New(t)
	var s Session
	req.Equal(StateConnecting, s.State())

	req.True(s.transition(StateConnecting, StateActive))
	req.False(s.transition(StateConnecting, StateActive))
	req.True(s.transition(StateActive, StateClosing))

	// Closing never returns to Active.
	req.False(s.transition(StateConnecting, StateActive))
	req.False(s.transition(StateActive, StateClosing))
	req.Equal(StateClosing, s.State())
	req.Equal("closing", s.State().String())
}

func TestIdleDeadline(t *testing.T) {
	req := require.New(t)
	req.Equal(DefaultHeartbeatConfig().Interval+DefaultHeartbeatConfig().Timeout,
		DefaultHeartbeatConfig().IdleDeadline())
	req.Zero(HeartbeatConfig{}.IdleDeadline())
}
