// Package client is a WebSocket load test client for the chat server. It
// dials a conversation stream with gobwas/ws (the same library the server
// uses), waits for the connected confirmation and tracks per-connection
// performance data.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/protocol"
)

// ErrClosed is returned by Wait when the connection ends before the server
// confirmed the session.
var ErrClosed = errors.New("client: connection closed")

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until the connected frame
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated user bound to one conversation.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	start     time.Time
}

// StreamURL builds the stream address for conversationID on the server at
// base, e.g. "ws://localhost:8080".
func StreamURL(base string, conversationID uuid.UUID, token string) string {
	return strings.TrimRight(base, "/") + "/ws/" + conversationID.String() + "?token=" + url.QueryEscape(token)
}

// New dials streamURL and starts reading in the background. handlers maps a
// server frame type to a callback run on the read goroutine.
func New(ctx context.Context, streamURL string, handlers map[string]func(json.RawMessage)) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, streamURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if handlers == nil {
		handlers = map[string]func(json.RawMessage){}
	}
	c := &Client{
		conn:      conn,
		handlers:  handlers,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
		start:     start,
	}
	go c.readLoop()
	return c, nil
}

// Send writes a JSON control frame. It is goroutine-safe.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// Wait blocks until the server sent the connected frame.
func (c *Client) Wait(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the read loop has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		// ReadServerText answers pings with pongs on our behalf.
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			c.Close()
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if env.Type == protocol.TypeConnected && c.metrics.ConnectLatency == 0 {
			c.metrics.ConnectLatency = time.Since(c.start)
			close(c.connected)
		}
		c.mu.Unlock()

		if h, ok := c.handlers[env.Type]; ok {
			h(json.RawMessage(data))
		}
	}
}
