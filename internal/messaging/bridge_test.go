package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/bus"
)

// loopback delivers published messages straight to matching handlers.
type loopback struct {
	mu       sync.Mutex
	handlers map[string]func(*nats.Msg)
}

func newLoopback() *loopback {
	return &loopback{handlers: make(map[string]func(*nats.Msg))}
}

func (l *loopback) Publish(subject string, data []byte) error {
	l.mu.Lock()
	h := l.handlers[SubjectChatAll]
	l.mu.Unlock()
	if h != nil {
		h(&nats.Msg{Subject: subject, Data: data})
	}
	return nil
}

func (l *loopback) Subscribe(subject string, handler func(*nats.Msg)) error {
	l.mu.Lock()
	l.handlers[subject] = handler
	l.mu.Unlock()
	return nil
}

func (l *loopback) Unsubscribe(subject string) error {
	l.mu.Lock()
	delete(l.handlers, subject)
	l.mu.Unlock()
	return nil
}

func recv(t *testing.T, s *bus.Subscription) bus.ChatEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := s.Receive(ctx)
	require.NoError(t, err)
	return ev
}

func TestBridgeInjectsIntoLocalBus(t *testing.T) {
	req := require.New(t)
	b := bus.New(8)
	br := newBridge(newLoopback(), b, nil)
	req.NoError(br.Start())

	sub := b.Subscribe()
	defer sub.Unsubscribe()

	conv := uuid.New()
	req.NoError(br.Publish(context.Background(), conv, []byte(`{"content":"hi"}`)))

	ev := recv(t, sub)
	req.Equal(conv, ev.ConversationID)
	req.JSONEq(`{"content":"hi"}`, string(ev.Payload))
}

func TestBridgeDropsBadEvents(t *testing.T) {
	req := require.New(t)
	b := bus.New(8)
	br := newBridge(newLoopback(), b, nil)

	sub := b.Subscribe()
	defer sub.Unsubscribe()

	br.handle(&nats.Msg{Subject: "chat.x", Data: []byte(`not json`)})
	br.handle(&nats.Msg{Subject: "chat.x", Data: []byte(`{"payload":{"a":1}}`)})

	marker := uuid.New()
	good, err := json.Marshal(wireEvent{ConversationID: marker, Payload: json.RawMessage(`{}`)})
	req.NoError(err)
	br.handle(&nats.Msg{Subject: "chat." + marker.String(), Data: good})

	// Only the well-formed event reaches the bus.
	req.Equal(marker, recv(t, sub).ConversationID)
}

func TestBridgeAcrossRealNATS(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg, nil)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer client.Close()

	req := require.New(t)
	b := bus.New(8)
	br := NewBridge(client, b, nil)
	req.NoError(br.Start())
	req.NoError(client.Flush())

	sub := b.Subscribe()
	defer sub.Unsubscribe()

	conv := uuid.New()
	req.NoError(br.Publish(context.Background(), conv, []byte(`{"n":1}`)))
	req.Equal(conv, recv(t, sub).ConversationID)
}
