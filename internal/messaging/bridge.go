package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/bus"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/metrics"
)

// wireEvent is the NATS payload for one chat event.
type wireEvent struct {
	ConversationID uuid.UUID       `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
}

// transport is the part of NATSClient the bridge needs.
type transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(msg *nats.Msg)) error
	Unsubscribe(subject string) error
}

// Bridge fans chat events out through NATS so every instance's local bus
// sees every event exactly once. Producers publish to chat.<conversation_id>;
// a single chat.* subscription per instance injects what arrives into the
// local bus.
type Bridge struct {
	client transport
	bus    *bus.Bus
	log    *slog.Logger
}

// NewBridge connects client to the local bus b.
func NewBridge(client *NATSClient, b *bus.Bus, log *slog.Logger) *Bridge {
	return newBridge(client, b, log)
}

func newBridge(client transport, b *bus.Bus, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{client: client, bus: b, log: log.With("component", "bridge")}
}

// Start subscribes to every conversation subject.
func (br *Bridge) Start() error {
	return br.client.Subscribe(SubjectChatAll, br.handle)
}

// Stop removes the subscription. Events already delivered to the local bus
// stay there.
func (br *Bridge) Stop() error {
	return br.client.Unsubscribe(SubjectChatAll)
}

// Publish sends one event to NATS. It satisfies bus.Publisher.
func (br *Bridge) Publish(_ context.Context, conversationID uuid.UUID, payload []byte) error {
	start := time.Now()
	data, err := json.Marshal(wireEvent{ConversationID: conversationID, Payload: payload})
	if err != nil {
		return fmt.Errorf("bridge: encode event: %w", err)
	}
	if err := br.client.Publish(SubjectChat+"."+conversationID.String(), data); err != nil {
		return fmt.Errorf("bridge: publish %s: %w", conversationID, err)
	}
	metrics.EventsPublished.Inc()
	metrics.PublishLatency.Observe(time.Since(start).Seconds())
	return nil
}

func (br *Bridge) handle(msg *nats.Msg) {
	var ev wireEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		br.log.Warn("dropping undecodable event", "subject", msg.Subject, "err", err)
		return
	}
	if ev.ConversationID == uuid.Nil || len(ev.Payload) == 0 {
		br.log.Warn("dropping incomplete event", "subject", msg.Subject)
		return
	}
	br.bus.Publish(bus.ChatEvent{ConversationID: ev.ConversationID, Payload: ev.Payload})
}

var _ bus.Publisher = (*Bridge)(nil)
