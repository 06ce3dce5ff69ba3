package bus

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/metrics"
)

// Publisher is the producer contract used by the send-message path. It is
// called strictly after a message has been durably stored and exactly once
// per stored message.
type Publisher interface {
	Publish(ctx context.Context, conversationID uuid.UUID, payload []byte) error
}

// LocalPublisher publishes straight onto an in-process Bus. It is used when
// the process runs without a cross-instance bridge.
type LocalPublisher struct {
	bus *Bus
}

// NewLocalPublisher returns a Publisher backed by b.
func NewLocalPublisher(b *Bus) *LocalPublisher {
	return &LocalPublisher{bus: b}
}

// Publish copies payload into a ChatEvent and hands it to the bus, so the
// caller may reuse its buffer. It never blocks and never fails.
func (p *LocalPublisher) Publish(_ context.Context, conversationID uuid.UUID, payload []byte) error {
	start := time.Now()
	p.bus.Publish(ChatEvent{ConversationID: conversationID, Payload: bytes.Clone(payload)})
	metrics.EventsPublished.Inc()
	metrics.PublishLatency.Observe(time.Since(start).Seconds())
	return nil
}
