// Package bus implements the process-wide event bus that carries persisted
// chat events to live connections. It is a bounded ring buffer with one
// independent read cursor per subscriber: publishing never waits on a
// subscriber, and a subscriber that falls more than the ring capacity behind
// loses its oldest unread events and is told how many it missed.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of events retained per subscriber when no
// explicit capacity is configured.
const DefaultCapacity = 1000

// ErrClosed is returned by Receive once the subscription has been
// unsubscribed.
var ErrClosed = errors.New("bus: subscription closed")

// ChatEvent is a persisted chat message wrapped with the conversation it
// belongs to. Payload is the already-serialized message and is never modified
// by the bus.
type ChatEvent struct {
	ConversationID uuid.UUID
	Payload        json.RawMessage
}

// LaggedError is returned by Receive when the subscriber fell behind the ring
// capacity. Skipped is the number of events that were discarded. The next
// call to Receive continues with the oldest event still retained.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("bus: subscriber lagged, %d events skipped", e.Skipped)
}

// Bus is a multi-producer, multi-consumer broadcast ring. All methods are
// safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	ring   []ChatEvent
	head   uint64        // sequence number of the next published event
	notify chan struct{} // closed and replaced on every publish
	subs   int
}

// New creates a Bus retaining up to capacity events per subscriber. A
// non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		ring:   make([]ChatEvent, capacity),
		notify: make(chan struct{}),
	}
}

// Capacity returns the ring size.
func (b *Bus) Capacity() int {
	return len(b.ring)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Publish appends ev to the ring and wakes every waiting subscriber. The bus
// takes ownership of ev.Payload; callers must not modify it afterwards. It never
// blocks on subscribers and returns the number of subscriptions that were
// live when the event was written.
func (b *Bus) Publish(ev ChatEvent) int {
	b.mu.Lock()
	b.ring[b.head%uint64(len(b.ring))] = ev
	b.head++
	wake := b.notify
	b.notify = make(chan struct{})
	n := b.subs
	b.mu.Unlock()

	close(wake)
	return n
}

// Subscribe returns a Subscription that observes every event published after
// this call, in publish order. Earlier events are never replayed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs++
	return &Subscription{
		bus:  b,
		next: b.head,
		done: make(chan struct{}),
	}
}

// oldest returns the sequence number of the oldest event still in the ring.
// Callers must hold b.mu.
func (b *Bus) oldest() uint64 {
	if n := uint64(len(b.ring)); b.head > n {
		return b.head - n
	}
	return 0
}

// Subscription is one subscriber's read cursor. Receive must not be called
// concurrently from more than one goroutine; Unsubscribe may be called from
// any goroutine.
type Subscription struct {
	bus       *Bus
	next      uint64 // guarded by bus.mu
	done      chan struct{}
	closeOnce sync.Once
}

// Receive blocks until the next event is available and returns it. If events
// were dropped because the subscriber fell behind, it returns a *LaggedError
// once for that gap instead of an event. It returns ctx.Err() when ctx is
// done and ErrClosed after Unsubscribe.
func (s *Subscription) Receive(ctx context.Context) (ChatEvent, error) {
	b := s.bus
	for {
		select {
		case <-s.done:
			return ChatEvent{}, ErrClosed
		default:
		}

		b.mu.Lock()
		if s.next < b.head {
			if oldest := b.oldest(); s.next < oldest {
				skipped := oldest - s.next
				s.next = oldest
				b.mu.Unlock()
				return ChatEvent{}, &LaggedError{Skipped: skipped}
			}
			ev := b.ring[s.next%uint64(len(b.ring))]
			s.next++
			b.mu.Unlock()
			return ev, nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-s.done:
			return ChatEvent{}, ErrClosed
		case <-ctx.Done():
			return ChatEvent{}, ctx.Err()
		}
	}
}

// Unsubscribe detaches the subscription from the bus and wakes a pending
// Receive. It is idempotent.
func (s *Subscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		s.bus.subs--
		s.bus.mu.Unlock()
	})
}
