// Package presence records whether users are online and when they were last
// seen. Transitions are driven by connection lifecycle: online when a session
// is admitted, offline when it ends.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no presence is recorded for a user.
var ErrNotFound = errors.New("presence: not found")

// Presence is a user's coarse availability.
type Presence struct {
	UserID   uuid.UUID `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// Store is the durable presence row owned by the persistence layer.
type Store interface {
	SetPresence(ctx context.Context, userID uuid.UUID, online bool, at time.Time) error
	GetPresence(ctx context.Context, userID uuid.UUID) (Presence, error)
}

// Cache is a fast mirror of the durable row. A cache miss returns ErrNotFound.
// FillPresence is the read-through write: it must leave a cached row whose
// last_seen is not older than at untouched, so a fill taken from a stale
// store snapshot never overwrites a newer transition.
type Cache interface {
	Store
	FillPresence(ctx context.Context, userID uuid.UUID, online bool, at time.Time) error
}

// Reader is the contract exposed to read paths such as chat listings. Get
// returns both fields from a single read.
type Reader interface {
	Get(ctx context.Context, userID uuid.UUID) (Presence, error)
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
	LastSeen(ctx context.Context, userID uuid.UUID) (time.Time, error)
}
