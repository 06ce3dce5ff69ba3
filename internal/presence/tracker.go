package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultWriteTimeout bounds each presence write.
const DefaultWriteTimeout = 2 * time.Second

// Options tunes a Tracker.
type Options struct {
	// RefCount keeps a per-user count of local sessions and only marks a
	// user offline when the last one ends. Off by default: every session end
	// marks the user offline.
	RefCount bool

	// Timeout bounds each write. Zero means DefaultWriteTimeout.
	Timeout time.Duration
}

// Tracker applies connection lifecycle transitions to the durable store and
// the optional cache. Writes are best-effort: failures are logged and never
// returned to the caller.
type Tracker struct {
	store Store
	cache Cache
	opts  Options
	log   *slog.Logger
	now   func() time.Time

	mu    sync.Mutex
	local map[uuid.UUID]int
}

// NewTracker creates a Tracker. cache may be nil.
func NewTracker(store Store, cache Cache, opts Options, log *slog.Logger) *Tracker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWriteTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store: store,
		cache: cache,
		opts:  opts,
		log:   log.With("component", "presence"),
		now:   time.Now,
		local: make(map[uuid.UUID]int),
	}
}

// SetOnline marks userID online with last_seen set to now.
func (t *Tracker) SetOnline(ctx context.Context, userID uuid.UUID) {
	if t.opts.RefCount {
		t.mu.Lock()
		t.local[userID]++
		t.mu.Unlock()
	}
	t.write(ctx, userID, true, t.now())
}

// SetOffline marks userID offline with last_seen set to at. With RefCount
// enabled it is a no-op while other local sessions for the user remain.
func (t *Tracker) SetOffline(ctx context.Context, userID uuid.UUID, at time.Time) {
	if t.opts.RefCount {
		t.mu.Lock()
		n := t.local[userID] - 1
		if n > 0 {
			t.local[userID] = n
			t.mu.Unlock()
			t.log.Debug("user still connected elsewhere", "user_id", userID, "sessions", n)
			return
		}
		delete(t.local, userID)
		t.mu.Unlock()
	}
	t.write(ctx, userID, false, at)
}

// write runs detached from ctx cancellation so that a teardown triggered by
// cancellation still records the transition.
func (t *Tracker) write(ctx context.Context, userID uuid.UUID, online bool, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.Timeout)
	defer cancel()

	if err := t.store.SetPresence(ctx, userID, online, at); err != nil {
		t.log.Warn("presence write failed", "user_id", userID, "online", online, "err", err)
	}
	if t.cache != nil {
		if err := t.cache.SetPresence(ctx, userID, online, at); err != nil {
			t.log.Warn("presence cache write failed", "user_id", userID, "online", online, "err", err)
		}
	}
}

// Get returns the current presence of userID, preferring the cache.
func (t *Tracker) Get(ctx context.Context, userID uuid.UUID) (Presence, error) {
	if t.cache != nil {
		p, err := t.cache.GetPresence(ctx, userID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			t.log.Warn("presence cache read failed", "user_id", userID, "err", err)
		}
	}

	p, err := t.store.GetPresence(ctx, userID)
	if err != nil {
		return Presence{}, err
	}
	if t.cache != nil {
		// A transition may have landed in the cache since the store read.
		if err := t.cache.FillPresence(ctx, userID, p.IsOnline, p.LastSeen); err != nil {
			t.log.Warn("presence cache fill failed", "user_id", userID, "err", err)
		}
	}
	return p, nil
}

// IsOnline reports whether userID is online.
func (t *Tracker) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	p, err := t.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return p.IsOnline, nil
}

// LastSeen returns the last recorded transition time for userID.
func (t *Tracker) LastSeen(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	p, err := t.Get(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	return p.LastSeen, nil
}
