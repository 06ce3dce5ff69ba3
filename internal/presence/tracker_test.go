package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type write struct {
	userID uuid.UUID
	online bool
	at     time.Time
}

type memStore struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]Presence
	writes []write
	err    error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uuid.UUID]Presence)}
}

func (m *memStore) SetPresence(ctx context.Context, userID uuid.UUID, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.writes = append(m.writes, write{userID, online, at})
	if m.err != nil {
		return m.err
	}
	m.rows[userID] = Presence{UserID: userID, IsOnline: online, LastSeen: at}
	return nil
}

func (m *memStore) GetPresence(_ context.Context, userID uuid.UUID) (Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[userID]
	if !ok {
		return Presence{}, ErrNotFound
	}
	return p, nil
}

// FillPresence lets memStore stand in for a Cache.
func (m *memStore) FillPresence(_ context.Context, userID uuid.UUID, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rows[userID]; ok && !cur.LastSeen.Before(at) {
		return nil
	}
	m.rows[userID] = Presence{UserID: userID, IsOnline: online, LastSeen: at}
	return nil
}

// gatedStore pauses GetPresence after it has taken its snapshot until
// release is closed.
type gatedStore struct {
	*memStore
	read    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) GetPresence(ctx context.Context, userID uuid.UUID) (Presence, error) {
	p, err := g.memStore.GetPresence(ctx, userID)
	g.once.Do(func() { close(g.read) })
	<-g.release
	return p, err
}

func (m *memStore) offlineWrites(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.writes {
		if w.userID == userID && !w.online {
			n++
		}
	}
	return n
}

func TestSetOnlineThenOffline(t *testing.T) {
	req := require.New(t)
	store := newMemStore()
	tr := NewTracker(store, nil, Options{}, nil)
	ctx := context.Background()
	user := uuid.New()

	tr.SetOnline(ctx, user)
	online, err := tr.IsOnline(ctx, user)
	req.NoError(err)
	req.True(online)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.SetOffline(ctx, user, at)

	online, err = tr.IsOnline(ctx, user)
	req.NoError(err)
	req.False(online)

	seen, err := tr.LastSeen(ctx, user)
	req.NoError(err)
	req.True(seen.Equal(at))
}

func TestLastTransitionWinsByDefault(t *testing.T) {
	req := require.New(t)
	store := newMemStore()
	tr := NewTracker(store, nil, Options{}, nil)
	ctx := context.Background()
	user := uuid.New()

	// Two sessions, one ends.
	tr.SetOnline(ctx, user)
	tr.SetOnline(ctx, user)
	tr.SetOffline(ctx, user, time.Now())

	online, err := tr.IsOnline(ctx, user)
	req.NoError(err)
	req.False(online)
}

func TestRefCountKeepsUserOnline(t *testing.T) {
	req := require.New(t)
	store := newMemStore()
	tr := NewTracker(store, nil, Options{RefCount: true}, nil)
	ctx := context.Background()
	user := uuid.New()

	tr.SetOnline(ctx, user)
	tr.SetOnline(ctx, user)
	tr.SetOffline(ctx, user, time.Now())

	online, err := tr.IsOnline(ctx, user)
	req.NoError(err)
	req.True(online)
	req.Equal(0, store.offlineWrites(user))

	tr.SetOffline(ctx, user, time.Now())
	online, err = tr.IsOnline(ctx, user)
	req.NoError(err)
	req.False(online)
	req.Equal(1, store.offlineWrites(user))
}

func TestWriteErrorsAreSwallowed(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("db down")
	tr := NewTracker(store, nil, Options{}, nil)

	require.NotPanics(t, func() {
		tr.SetOnline(context.Background(), uuid.New())
		tr.SetOffline(context.Background(), uuid.New(), time.Now())
	})
}

func TestWriteSurvivesCancelledContext(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, nil, Options{}, nil)
	user := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr.SetOffline(ctx, user, time.Now())

	require.Equal(t, 1, store.offlineWrites(user))
}

func TestReadPrefersCacheAndFillsIt(t *testing.T) {
	req := require.New(t)
	store := newMemStore()
	cache := newMemStore()
	tr := NewTracker(store, cache, Options{}, nil)
	ctx := context.Background()
	user := uuid.New()

	at := time.Now().UTC().Truncate(time.Millisecond)
	req.NoError(store.SetPresence(ctx, user, true, at))

	online, err := tr.IsOnline(ctx, user)
	req.NoError(err)
	req.True(online)

	cached, err := cache.GetPresence(ctx, user)
	req.NoError(err)
	req.True(cached.IsOnline)

	// A cache hit is served without consulting the store.
	req.NoError(cache.SetPresence(ctx, user, false, at))
	online, err = tr.IsOnline(ctx, user)
	req.NoError(err)
	req.False(online)
}

func TestUnknownUser(t *testing.T) {
	tr := NewTracker(newMemStore(), newMemStore(), Options{}, nil)
	_, err := tr.IsOnline(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCacheFillDoesNotOverwriteNewerTransition(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	user := uuid.New()

	store := &gatedStore{memStore: newMemStore(), read: make(chan struct{}), release: make(chan struct{})}
	cache := newMemStore()
	tr := NewTracker(store, cache, Options{}, nil)

	onlineAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req.NoError(store.SetPresence(ctx, user, true, onlineAt))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = tr.Get(ctx, user)
	}()

	// The read holds an "online" snapshot; the user disconnects meanwhile.
	<-store.read
	tr.SetOffline(ctx, user, onlineAt.Add(time.Minute))
	close(store.release)
	<-done

	row, err := store.memStore.GetPresence(ctx, user)
	req.NoError(err)
	req.False(row.IsOnline)

	online, err := tr.IsOnline(ctx, user)
	req.NoError(err)
	req.False(online, "cache must keep the newer offline transition")

	seen, err := tr.LastSeen(ctx, user)
	req.NoError(err)
	req.True(seen.Equal(onlineAt.Add(time.Minute)))
}
