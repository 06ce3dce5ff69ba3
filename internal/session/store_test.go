package session

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance. Tests
// that call this helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewStoreWithClient(client, "test-server")
}

func TestCreateGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	connID := "test_" + uuid.NewString()
	userID, convID := uuid.New(), uuid.New()

	if err := store.Create(ctx, connID, userID, convID); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	rec, err := store.Get(ctx, connID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.UserID != userID.String() || rec.ConversationID != convID.String() {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Server != "test-server" {
		t.Errorf("expected server %q, got %q", "test-server", rec.Server)
	}

	if err := store.Touch(ctx, connID, userID); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}

	n, err := store.CountForUser(ctx, userID)
	if err != nil {
		t.Fatalf("CountForUser() error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 live session, got %d", n)
	}

	if err := store.Delete(ctx, connID, userID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	rec, err = store.Get(ctx, connID)
	if err != nil {
		t.Fatalf("Get() after delete error: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil after delete, got %+v", rec)
	}
	if n, _ := store.CountForUser(ctx, userID); n != 0 {
		t.Errorf("expected 0 live sessions after delete, got %d", n)
	}
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)
	rec, err := store.Get(context.Background(), "test_missing_"+uuid.NewString())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil, got %+v", rec)
	}
}
