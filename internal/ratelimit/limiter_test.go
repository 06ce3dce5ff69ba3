package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, nil)
}

func TestAllow_BlocksOverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 5 * time.Second}
	id := uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, id, rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d unexpectedly limited", i+1)
		}
	}

	ok, err := l.Allow(ctx, id, rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Fatal("expected fourth request to be limited")
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client, nil)

	ok, err := l.Allow(context.Background(), "anyone", RuleConnect)
	if err == nil {
		t.Fatal("expected redis error")
	}
	if !ok {
		t.Fatal("expected fail-open on redis error")
	}
}

func TestRuleWithLimit(t *testing.T) {
	r := RuleConnect.WithLimit(20, 0)
	if r.Limit != 20 || r.Window != RuleConnect.Window || r.Key != RuleConnect.Key {
		t.Errorf("unexpected rule: %+v", r)
	}
	if RuleConnect.Limit != 5 {
		t.Error("WithLimit must not mutate the original rule")
	}
}
