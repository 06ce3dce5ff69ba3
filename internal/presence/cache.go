package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// CachePrefix is the Redis key prefix for presence hashes.
	CachePrefix = "presence:"

	// CacheTTL bounds how long a mirrored row may be served without a write.
	CacheTTL = 24 * time.Hour
)

// fillScript writes the row only when no cached row is at least as recent.
// KEYS[1] presence key; ARGV is_online, last_seen millis, ttl millis.
var fillScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'last_seen')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'is_online', ARGV[1], 'last_seen', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type cacheEntry struct {
	IsOnline string `redis:"is_online"`
	LastSeen int64  `redis:"last_seen"` // unix millis
}

// RedisCache mirrors presence rows into Redis hashes.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache returns a cache backed by client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// SetPresence overwrites the cached row for userID.
func (c *RedisCache) SetPresence(ctx context.Context, userID uuid.UUID, online bool, at time.Time) error {
	key := CachePrefix + userID.String()

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key,
		"is_online", strconv.FormatBool(online),
		"last_seen", at.UnixMilli(),
	)
	pipe.Expire(ctx, key, CacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: cache set %s: %w", userID, err)
	}
	return nil
}

// FillPresence caches a row read from the store unless the cache already
// holds the same or a newer transition.
func (c *RedisCache) FillPresence(ctx context.Context, userID uuid.UUID, online bool, at time.Time) error {
	err := fillScript.Run(ctx, c.client,
		[]string{CachePrefix + userID.String()},
		strconv.FormatBool(online), at.UnixMilli(), CacheTTL.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("presence: cache fill %s: %w", userID, err)
	}
	return nil
}

// GetPresence returns the cached row or ErrNotFound.
func (c *RedisCache) GetPresence(ctx context.Context, userID uuid.UUID) (Presence, error) {
	var entry cacheEntry
	if err := c.client.HGetAll(ctx, CachePrefix+userID.String()).Scan(&entry); err != nil {
		return Presence{}, fmt.Errorf("presence: cache get %s: %w", userID, err)
	}
	if entry.IsOnline == "" {
		return Presence{}, ErrNotFound
	}

	online, err := strconv.ParseBool(entry.IsOnline)
	if err != nil {
		return Presence{}, fmt.Errorf("presence: cache entry %s: %w", userID, err)
	}
	return Presence{
		UserID:   userID,
		IsOnline: online,
		LastSeen: time.UnixMilli(entry.LastSeen).UTC(),
	}, nil
}
