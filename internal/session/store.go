package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix is the Redis key prefix for the set of live
	// connection ids per user.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL is the time-to-live for session keys in Redis. Live sessions
	// refresh it on every heartbeat.
	SessionTTL = 1 * time.Hour
)

// Record is one live session as stored in Redis.
type Record struct {
	ConnectionID   string `redis:"id"`
	UserID         string `redis:"user_id"`
	ConversationID string `redis:"conversation_id"`
	Server         string `redis:"server"`      // which WS server instance
	CreatedAt      int64  `redis:"created_at"`  // unix timestamp
	LastActive     int64  `redis:"last_active"` // unix timestamp
}

// Store manages session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create registers a live session and indexes it under its user.
func (s *Store) Create(ctx context.Context, connID string, userID, conversationID uuid.UUID) error {
	key := SessionPrefix + connID
	userKey := UserSessionsPrefix + userID.String()
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":              connID,
		"user_id":         userID.String(),
		"conversation_id": conversationID.String(),
		"server":          s.serverName,
		"created_at":      now,
		"last_active":     now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, userKey, connID)
	pipe.Expire(ctx, userKey, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	key := SessionPrefix + connID
	var record Record
	if err := s.client.HGetAll(ctx, key).Scan(&record); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if record.ConnectionID == "" {
		return nil, nil // not found
	}
	return &record, nil
}

// Touch refreshes last_active and the TTLs of a live session.
func (s *Store) Touch(ctx context.Context, connID string, userID uuid.UUID) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", strconv.FormatInt(time.Now().Unix(), 10))
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, UserSessionsPrefix+userID.String(), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session and its entry in the user index.
func (s *Store) Delete(ctx context.Context, connID string, userID uuid.UUID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, SessionPrefix+connID)
	pipe.SRem(ctx, UserSessionsPrefix+userID.String(), connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}

// CountForUser returns how many live sessions userID holds across all
// instances.
func (s *Store) CountForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.client.SCard(ctx, UserSessionsPrefix+userID.String()).Result()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
