// Package store is the Postgres persistence adapter for conversations,
// memberships, messages and presence rows.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/presence"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a Postgres connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies all pending up migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsMember reports whether userID participates in conversationID.
func (s *Store) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("store: membership %s/%s: %w", conversationID, userID, err)
	}
	return ok, nil
}

// SetPresence updates the presence columns of a user row.
func (s *Store) SetPresence(ctx context.Context, userID uuid.UUID, online bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1`,
		userID, online, at,
	)
	if err != nil {
		return fmt.Errorf("store: set presence %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: set presence %s: %w", userID, ErrNotFound)
	}
	return nil
}

// GetPresence reads the presence columns of a user row.
func (s *Store) GetPresence(ctx context.Context, userID uuid.UUID) (presence.Presence, error) {
	p := presence.Presence{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT is_online, last_seen FROM users WHERE id = $1`, userID,
	).Scan(&p.IsOnline, &p.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return presence.Presence{}, presence.ErrNotFound
	}
	if err != nil {
		return presence.Presence{}, fmt.Errorf("store: get presence %s: %w", userID, err)
	}
	return p, nil
}
