package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateUser inserts a user and returns its id.
func (s *Store) CreateUser(ctx context.Context, email, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (email, name) VALUES ($1, $2) RETURNING id`,
		email, name,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create user %s: %w", email, err)
	}
	return id, nil
}

// CreateChat inserts a conversation created by creator with the given
// members. creator is always a member.
func (s *Store) CreateChat(ctx context.Context, name string, creator uuid.UUID, members ...uuid.UUID) (uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var id uuid.UUID
	err = tx.QueryRowContext(ctx,
		`INSERT INTO chats (name, is_group, created_by) VALUES ($1, $2, $3) RETURNING id`,
		name, len(members) > 1, creator,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create chat: %w", err)
	}

	seen := map[uuid.UUID]bool{}
	for _, m := range append([]uuid.UUID{creator}, members...) {
		if seen[m] {
			continue
		}
		seen[m] = true
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2)`, id, m,
		); err != nil {
			return uuid.Nil, fmt.Errorf("store: add participant %s: %w", m, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}
