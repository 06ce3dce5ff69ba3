package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types accepted by the messages.message_type enum.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
	MessageTypeAudio = "audio"
	MessageTypeVideo = "video"
)

// NewMessage is the input to CreateMessage.
type NewMessage struct {
	ChatID      uuid.UUID
	SenderID    uuid.UUID
	Content     string
	MessageType string
	ReplyTo     *uuid.UUID
}

// Sender is the public profile embedded in a delivered message.
type Sender struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	AvatarURL *string   `json:"avatar_url"`
}

// Message is a persisted chat message in the shape delivered to clients.
type Message struct {
	ID          uuid.UUID  `json:"id"`
	ChatID      uuid.UUID  `json:"chat_id"`
	Sender      Sender     `json:"sender"`
	Content     string     `json:"content"`
	MessageType string     `json:"message_type"`
	ReplyTo     *uuid.UUID `json:"reply_to"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateMessage inserts msg, resolves the sender profile and bumps the chat's
// updated_at in a single transaction.
func (s *Store) CreateMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if msg.MessageType == "" {
		msg.MessageType = MessageTypeText
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var replyTo uuid.NullUUID
	if msg.ReplyTo != nil {
		replyTo = uuid.NullUUID{UUID: *msg.ReplyTo, Valid: true}
	}

	out := Message{
		ID:          uuid.New(),
		ChatID:      msg.ChatID,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		ReplyTo:     msg.ReplyTo,
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, message_type, reply_to, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::message_type, $6, NOW(), NOW())
		 RETURNING created_at`,
		out.ID, msg.ChatID, msg.SenderID, msg.Content, msg.MessageType, replyTo,
	).Scan(&out.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("store: insert message: %w", err)
	}

	var avatar sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT id, name, avatar_url FROM users WHERE id = $1`, msg.SenderID,
	).Scan(&out.Sender.ID, &out.Sender.Name, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("store: sender %s: %w", msg.SenderID, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("store: sender %s: %w", msg.SenderID, err)
	}
	if avatar.Valid {
		out.Sender.AvatarURL = &avatar.String
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = NOW() WHERE id = $1`, msg.ChatID,
	); err != nil {
		return Message{}, fmt.Errorf("store: touch chat %s: %w", msg.ChatID, err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("store: commit: %w", err)
	}
	return out, nil
}
