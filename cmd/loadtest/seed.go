package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/auth"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/loadtest/stats"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/store"
)

// fixture is a seeded conversation and a bearer token per member.
type fixture struct {
	conversation uuid.UUID
	users        []uuid.UUID
	tokens       []string
}

// seedConversation creates n users sharing one conversation.
func seedConversation(ctx context.Context, n int) (fixture, error) {
	_ = godotenv.Load()
	dsn, secret := os.Getenv("DATABASE_URL"), os.Getenv("JWT_SECRET")
	if dsn == "" || secret == "" {
		return fixture{}, errors.New("DATABASE_URL and JWT_SECRET must be set")
	}

	db, err := store.Open(ctx, dsn)
	if err != nil {
		return fixture{}, err
	}
	defer db.Close()

	run := uuid.NewString()[:8]
	f := fixture{users: make([]uuid.UUID, 0, n), tokens: make([]string, 0, n)}
	for i := range n {
		id, err := db.CreateUser(ctx, fmt.Sprintf("lt-%s-%d@loadtest.local", run, i), fmt.Sprintf("lt-%d", i))
		if err != nil {
			return fixture{}, err
		}
		f.users = append(f.users, id)
	}
	f.conversation, err = db.CreateChat(ctx, "loadtest-"+run, f.users[0], f.users[1:]...)
	if err != nil {
		return fixture{}, err
	}

	tokens := auth.NewValidator([]byte(secret))
	for _, id := range f.users {
		tok, err := tokens.Issue(id, 24*time.Hour)
		if err != nil {
			return fixture{}, err
		}
		f.tokens = append(f.tokens, tok)
	}
	return f, nil
}

// recordDialError files err as a refusal when the server answered with a
// status, and as a plain error otherwise.
func recordDialError(c *stats.Collector, err error) {
	var status ws.StatusError
	if errors.As(err, &status) {
		c.AddRejected(int(status))
		return
	}
	c.AddError()
}
