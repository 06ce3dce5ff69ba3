// Package chatapi serves the HTTP side of the chat: the authoritative
// send-message path, which persists a message and then publishes it to live
// sessions, and the presence read endpoint.
package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/bus"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/presence"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/ratelimit"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/store"
)

// MaxBodyBytes bounds a send-message request body.
const MaxBodyBytes = 16 << 10

// MessageStore is the persistence the handler needs.
type MessageStore interface {
	IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	CreateMessage(ctx context.Context, msg store.NewMessage) (store.Message, error)
}

// CredentialValidator resolves a bearer credential to a user.
type CredentialValidator interface {
	Validate(token string) (uuid.UUID, error)
}

// Limiter throttles sends per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Options are the collaborators of a Handler. Limiter and Logger are
// optional.
type Options struct {
	Store       MessageStore
	Publisher   bus.Publisher
	Credentials CredentialValidator
	Presence    presence.Reader
	Limiter     Limiter
	Rule        ratelimit.Rule
	Logger      *slog.Logger
}

// Handler serves the chat HTTP API.
type Handler struct {
	store     MessageStore
	publisher bus.Publisher
	creds     CredentialValidator
	presence  presence.Reader
	limiter   Limiter
	rule      ratelimit.Rule
	log       *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		store:     opts.Store,
		publisher: opts.Publisher,
		creds:     opts.Credentials,
		presence:  opts.Presence,
		limiter:   opts.Limiter,
		rule:      opts.Rule,
		log:       log.With("component", "chatapi"),
	}
}

// Routes registers the API on r.
func (h *Handler) Routes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/chats/{chat_id}/messages", h.SendMessage).Methods(http.MethodPost)
	api.HandleFunc("/users/{user_id}/presence", h.GetPresence).Methods(http.MethodGet)
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

func (h *Handler) authenticate(r *http.Request) (uuid.UUID, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return uuid.Nil, false
	}
	userID, err := h.creds.Validate(token)
	if err != nil {
		return uuid.Nil, false
	}
	return userID, true
}

// SendMessage persists a message and, only once that succeeded, publishes it
// to live sessions. A publish failure does not fail the request: the message
// is stored and clients will see it on their next fetch.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if h.limiter != nil {
		if allowed, _ := h.limiter.Allow(ctx, userID.String(), h.rule); !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	chatID, err := uuid.Parse(mux.Vars(r)["chat_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	var req sendMessageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	member, err := h.store.IsMember(ctx, chatID, userID)
	if err != nil {
		h.log.Error("membership lookup failed", "chat_id", chatID, "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a participant of this chat")
		return
	}

	msg, err := h.store.CreateMessage(ctx, store.NewMessage{
		ChatID:      chatID,
		SenderID:    userID,
		Content:     req.Content,
		MessageType: req.MessageType,
		ReplyTo:     req.ReplyTo,
	})
	if err != nil {
		h.log.Error("persist message failed", "chat_id", chatID, "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode message failed", "message_id", msg.ID, "err", err)
	} else if err := h.publisher.Publish(ctx, chatID, payload); err != nil {
		h.log.Warn("publish failed", "message_id", msg.ID, "chat_id", chatID, "err", err)
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: msg})
}

// GetPresence returns a user's online flag and last-seen time.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(r); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	userID, err := uuid.Parse(mux.Vars(r)["user_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	p, err := h.presence.Get(r.Context(), userID)
	if errors.Is(err, presence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.log.Error("presence lookup failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	p.UserID = userID

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: p})
}
