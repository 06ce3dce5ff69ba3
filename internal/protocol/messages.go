// Package protocol defines the WebSocket frames exchanged between a chat
// client and the delivery layer. All frames are JSON objects carrying a
// "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeTyping  = "typing"
	TypeMessage = "message"
	TypePing    = "ping"
)

// Server -> Client frame types.
const (
	TypeConnected = "connected"
	TypeError     = "error"
	TypePong      = "pong"
)

var (
	// ErrMalformed marks a frame that is not valid JSON, lacks a type, or
	// fails validation. A session receiving one terminates.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrUnknownType marks a well-formed frame whose type is not recognised.
	// It is not fatal.
	ErrUnknownType = errors.New("protocol: unknown frame type")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// TypingMsg signals that the client is composing a message.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping *bool  `json:"is_typing,omitempty"`
}

// ChatMsg is a message typed into the live channel. It is only acknowledged;
// durable sends go through the HTTP API.
type ChatMsg struct {
	Type    string `json:"type"`
	Content string `json:"content" validate:"max=4096"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// ConnectedMsg confirms a successful upgrade.
type ConnectedMsg struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
}

// ServerChatMsg carries one persisted chat message. Data is forwarded
// byte-for-byte from the bus.
type ServerChatMsg struct {
	Data json.RawMessage `json:"data"`
}

// ErrorMsg is sent before the server closes a session because of a bad frame.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes raw WebSocket bytes into a typed client frame.
// Errors wrap ErrMalformed or ErrUnknownType; for the latter the type string
// is still returned.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg any
		err error
	)

	switch env.Type {
	case TypeTyping:
		var m TypingMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = decode(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: %q payload: %v", ErrMalformed, env.Type, err)
	}
	return env.Type, msg, nil
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	return validate.Struct(v)
}

// NewServerMessage marshals payload and injects msgType under the "type"
// key. The payload must marshal to a JSON object.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	if len(raw) < 2 || raw[0] != '{' {
		return nil, fmt.Errorf("protocol: payload for %q is not an object", msgType)
	}

	typ, err := json.Marshal(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}

	// Splice rather than round-trip through a map so that forwarded
	// payloads keep their exact bytes.
	out := make([]byte, 0, len(raw)+len(typ)+9)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(raw) > 2 {
		out = append(out, ',')
	}
	out = append(out, raw[1:]...)
	return out, nil
}
