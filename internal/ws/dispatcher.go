package ws

import (
	"errors"
	"log/slog"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client frame.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.TypingMsg, protocol.ChatMsg).
type MessageHandler func(s *Session, msg any)

// MessageDispatcher routes inbound frames to registered handlers based on the
// frame type. It answers application-level pings itself.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *slog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(log *slog.Logger) *MessageDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log.With("component", "dispatcher"),
	}
}

// Register associates a MessageHandler with a frame type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and routes it. It returns an error only for malformed
// frames, after a best-effort error frame has been sent; the caller must
// terminate the session. Unknown types are logged and ignored.
func (d *MessageDispatcher) Dispatch(s *Session, data []byte) error {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if errors.Is(err, protocol.ErrUnknownType) {
		d.log.Warn("ignoring unknown frame type", "type", msgType, "session", s.ID)
		return nil
	}
	if err != nil {
		d.log.Info("malformed frame", "session", s.ID, "err", err)
		d.sendError(s, "malformed_frame", "invalid message format")
		return err
	}

	// Built-in ping handler, no registration required.
	if msgType == protocol.TypePing {
		d.sendPong(s)
		return nil
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Warn("no handler for frame type", "type", msgType, "session", s.ID)
		return nil
	}

	handler(s, msg)
	return nil
}

// sendError sends a structured error frame. Failures are logged, not
// propagated.
func (d *MessageDispatcher) sendError(s *Session, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		d.log.Error("build error frame", "session", s.ID, "err", err)
		return
	}

	if err := s.conn.WriteMessage(data); err != nil {
		d.log.Debug("send error frame", "session", s.ID, "err", err)
	}
}

func (d *MessageDispatcher) sendPong(s *Session) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.log.Error("build pong frame", "session", s.ID, "err", err)
		return
	}

	if err := s.conn.WriteMessage(data); err != nil {
		d.log.Debug("send pong frame", "session", s.ID, "err", err)
	}
}
