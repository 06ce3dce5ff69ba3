package ws

import (
	"github.com/Cameroon-Developer-Network/cam-chat/internal/protocol"
)

// RegisterDefaults installs the standard inbound handlers. Typing signals and
// chat frames on the live channel are observational only: they are logged and
// never fanned out or persisted. Messages are sent through the HTTP API.
func (d *MessageDispatcher) RegisterDefaults() {
	d.Register(protocol.TypeTyping, handleTyping)
	d.Register(protocol.TypeMessage, handleChatFrame)
}

func handleTyping(s *Session, msg any) {
	m := msg.(protocol.TypingMsg)
	typing := true
	if m.IsTyping != nil {
		typing = *m.IsTyping
	}
	s.log.Debug("typing", "is_typing", typing)
}

func handleChatFrame(s *Session, msg any) {
	m := msg.(protocol.ChatMsg)
	s.log.Info("chat frame acknowledged", "content_len", len(m.Content))
}
