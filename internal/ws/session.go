package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/bus"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/metrics"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/protocol"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// errPeerClosed ends the reader after the client sent a close frame.
var errPeerClosed = errors.New("ws: closed by peer")

// Session serves one admitted connection bound to one conversation. It runs
// a reader and a writer; whichever returns first cancels the other and the
// session is torn down exactly once.
type Session struct {
	ID             string
	UserID         uuid.UUID
	ConversationID uuid.UUID

	srv   *Server
	conn  *Connection
	sub   *bus.Subscription
	log   *slog.Logger
	state atomic.Int32

	stopOnce sync.Once
	closedAt time.Time // set once by stop
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// run drives the session until both duties have returned, then tears it down.
func (s *Session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if !s.transition(StateConnecting, StateActive) {
		return
	}

	stop := func(duty string, err error) {
		s.stopOnce.Do(func() {
			s.transition(StateActive, StateClosing)
			s.closedAt = time.Now()
			s.logExit(duty, err)

			if parent.Err() != nil {
				_ = s.conn.writeClose(ws.StatusGoingAway, "server shutting down")
			}
			cancel()
			s.conn.Close()
		})
	}

	hello, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConversationID: s.ConversationID,
		UserID:         s.UserID,
	})
	if err == nil {
		err = s.conn.WriteMessage(hello)
	}
	if err != nil {
		stop("handshake", err)
		s.teardown()
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stop("reader", s.readLoop(ctx))
	}()
	go func() {
		defer wg.Done()
		stop("writer", s.writeLoop(ctx))
	}()
	wg.Wait()

	s.teardown()
}

func (s *Session) logExit(duty string, err error) {
	switch {
	case err == nil, errors.Is(err, errPeerClosed), errors.Is(err, context.Canceled):
		s.log.Info("session ending", "duty", duty, "reason", err)
	case errors.Is(err, protocol.ErrMalformed):
		s.log.Warn("session ending on protocol error", "duty", duty, "err", err)
	default:
		s.log.Info("session ending on transport error", "duty", duty, "err", err)
	}
}

// teardown releases everything the session holds. It runs once, after both
// duties have returned.
func (s *Session) teardown() {
	s.sub.Unsubscribe()
	metrics.BusSubscribers.Dec()

	s.srv.presence.SetOffline(context.Background(), s.UserID, s.closedAt)

	if s.srv.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.srv.registry.Delete(ctx, s.ID, s.UserID); err != nil {
			s.log.Warn("registry delete failed", "err", err)
		}
		cancel()
	}

	s.srv.conns.Remove(s.ID)
	metrics.ConnectionsActive.Dec()

	s.state.Store(int32(StateClosed))
	s.log.Info("session closed", "lifetime", time.Since(s.conn.CreatedAt).Round(time.Millisecond))
}

// readLoop reads frames until the peer closes, the transport fails, the idle
// deadline passes, or a malformed frame arrives.
func (s *Session) readLoop(ctx context.Context) error {
	idle := s.srv.config.Heartbeat.IdleDeadline()
	limit := s.srv.config.MaxMessageSize

	rd := &wsutil.Reader{
		Source:       s.conn.src,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: limit,
	}
	rd.OnIntermediate = func(hdr ws.Header, r io.Reader) error {
		return s.handleControl(hdr, r)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if idle > 0 {
			_ = s.conn.Conn.SetReadDeadline(time.Now().Add(idle))
		}

		hdr, err := rd.NextFrame()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		if hdr.OpCode.IsControl() {
			if err := s.handleControl(hdr, rd); err != nil {
				return err
			}
			continue
		}

		if hdr.OpCode != ws.OpText {
			// Binary frames carry nothing in this protocol.
			if err := rd.Discard(); err != nil {
				return fmt.Errorf("discard frame: %w", err)
			}
			continue
		}

		var buf bytes.Buffer
		src := io.Reader(rd)
		if limit > 0 {
			src = io.LimitReader(rd, limit+1)
		}
		if _, err := buf.ReadFrom(src); err != nil {
			if errors.Is(err, wsutil.ErrInvalidUTF8) {
				return fmt.Errorf("%w: invalid utf-8", protocol.ErrMalformed)
			}
			return fmt.Errorf("read payload: %w", err)
		}
		if limit > 0 && int64(buf.Len()) > limit {
			return fmt.Errorf("%w: message exceeds %d bytes", protocol.ErrMalformed, limit)
		}

		if err := s.srv.dispatcher.Dispatch(s, buf.Bytes()); err != nil {
			return err
		}
	}
}

// handleControl answers pings and close frames. Pongs only prove liveness,
// which the read deadline refresh already records.
func (s *Session) handleControl(hdr ws.Header, r io.Reader) error {
	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("read control frame: %w", err)
		}
	}

	switch hdr.OpCode {
	case ws.OpPing:
		if err := s.conn.writePong(payload); err != nil {
			return fmt.Errorf("write pong: %w", err)
		}
	case ws.OpClose:
		code, _ := ws.ParseCloseFrameData(payload)
		if code == 0 {
			code = ws.StatusNormalClosure
		}
		_ = s.conn.writeClose(code, "")
		return errPeerClosed
	}
	return nil
}

// writeLoop forwards bus events for the session's conversation and sends
// heartbeat pings while the bus is quiet.
func (s *Session) writeLoop(ctx context.Context) error {
	interval := s.srv.config.Heartbeat.Interval
	nextPing := time.Now().Add(interval)

	for {
		rctx, rcancel := ctx, context.CancelFunc(func() {})
		if interval > 0 {
			rctx, rcancel = context.WithDeadline(ctx, nextPing)
		}
		ev, err := s.sub.Receive(rctx)
		rcancel()

		var lagged *bus.LaggedError
		switch {
		case err == nil:
		case errors.As(err, &lagged):
			metrics.EventsSkipped.Add(float64(lagged.Skipped))
			s.log.Warn("subscriber lagged", "skipped", lagged.Skipped)
			continue
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := s.conn.WritePing(); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
			s.touch()
			nextPing = time.Now().Add(interval)
			continue
		default:
			return err
		}

		if ev.ConversationID != s.ConversationID {
			continue
		}

		frame, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{Data: ev.Payload})
		if err != nil {
			s.log.Error("dropping unencodable event", "err", err)
			continue
		}
		if err := s.conn.WriteMessage(frame); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		metrics.EventsDelivered.Inc()
	}
}

func (s *Session) touch() {
	if s.srv.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.srv.registry.Touch(ctx, s.ID, s.UserID); err != nil {
		s.log.Debug("registry touch failed", "err", err)
	}
}
