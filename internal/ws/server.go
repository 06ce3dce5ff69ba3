// Package ws handles WebSocket connection management: admitting and upgrading
// HTTP requests, running one Session per accepted connection, and fanning
// chat events from the bus out to the sessions bound to each conversation.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/admission"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/bus"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          // address to listen on, e.g. ":8080"
	MaxConnections int             // hard cap on live sessions, 0 for none
	MaxMessageSize int64           // largest accepted inbound message in bytes
	ReadTimeout    time.Duration   // timeout for reading request headers
	WriteTimeout   time.Duration   // timeout for each WebSocket write
	Heartbeat      HeartbeatConfig // ping cadence and idle deadline
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		MaxMessageSize: 64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Admitter decides whether an upgrade request may proceed.
type Admitter interface {
	Admit(ctx context.Context, r *http.Request) (admission.Grant, error)
}

// PresenceTracker records session lifecycle transitions. Implementations
// must not block for long and must not fail.
type PresenceTracker interface {
	SetOnline(ctx context.Context, userID uuid.UUID)
	SetOffline(ctx context.Context, userID uuid.UUID, at time.Time)
}

// Registry is the shared record of live sessions.
type Registry interface {
	Create(ctx context.Context, connID string, userID, conversationID uuid.UUID) error
	Touch(ctx context.Context, connID string, userID uuid.UUID) error
	Delete(ctx context.Context, connID string, userID uuid.UUID) error
}

// Options are the collaborators of a Server. Registry, Dispatcher and Logger
// are optional.
type Options struct {
	Admitter   Admitter
	Bus        *bus.Bus
	Presence   PresenceTracker
	Registry   Registry
	Dispatcher *MessageDispatcher
	Logger     *slog.Logger
}

// Server accepts WebSocket upgrades and owns the resulting sessions.
type Server struct {
	config     ServerConfig
	conns      *ConnectionManager
	admitter   Admitter
	bus        *bus.Bus
	presence   PresenceTracker
	registry   Registry
	dispatcher *MessageDispatcher
	log        *slog.Logger

	httpServer *http.Server
	ctx        context.Context // parent of every session
	cancel     context.CancelFunc
	mu         sync.Mutex // orders sessions.Add against Shutdown
	sessions   sync.WaitGroup
	closing    atomic.Bool
	startedAt  time.Time // server start time for uptime calculation
}

// NewServer creates a Server. Sessions run until their client leaves or
// Shutdown is called.
func NewServer(config ServerConfig, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ws")

	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = NewMessageDispatcher(log)
		dispatcher.RegisterDefaults()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		admitter:   opts.Admitter,
		bus:        opts.Bus,
		presence:   opts.Presence,
		registry:   opts.Registry,
		dispatcher: dispatcher,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		startedAt:  time.Now(),
	}
}

// Start serves handler on the configured address and blocks until the
// listener stops. handler is expected to route to HandleUpgrade and
// HandleHealth.
func (s *Server) Start(handler http.Handler) error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	s.log.Info("server listening",
		"addr", s.config.ListenAddr,
		"max_conns", s.config.MaxConnections,
		"heartbeat", s.config.Heartbeat.Interval)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// HandleUpgrade admits the request, upgrades it and starts a Session. Every
// rejection is answered with a plain HTTP status before any session state
// exists.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		s.reject(w, &admission.Error{Kind: admission.Overloaded, Err: errors.New("shutting down")})
		return
	}
	if max := s.config.MaxConnections; max > 0 && s.conns.Count() >= max {
		s.reject(w, &admission.Error{Kind: admission.Overloaded, Err: errors.New("too many connections")})
		return
	}

	grant, err := s.admitter.Admit(r.Context(), r)
	if err != nil {
		s.reject(w, err)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Info("upgrade failed", "user_id", grant.UserID, "err", err)
		return
	}

	var src io.Reader = conn
	if rw != nil && rw.Reader.Buffered() > 0 {
		src = io.MultiReader(io.LimitReader(rw.Reader, int64(rw.Reader.Buffered())), conn)
	}

	connID := uuid.NewString()
	sess := &Session{
		ID:             connID,
		UserID:         grant.UserID,
		ConversationID: grant.ConversationID,
		srv:            s,
		conn:           newConnection(connID, conn, src, s.config.WriteTimeout),
		log: s.log.With(
			"session", connID,
			"user_id", grant.UserID,
			"conversation_id", grant.ConversationID,
		),
	}

	// Subscribe before the confirmation frame so that nothing published after
	// the client sees "connected" is missed.
	sess.sub = s.bus.Subscribe()
	metrics.BusSubscribers.Inc()

	s.presence.SetOnline(r.Context(), grant.UserID)

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 3*time.Second)
		if err := s.registry.Create(ctx, connID, grant.UserID, grant.ConversationID); err != nil {
			sess.log.Warn("registry create failed", "err", err)
		}
		cancel()
	}

	s.conns.Add(sess.conn)
	metrics.ConnectionsActive.Inc()
	sess.log.Info("session opened", "total", s.conns.Count())

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		// Shutdown began after admission; s.ctx is or will shortly be
		// cancelled, so this returns once the session is torn down.
		sess.run(s.ctx)
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.sessions.Done()
		sess.run(s.ctx)
	}()
}

func (s *Server) reject(w http.ResponseWriter, err error) {
	var ae *admission.Error
	if !errors.As(err, &ae) {
		ae = &admission.Error{Kind: admission.Unavailable, Err: err}
	}
	metrics.AdmissionRejections.WithLabelValues(ae.Kind.String()).Inc()
	s.log.Info("upgrade rejected", "reason", ae.Kind.String(), "err", ae.Err)

	code := ae.StatusCode()
	http.Error(w, http.StatusText(code), code)
}

// HandleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "ok"
	code := http.StatusOK
	if s.closing.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Subscribers int    `json:"subscribers"`
		Uptime      string `json:"uptime"`
	}{
		Status:      status,
		Connections: s.conns.Count(),
		Subscribers: s.bus.Len(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting upgrades, cancels every session and waits for
// their teardown or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	already := s.closing.Swap(true)
	s.mu.Unlock()
	if already {
		return nil
	}
	s.log.Info("shutting down server")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown error", "err", err)
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("server stopped, all sessions closed")
		return nil
	case <-ctx.Done():
		for _, c := range s.conns.All() {
			c.Close()
		}
		return fmt.Errorf("ws: shutdown: %w", ctx.Err())
	}
}
