package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/admission"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/auth"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/bus"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/chatapi"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/config"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/messaging"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/metrics"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/presence"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/ratelimit"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/session"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/store"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/ws"
)

func main() {
	if err := run(); err != nil {
		slog.Error("wsserver exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	// --- Redis (optional) ---
	// Without Redis the server runs with no session registry, no rate limits
	// and no presence cache.
	var (
		registry ws.Registry
		limiter  *ratelimit.Limiter
		cache    presence.Cache
	)
	sessions, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Warn("redis unavailable, running without registry and rate limits", "addr", cfg.RedisAddr, "err", err)
	} else {
		defer sessions.Close()
		registry = sessions
		limiter = ratelimit.NewLimiter(sessions.Client(), log)
		cache = presence.NewRedisCache(sessions.Client())
	}

	// --- Event bus and publisher ---
	events := bus.New(cfg.BusCapacity)
	var publisher bus.Publisher = bus.NewLocalPublisher(events)
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = cfg.ServerName
		nc, err := messaging.NewNATSClient(natsCfg, log)
		if err != nil {
			return err
		}
		defer nc.Close()

		bridge := messaging.NewBridge(nc, events, log)
		if err := bridge.Start(); err != nil {
			return fmt.Errorf("bridge start: %w", err)
		}
		defer bridge.Stop()
		publisher = bridge
	}

	tracker := presence.NewTracker(db, cache, presence.Options{RefCount: cfg.PresenceRefCount}, log)
	tokens := auth.NewValidator([]byte(cfg.JWTSecret))

	var connectLimiter admission.ConnectLimiter
	var messageLimiter chatapi.Limiter
	if limiter != nil {
		connectLimiter = limiter
		messageLimiter = limiter
	}
	admitter := admission.NewAdmitter(tokens, db, connectLimiter,
		ratelimit.RuleConnect.WithLimit(cfg.ConnectRateLimit, cfg.ConnectRateWindow), log)

	wsCfg := ws.DefaultServerConfig()
	wsCfg.ListenAddr = cfg.ListenAddr
	wsCfg.MaxConnections = cfg.MaxConnections
	wsCfg.MaxMessageSize = cfg.MaxMessageSize
	wsCfg.ReadTimeout = cfg.ReadTimeout
	wsCfg.WriteTimeout = cfg.WriteTimeout
	wsCfg.Heartbeat = ws.HeartbeatConfig{Interval: cfg.HeartbeatInterval, Timeout: cfg.HeartbeatTimeout}

	srv := ws.NewServer(wsCfg, ws.Options{
		Admitter: admitter,
		Bus:      events,
		Presence: tracker,
		Registry: registry,
		Logger:   log,
	})

	api := chatapi.NewHandler(chatapi.Options{
		Store:       db,
		Publisher:   publisher,
		Credentials: tokens,
		Presence:    tracker,
		Limiter:     messageLimiter,
		Rule:        ratelimit.RuleMessage.WithLimit(cfg.MessageRateLimit, cfg.MessageRateWindow),
		Logger:      log,
	})

	r := mux.NewRouter()
	r.HandleFunc("/ws/{conversation_id}", srv.HandleUpgrade).Methods(http.MethodGet)
	r.HandleFunc("/health", srv.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	api.Routes(r)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(r)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
