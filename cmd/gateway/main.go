package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nullspace-games/casino-gateway/internal/admission"
	"github.com/nullspace-games/casino-gateway/internal/auth"
	"github.com/nullspace-games/casino-gateway/internal/backend"
	"github.com/nullspace-games/casino-gateway/internal/broadcast"
	"github.com/nullspace-games/casino-gateway/internal/config"
	"github.com/nullspace-games/casino-gateway/internal/dispatch"
	"github.com/nullspace-games/casino-gateway/internal/forwarder"
	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
	"github.com/nullspace-games/casino-gateway/internal/metrics"
	"github.com/nullspace-games/casino-gateway/internal/nonce"
	"github.com/nullspace-games/casino-gateway/internal/presence"
	"github.com/nullspace-games/casino-gateway/internal/session"
	"github.com/nullspace-games/casino-gateway/internal/shutdown"
	"github.com/nullspace-games/casino-gateway/internal/updates"
	"github.com/nullspace-games/casino-gateway/internal/ws"
)

const (
	closeGoingAway = 1001

	sessionReapEvery   = 30 * time.Second
	streamBackoffMin   = time.Second
	streamBackoffMax   = 30 * time.Second
	healthProbeTimeout = 2 * time.Second
	faucetDefault      = 1000
)

func main() {
	log, _ := zap.NewProduction()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if !cfg.IsProduction() {
		log, _ = zap.NewDevelopment()
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (optional; snapshots and creation limits degrade without it) ────
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, running without snapshots and session-creation limits",
				zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
	}

	// ── Backend client ────────────────────────────────────────────────────────
	engine := backend.NewClient(cfg.Backend.SubmitURL, cfg.Backend.RequestTimeout())

	// ── Core state ────────────────────────────────────────────────────────────
	sessions := session.NewManager(cfg.Session.TTL(), log)
	nonces := nonce.NewManager(log)
	if rdb != nil {
		nonce.Restore(ctx, rdb, nonces, log)
	}

	store := forwarder.NewStore(cfg.Forwarder.IdempotencyTTL())
	fwd := forwarder.New(store, engine, forwarder.RetryConfig{
		MaxRetries:     cfg.Forwarder.MaxRetries,
		InitialBackoff: cfg.Forwarder.InitialBackoff(),
		Multiplier:     cfg.Forwarder.BackoffMultiplier,
		MaxBackoff:     cfg.Forwarder.MaxBackoff(),
	}, log)

	refresher := session.NewRefresher(sessions, engine, nonces, cfg.Backend.RequestTimeout(), log)
	router := broadcast.NewRouter(log)
	waiters := updates.NewWaiters()
	tracker := presence.NewTracker(sessions, log)
	limiter := admission.NewConnLimiter(cfg.Limits.MaxConnsPerIP, cfg.Limits.MaxTotalSessions)
	coord := shutdown.New(log)

	disp := dispatch.New(dispatch.Config{
		Namespace:       cfg.Backend.Namespace,
		EventTimeout:    cfg.Session.EventTimeout(),
		FaucetDefault:   faucetDefault,
		SessionsPerHour: cfg.Limits.SessionsPerIPHour,
		Bucket: admission.MessageBucketConfig{
			MaxMessages: cfg.Limits.SessionRatePoints,
			Window:      cfg.Limits.SessionRateWindow(),
			Block:       cfg.Limits.SessionBlock(),
		},
	}, dispatch.Deps{
		Sessions:  sessions,
		Nonces:    nonces,
		Refresher: refresher,
		Forwarder: fwd,
		Store:     store,
		Backend:   engine,
		Router:    router,
		Waiters:   waiters,
		Presence:  tracker,
		Limiter:   limiter,
		Redis:     rdb,
		Drain:     coord,
	}, log)

	// ── WebSocket frontend ────────────────────────────────────────────────────
	trusted, err := admission.ParseTrustedProxies(cfg.ProxyCIDRs())
	if err != nil {
		log.Fatal("trusted proxy config invalid", zap.Error(err))
	}

	hub := ws.New(ws.Config{
		Origins:        admission.NewOriginPolicy(cfg.Origins(), cfg.Server.AllowNoOrigin),
		TrustedProxies: trusted,
	}, ws.Callbacks{
		OnConnect: func(c *ws.Client) error { return disp.Connect(ctx, c) },
		OnMessage: func(c *ws.Client, raw []byte) { disp.HandleMessage(ctx, c, raw) },
		OnClose:   func(c *ws.Client) { disp.Disconnect(c) },
	}, log)

	stream := updates.NewSubscriber(updates.Config{
		URL:            cfg.Backend.StreamURL + "/updates",
		InitialBackoff: streamBackoffMin,
		MaxBackoff:     streamBackoffMax,
	}, sessions, router, hub, waiters, log)

	// ── Metrics ───────────────────────────────────────────────────────────────
	gauges := metrics.New(metrics.Sources{
		Dispatcher: disp,
		Forwarder:  fwd,
		Stream:     stream,
		Sessions:   sessions,
		Nonces:     nonces,
		Limiter:    limiter,
		Router:     router,
		Sockets:    hub,
	})
	reg := metrics.NewRegistry()
	gauges.Register(reg)

	// ── Goroutines ────────────────────────────────────────────────────────────
	go router.Run(ctx, cfg.Broadcast.FlushInterval())
	go tracker.Run(ctx, cfg.Presence.ClockInterval(), cfg.Presence.Interval())
	go refresher.Run(ctx, cfg.Session.RefreshInterval())
	go stream.Run(ctx)
	go forwarder.RunSweeper(ctx, store, cfg.Forwarder.SweepInterval(), log)
	go nonce.RunReaper(ctx, nonces, log)
	if rdb != nil {
		go nonce.RunSnapshotter(ctx, cfg.Nonce.SnapshotInterval(), rdb, nonces, log)
	}
	go sessions.RunReaper(ctx, sessionReapEvery, func(s *session.Session) {
		evict(hub, s.SocketID)
	})

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/livez", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	health := healthHandler(coord, engine)
	r.GET("/healthz", health)
	r.GET("/readyz", health)

	ops := r.Group("/", auth.MetricsToken(cfg.Server.MetricsAuthToken, cfg.Server.Env, log))
	ops.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gauges.Snapshot())
	})
	ops.GET("/metrics/prom", gin.WrapH(metrics.Handler(reg)))

	r.GET("/ws", gin.WrapF(hub.Handle))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("gateway listening", zap.Int("port", cfg.Server.Port), zap.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	// Further signals land in the buffered channel and are ignored; Begin
	// is CASed so the drain sequence runs once.
	coord.Begin()
	coord.Await(ctx, cfg.Server.DrainTimeout(), sessions.ActiveGameCount)

	sessions.Each(func(s *session.Session) {
		evict(hub, s.SocketID)
	})
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// healthHandler serves both /healthz and /readyz: draining reports first so
// load balancers pull the instance within one probe, then the backend is
// checked with a short timeout.
func healthHandler(coord *shutdown.Coordinator, engine *backend.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if coord.Draining() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		probe, done := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
		defer done()
		if err := engine.Health(probe); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// evict tells one socket its session is gone, then closes it. Used for both
// idle-TTL expiry and drain; socket teardown runs the usual disconnect path,
// which removes the session and its subscriptions.
func evict(hub *ws.Server, socketID string) {
	msg, err := json.Marshal(map[string]any{
		"type":    "error",
		"code":    gwerrors.CodeSessionExpired,
		"message": "session expired",
	})
	if err == nil {
		hub.SendTo(socketID, msg)
	}
	hub.CloseSocket(socketID, closeGoingAway, "session expired")
}
