// Package dispatch routes parsed client messages to their handlers. It owns
// the connection lifecycle between admission and teardown: one dispatcher
// serves every socket, processing each socket's messages in arrival order
// while long-running handlers only ever block their own session.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nullspace-games/casino-gateway/internal/admission"
	"github.com/nullspace-games/casino-gateway/internal/backend"
	"github.com/nullspace-games/casino-gateway/internal/broadcast"
	"github.com/nullspace-games/casino-gateway/internal/codec"
	"github.com/nullspace-games/casino-gateway/internal/forwarder"
	"github.com/nullspace-games/casino-gateway/internal/games"
	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
	"github.com/nullspace-games/casino-gateway/internal/nonce"
	"github.com/nullspace-games/casino-gateway/internal/presence"
	"github.com/nullspace-games/casino-gateway/internal/session"
	"github.com/nullspace-games/casino-gateway/internal/updates"
)

// WebSocket close codes used when the gateway refuses or evicts a connection.
const (
	closePolicyViolation = 1008
	closeInternalError   = 1011
	closeTryAgainLater   = 1013
)

const onboardTimeout = 10 * time.Second

var errDraining = errors.New("connection refused while draining")

// Conn is the transport-side view of one client connection. *ws.Client
// satisfies it; tests use an in-memory fake. It is a superset of
// broadcast.Sink so a Conn can be handed to the router and the presence
// tracker directly.
type Conn interface {
	ID() string
	ClientIP() string
	IsOpen() bool
	Enqueue(msg []byte) error
	Close(code int, reason string)
}

// DrainChecker reports whether the process is shutting down and new
// connections should be refused.
type DrainChecker interface {
	Draining() bool
}

// Config carries the tunables of the message-handling layer.
type Config struct {
	// Namespace is the transaction signing domain. Empty selects the
	// backend's default.
	Namespace string
	// MaxFrameBytes is the largest accepted client frame.
	MaxFrameBytes int
	// EventTimeout bounds how long a handler waits for the backend's
	// confirmation event before replying best-effort.
	EventTimeout time.Duration
	// FaucetDefault is the chip amount claimed when the client names none.
	FaucetDefault uint64
	// SessionsPerHour caps session creation per client IP. Zero disables
	// the check.
	SessionsPerHour int
	// Bucket configures the per-connection message-rate bucket.
	Bucket admission.MessageBucketConfig
}

// Deps are the collaborating components a Dispatcher drives.
type Deps struct {
	Sessions  *session.Manager
	Nonces    *nonce.Manager
	Refresher *session.Refresher
	Forwarder *forwarder.Forwarder
	Store     *forwarder.Store
	Backend   *backend.Client
	Router    *broadcast.Router
	Waiters   *updates.Waiters
	Presence  *presence.Tracker
	Limiter   *admission.ConnLimiter
	Redis     *redis.Client
	Drain     DrainChecker
}

// Dispatcher parses inbound frames, enforces per-connection admission rules,
// and executes the protocol's operations against the backend.
type Dispatcher struct {
	cfg       Config
	namespace []byte
	log       *zap.Logger

	sessions  *session.Manager
	nonces    *nonce.Manager
	refresher *session.Refresher
	fwd       *forwarder.Forwarder
	store     *forwarder.Store
	backend   *backend.Client
	router    *broadcast.Router
	waiters   *updates.Waiters
	presence  *presence.Tracker
	limiter   *admission.ConnLimiter
	rdb       *redis.Client
	drain     DrainChecker

	bucketMetrics admission.BucketMetrics
	mu            sync.Mutex
	buckets       map[string]*admission.MessageBucket

	messages atomic.Uint64
	failures atomic.Uint64
}

// New builds a Dispatcher. Zero config fields fall back to conservative
// defaults.
func New(cfg Config, deps Deps, log *zap.Logger) *Dispatcher {
	if cfg.Namespace == "" {
		cfg.Namespace = codec.DefaultNamespace
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 << 10
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:       cfg,
		namespace: []byte(cfg.Namespace),
		log:       log,
		sessions:  deps.Sessions,
		nonces:    deps.Nonces,
		refresher: deps.Refresher,
		fwd:       deps.Forwarder,
		store:     deps.Store,
		backend:   deps.Backend,
		router:    deps.Router,
		waiters:   deps.Waiters,
		presence:  deps.Presence,
		limiter:   deps.Limiter,
		rdb:       deps.Redis,
		drain:     deps.Drain,
		buckets:   make(map[string]*admission.MessageBucket),
	}
}

// ── Connection lifecycle ────────────────────────────────────────────────────

// Connect admits a freshly upgraded connection: it enforces the per-IP and
// global caps, mints a session with its own signing key, and sends the
// session_ready and clock_sync hellos before the client joins the presence
// set. A non-nil return means the connection was refused and closed.
func (d *Dispatcher) Connect(ctx context.Context, c Conn) error {
	if d.drain != nil && d.drain.Draining() {
		c.Close(closeTryAgainLater, "service restarting")
		return errDraining
	}

	ip := c.ClientIP()
	if err := d.limiter.Register(ip, c.ID()); err != nil {
		d.writeError(c, err)
		c.Close(closePolicyViolation, string(gwerrors.As(err).Code))
		return err
	}
	if d.rdb != nil && d.cfg.SessionsPerHour > 0 &&
		!admission.AllowSessionCreate(ctx, d.rdb, ip, d.cfg.SessionsPerHour, d.log) {
		d.limiter.Unregister(ip, c.ID())
		err := gwerrors.New(gwerrors.CodeRateLimited, "too many sessions from this address")
		d.writeError(c, err)
		c.Close(closePolicyViolation, string(gwerrors.CodeRateLimited))
		return err
	}

	sess, err := d.sessions.Create(c.ID(), ip)
	if err != nil {
		d.limiter.Unregister(ip, c.ID())
		ge := gwerrors.Wrap(gwerrors.CodeInternalError, "session setup failed", err)
		d.writeError(c, ge)
		c.Close(closeInternalError, string(gwerrors.CodeInternalError))
		return ge
	}

	d.reply(c, sessionReadyMsg{ //nolint:errcheck
		Type:      "session_ready",
		SessionID: sess.ID,
		PublicKey: sess.PublicKeyHex,
	})
	c.Enqueue(d.presence.ClockSyncMessage()) //nolint:errcheck
	d.presence.Add(c)

	go d.onboard(c, sess)
	return nil
}

// onboard registers the session's signing key with the backend and pulls the
// first account snapshot. Runs off the connection path so a slow backend
// never delays the hello. On failure the socket stays up but unregistered:
// the client learns via the error envelope and every stateful operation
// keeps refusing until a later register succeeds.
func (d *Dispatcher) onboard(c Conn, sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), onboardTimeout)
	defer cancel()

	if _, err := d.submitSigned(ctx, sess, codec.EncodeRegister(), nil, ""); err != nil {
		d.log.Warn("account registration failed",
			zap.String("session", sess.ID),
			zap.Error(err),
		)
		d.writeError(c, gwerrors.Wrap(gwerrors.CodeRegistrationFailed, "account registration failed", err))
		return
	}
	sess.MarkRegistered()
	if err := d.refresher.Refresh(ctx, sess); err != nil {
		d.log.Warn("initial account refresh failed",
			zap.String("session", sess.ID),
			zap.Error(err),
		)
	}
}

// Disconnect tears down every trace of a departed connection: rate bucket,
// topic subscriptions, presence entry, connection slot, pending waiters,
// idempotency entries, nonce state, and the session itself.
func (d *Dispatcher) Disconnect(c Conn) {
	d.dropBucket(c.ID())
	d.router.Unsubscribe(c.ID())
	d.presence.Remove(c.ID())
	d.limiter.Unregister(c.ClientIP(), c.ID())

	sess, ok := d.sessions.BySocket(c.ID())
	if !ok {
		return
	}
	d.waiters.CancelPlayer(sess.PublicKeyHex)
	d.store.DropSession(sess.ID)
	d.nonces.Forget(sess.PublicKeyHex)
	d.sessions.Remove(sess.ID)
	d.log.Info("client disconnected",
		zap.String("session", sess.ID),
		zap.String("socket", c.ID()),
		zap.String("ip", c.ClientIP()),
	)
}

// ── Message handling ────────────────────────────────────────────────────────

// HandleMessage processes one inbound frame. Parse and validation failures
// produce an error envelope; the connection itself survives everything short
// of transport failure.
func (d *Dispatcher) HandleMessage(ctx context.Context, c Conn, raw []byte) {
	d.messages.Add(1)

	sess, ok := d.sessions.BySocket(c.ID())
	if !ok {
		d.log.Warn("message from socket without session", zap.String("socket", c.ID()))
		return
	}
	sess.Touch()

	if len(raw) > d.cfg.MaxFrameBytes {
		d.failures.Add(1)
		d.writeError(c, gwerrors.Newf(gwerrors.CodeInvalidMessage,
			"message exceeds %d bytes", d.cfg.MaxFrameBytes))
		return
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.failures.Add(1)
		d.writeError(c, gwerrors.Wrap(gwerrors.CodeInvalidMessage, "malformed JSON", err))
		return
	}
	if env.Type == "" {
		d.failures.Add(1)
		d.writeError(c, gwerrors.New(gwerrors.CodeInvalidMessage, "missing message type"))
		return
	}

	// Liveness probes are exempt from the rate bucket so a throttled client
	// can still keep its connection alive.
	if env.Type != "ping" {
		if err := d.bucketFor(c.ID()).Allow(time.Now()); err != nil {
			d.failures.Add(1)
			d.writeError(c, err)
			return
		}
	}

	if err := d.route(ctx, c, sess, env.Type, env.IdempotencyKey, raw); err != nil {
		d.failures.Add(1)
		d.writeError(c, err)
	}
}

func (d *Dispatcher) route(ctx context.Context, c Conn, sess *session.Session, msgType, idemKey string, raw []byte) error {
	switch msgType {
	case "ping":
		return d.reply(c, pongMsg{Type: "pong"})
	case "get_balance":
		return d.handleGetBalance(ctx, c, sess)
	case "faucet_claim":
		return d.handleFaucet(ctx, c, sess, idemKey, raw)
	case "submit_raw":
		return d.handleSubmitRaw(ctx, c, sess, idemKey, raw)
	case "subscribe_game":
		return d.handleSubscribe(ctx, c, raw)
	case "unsubscribe_game":
		return d.handleUnsubscribe(c, raw)
	case "list_subscriptions":
		return d.handleListSubscriptions(c)
	}

	game, action, ok := games.ParseMessageType(msgType)
	if !ok {
		return gwerrors.Newf(gwerrors.CodeInvalidMessage, "unknown message type %q", msgType)
	}
	return d.handleGame(ctx, c, sess, game, action, idemKey, raw)
}

// ── Per-connection rate buckets ─────────────────────────────────────────────

func (d *Dispatcher) bucketFor(socketID string) *admission.MessageBucket {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buckets[socketID]
	if !ok {
		b = admission.NewMessageBucket(d.cfg.Bucket, &d.bucketMetrics)
		d.buckets[socketID] = b
	}
	return b
}

func (d *Dispatcher) dropBucket(socketID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buckets, socketID)
}

// ── Replies ─────────────────────────────────────────────────────────────────

func (d *Dispatcher) reply(c Conn, v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return gwerrors.Wrap(gwerrors.CodeInternalError, "encode reply", err)
	}
	if err := c.Enqueue(msg); err != nil {
		d.log.Debug("reply dropped", zap.String("socket", c.ID()), zap.Error(err))
	}
	return nil
}

// writeError serializes err into the protocol's error envelope. Unclassified
// errors go out as INTERNAL_ERROR with the raw cause kept to the logs.
func (d *Dispatcher) writeError(c Conn, err error) {
	ge := gwerrors.As(err)
	if ge.Code == gwerrors.CodeInternalError {
		d.log.Error("handler failure", zap.String("socket", c.ID()), zap.Error(err))
	}
	out := errorMsg{
		Type:       "error",
		Code:       ge.Code,
		Message:    ge.Message,
		RetryAfter: ge.RetryAfter,
		Details:    ge.Details,
	}
	msg, merr := json.Marshal(out)
	if merr != nil {
		return
	}
	if qerr := c.Enqueue(msg); qerr != nil {
		d.log.Debug("error envelope dropped", zap.String("socket", c.ID()), zap.Error(qerr))
	}
}

// ── Stats ───────────────────────────────────────────────────────────────────

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	Messages       uint64 `json:"messages"`
	Failures       uint64 `json:"failures"`
	RateBlocked    uint64 `json:"rateBlocked"`
	BucketResets   uint64 `json:"bucketResets"`
	ActiveBuckets  int    `json:"activeBuckets"`
	PendingWaiters int    `json:"pendingWaiters"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	buckets := len(d.buckets)
	d.mu.Unlock()
	return Stats{
		Messages:       d.messages.Load(),
		Failures:       d.failures.Load(),
		RateBlocked:    d.bucketMetrics.Blocked.Load(),
		BucketResets:   d.bucketMetrics.Resets.Load(),
		ActiveBuckets:  buckets,
		PendingWaiters: d.waiters.Pending(),
	}
}
