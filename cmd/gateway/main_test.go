package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nullspace-games/casino-gateway/internal/admission"
	"github.com/nullspace-games/casino-gateway/internal/backend"
	"github.com/nullspace-games/casino-gateway/internal/broadcast"
	"github.com/nullspace-games/casino-gateway/internal/dispatch"
	"github.com/nullspace-games/casino-gateway/internal/forwarder"
	"github.com/nullspace-games/casino-gateway/internal/nonce"
	"github.com/nullspace-games/casino-gateway/internal/presence"
	"github.com/nullspace-games/casino-gateway/internal/session"
	"github.com/nullspace-games/casino-gateway/internal/shutdown"
	"github.com/nullspace-games/casino-gateway/internal/updates"
	"github.com/nullspace-games/casino-gateway/internal/ws"
)

func init() { gin.SetMode(gin.TestMode) }

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

// mockBackend fakes the execution service: it accepts every submission,
// serves one funded account for any key, and answers health probes.
type mockBackend struct {
	mu      sync.Mutex
	submits int
	healthy bool
	srv     *httptest.Server
}

func newMockBackend(t *testing.T) *mockBackend {
	t.Helper()
	m := &mockBackend{healthy: true}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/submit":
			m.mu.Lock()
			m.submits++
			m.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/account/"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"exists":true,"balance":"5000","nonce":1}`)
		case r.Method == http.MethodGet && r.URL.Path == "/healthz":
			m.mu.Lock()
			ok := m.healthy
			m.mu.Unlock()
			if ok {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockBackend) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

// gateway is an in-process instance wired the way main wires it, minus the
// HTTP mux and the background tickers: a real dispatcher behind a real
// socket server, talking to the mock backend.
type gateway struct {
	hub      *ws.Server
	coord    *shutdown.Coordinator
	sessions *session.Manager
	srv      *httptest.Server
}

func newGateway(t *testing.T, backendURL string, rdb *redis.Client, sessionsPerHour int) *gateway {
	t.Helper()
	log := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine := backend.NewClient(backendURL, time.Second)
	sessions := session.NewManager(time.Minute, log)
	nonces := nonce.NewManager(log)
	store := forwarder.NewStore(time.Minute)
	fwd := forwarder.New(store, engine, forwarder.RetryConfig{
		MaxRetries:     1,
		InitialBackoff: 5 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     20 * time.Millisecond,
	}, log)
	refresher := session.NewRefresher(sessions, engine, nonces, time.Second, log)
	router := broadcast.NewRouter(log)
	waiters := updates.NewWaiters()
	tracker := presence.NewTracker(sessions, log)
	limiter := admission.NewConnLimiter(8, 64)
	coord := shutdown.New(log)

	disp := dispatch.New(dispatch.Config{
		EventTimeout:    50 * time.Millisecond,
		FaucetDefault:   1000,
		SessionsPerHour: sessionsPerHour,
		Bucket: admission.MessageBucketConfig{
			MaxMessages: 100,
			Window:      time.Minute,
			Block:       time.Minute,
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

	hub := ws.New(ws.Config{}, ws.Callbacks{
		OnConnect: func(c *ws.Client) error { return disp.Connect(ctx, c) },
		OnMessage: func(c *ws.Client, raw []byte) { disp.HandleMessage(ctx, c, raw) },
		OnClose:   func(c *ws.Client) { disp.Disconnect(c) },
	}, log)

	srv := httptest.NewServer(http.HandlerFunc(hub.Handle))
	t.Cleanup(srv.Close)
	return &gateway{hub: hub, coord: coord, sessions: sessions, srv: srv}
}

func dialSocket(t *testing.T, g *gateway) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return m
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// waitRegistered polls until background onboarding marks some session
// registered, or the timeout elapses.
func waitRegistered(t *testing.T, sessions *session.Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ok := false
		sessions.Each(func(s *session.Session) {
			if _, registered, _ := s.Status(); registered {
				ok = true
			}
		})
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never registered with the backend")
}

func wantClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("read = %v, want close %d", err, code)
	}
}

// ── healthHandler ─────────────────────────────────────────────────────────────

func TestHealthHandler_OK(t *testing.T) {
	mock := newMockBackend(t)
	engine := backend.NewClient(mock.srv.URL, time.Second)
	coord := shutdown.New(zap.NewNop())

	r := gin.New()
	r.GET("/healthz", healthHandler(coord, engine))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHealthHandler_Draining(t *testing.T) {
	mock := newMockBackend(t)
	engine := backend.NewClient(mock.srv.URL, time.Second)
	coord := shutdown.New(zap.NewNop())
	coord.Begin()

	r := gin.New()
	r.GET("/healthz", healthHandler(coord, engine))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["status"] != "draining" {
		t.Fatalf("body = %v", body)
	}
}

func TestHealthHandler_BackendUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	engine := backend.NewClient(dead.URL, time.Second)
	coord := shutdown.New(zap.NewNop())

	r := gin.New()
	r.GET("/healthz", healthHandler(coord, engine))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["status"] != "unreachable" {
		t.Fatalf("body = %v", body)
	}
}

// ── socket lifecycle against the wired stack ──────────────────────────────────

func TestSocketHelloSequence(t *testing.T) {
	mock := newMockBackend(t)
	g := newGateway(t, mock.srv.URL, nil, 0)
	conn := dialSocket(t, g)

	ready := readEnvelope(t, conn)
	if ready["type"] != "session_ready" {
		t.Fatalf("first envelope = %v", ready)
	}
	if ready["sessionId"] == "" || ready["sessionId"] == nil {
		t.Fatal("session_ready missing sessionId")
	}
	pk, _ := ready["publicKey"].(string)
	if len(pk) != 64 {
		t.Fatalf("publicKey %q, want 64 hex chars", pk)
	}
	if _, err := hex.DecodeString(pk); err != nil {
		t.Fatalf("publicKey not hex: %v", err)
	}

	clock := readEnvelope(t, conn)
	if clock["type"] != "clock_sync" {
		t.Fatalf("second envelope = %v", clock)
	}
	if st, _ := clock["serverTime"].(float64); st <= 0 {
		t.Fatalf("serverTime = %v", clock["serverTime"])
	}

	pres := readEnvelope(t, conn)
	if pres["type"] != "presence" {
		t.Fatalf("third envelope = %v", pres)
	}
	if n, _ := pres["onlineCount"].(float64); n != 1 {
		t.Fatalf("onlineCount = %v, want 1", pres["onlineCount"])
	}

	// Background onboarding submits exactly one registration.
	waitRegistered(t, g.sessions)
	if got := mock.submitCount(); got != 1 {
		t.Fatalf("backend submissions = %d, want 1", got)
	}
}

func TestPingPong(t *testing.T) {
	mock := newMockBackend(t)
	g := newGateway(t, mock.srv.URL, nil, 0)
	conn := dialSocket(t, g)
	for i := 0; i < 3; i++ {
		readEnvelope(t, conn) // hello sequence
	}

	send(t, conn, `{"type":"ping"}`)
	if m := readEnvelope(t, conn); m["type"] != "pong" {
		t.Fatalf("reply = %v, want pong", m)
	}
}

func TestGetBalanceRoundTrip(t *testing.T) {
	mock := newMockBackend(t)
	g := newGateway(t, mock.srv.URL, nil, 0)
	conn := dialSocket(t, g)
	for i := 0; i < 3; i++ {
		readEnvelope(t, conn)
	}
	waitRegistered(t, g.sessions)

	send(t, conn, `{"type":"get_balance"}`)
	m := readEnvelope(t, conn)
	if m["type"] != "balance" {
		t.Fatalf("reply = %v, want balance", m)
	}
	if m["balance"] != "5000" || m["registered"] != true || m["hasBalance"] != true {
		t.Fatalf("balance envelope = %v", m)
	}
}

func TestFaucetClaimBestEffortReply(t *testing.T) {
	mock := newMockBackend(t)
	g := newGateway(t, mock.srv.URL, nil, 0)
	conn := dialSocket(t, g)
	for i := 0; i < 3; i++ {
		readEnvelope(t, conn)
	}
	waitRegistered(t, g.sessions)

	// No update stream feeds the waiters here, so the claim is accepted but
	// never confirmed; the reply is the best-effort balance with a note.
	send(t, conn, `{"type":"faucet_claim","idempotencyKey":"claim-1"}`)
	m := readEnvelope(t, conn)
	if m["type"] != "balance" {
		t.Fatalf("reply = %v, want balance", m)
	}
	if msg, _ := m["message"].(string); !strings.Contains(msg, "pending") {
		t.Fatalf("message = %q, want pending note", m["message"])
	}
}

func TestDrainingRefusesNewSockets(t *testing.T) {
	mock := newMockBackend(t)
	g := newGateway(t, mock.srv.URL, nil, 0)
	g.coord.Begin()

	conn := dialSocket(t, g)
	wantClose(t, conn, 1013)
}

func TestSessionCreationLimitOverRedis(t *testing.T) {
	mock := newMockBackend(t)
	g := newGateway(t, mock.srv.URL, newTestRedis(t), 1)

	first := dialSocket(t, g)
	if m := readEnvelope(t, first); m["type"] != "session_ready" {
		t.Fatalf("first socket envelope = %v", m)
	}

	second := dialSocket(t, g)
	m := readEnvelope(t, second)
	if m["type"] != "error" || m["code"] != "RATE_LIMITED" {
		t.Fatalf("second socket envelope = %v, want RATE_LIMITED error", m)
	}
	wantClose(t, second, 1008)
}

func TestEvictDeliversExpiryBeforeClose(t *testing.T) {
	mock := newMockBackend(t)
	g := newGateway(t, mock.srv.URL, nil, 0)
	conn := dialSocket(t, g)
	for i := 0; i < 3; i++ {
		readEnvelope(t, conn)
	}

	var socketID string
	g.sessions.Each(func(s *session.Session) { socketID = s.SocketID })
	if socketID == "" {
		t.Fatal("no live session found")
	}

	evict(g.hub, socketID)

	m := readEnvelope(t, conn)
	if m["type"] != "error" || m["code"] != "SESSION_EXPIRED" {
		t.Fatalf("eviction envelope = %v", m)
	}
	wantClose(t, conn, closeGoingAway)
}

func TestClientDisconnectRemovesSession(t *testing.T) {
	mock := newMockBackend(t)
	g := newGateway(t, mock.srv.URL, nil, 0)
	conn := dialSocket(t, g)
	if m := readEnvelope(t, conn); m["type"] != "session_ready" {
		t.Fatalf("envelope = %v", m)
	}
	if g.sessions.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", g.sessions.Len())
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for g.sessions.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %d after disconnect, want 0", g.sessions.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
