// Package ws owns the websocket transport: the HTTP upgrade endpoint, one
// Client per socket with dedicated read and write pumps, and the hub that
// addresses live sockets by id for targeted pushes and forced closes.
// Everything above this package speaks []byte frames; nothing below it knows
// the message protocol.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nullspace-games/casino-gateway/internal/admission"
	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
)

const defaultSendBuffer = 256

// Callbacks are the hooks the connection lifecycle runs through. OnConnect
// may refuse the socket by closing it; OnMessage receives frames in arrival
// order; OnClose fires exactly once per socket, refused ones included.
type Callbacks struct {
	OnConnect func(*Client) error
	OnMessage func(*Client, []byte)
	OnClose   func(*Client)
}

type Config struct {
	MaxFrameBytes  int64
	SendBuffer     int
	Origins        *admission.OriginPolicy
	TrustedProxies *admission.TrustedProxies
}

// Server upgrades HTTP requests and tracks every live socket.
type Server struct {
	cfg      Config
	cb       Callbacks
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

func New(cfg Config, cb Callbacks, log *zap.Logger) *Server {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 << 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Origins == nil {
		cfg.Origins = admission.NewOriginPolicy(nil, false)
	}
	s := &Server{
		cfg:     cfg,
		cb:      cb,
		log:     log,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Handle verifies the origin before Upgrade so refusals carry a
		// problem-details body; the upgrader re-checks the same policy.
		CheckOrigin: func(r *http.Request) bool {
			return s.cfg.Origins.Check(r.Header.Get("Origin")) == nil
		},
	}
	return s
}

// Handle upgrades one request into a socket and runs its lifecycle. The
// write pump starts before OnConnect so the hello sequence can be enqueued;
// the read pump starts after, so no frame is dispatched before the session
// exists.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if err := s.cfg.Origins.Check(origin); err != nil {
		ge := gwerrors.As(err)
		s.log.Warn("websocket handshake refused",
			zap.String("origin", origin),
			zap.String("code", string(ge.Code)),
		)
		writeProblem(w, gwerrors.NewProblem(http.StatusForbidden, ge.Code, "handshake refused", ge.Message))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own HTTP error.
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), admission.ClientIP(r, s.cfg.TrustedProxies), conn, s.cfg.SendBuffer, s.log)

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	go c.writePump()
	if s.cb.OnConnect != nil {
		if err := s.cb.OnConnect(c); err != nil {
			s.log.Debug("connection refused",
				zap.String("socket", c.id),
				zap.String("ip", c.ip),
				zap.Error(err),
			)
		}
	}
	go c.readPump(s.cfg.MaxFrameBytes, s.onMessage, s.closed)
}

func (s *Server) onMessage(c *Client, data []byte) {
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(c, data)
	}
}

func (s *Server) closed(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	if s.cb.OnClose != nil {
		s.cb.OnClose(c)
	}
}

// SendTo queues a frame for one socket. Reports false when the socket is
// gone or refused the frame.
func (s *Server) SendTo(socketID string, msg []byte) bool {
	s.mu.RLock()
	c := s.clients[socketID]
	s.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.Enqueue(msg) == nil
}

// CloseSocket force-closes one socket with the given status.
func (s *Server) CloseSocket(socketID string, code int, reason string) bool {
	s.mu.RLock()
	c := s.clients[socketID]
	s.mu.RUnlock()
	if c == nil {
		return false
	}
	c.Close(code, reason)
	return true
}

// CloseAll closes every live socket, for shutdown.
func (s *Server) CloseAll(code int, reason string) {
	s.mu.RLock()
	snapshot := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()
	for _, c := range snapshot {
		c.Close(code, reason)
	}
}

// Clients reports how many sockets are live.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func writeProblem(w http.ResponseWriter, p gwerrors.Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	json.NewEncoder(w).Encode(p) //nolint:errcheck
}
