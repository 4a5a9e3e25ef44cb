package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager is the process-wide session registry. A session is reachable by
// its own id, by its socket id and by its public key; the three indices are
// updated together so a removed session vanishes from all of them at once.
type Manager struct {
	ttl time.Duration
	log *zap.Logger

	mu       sync.RWMutex
	byID     map[string]*Session
	bySocket map[string]*Session
	byPubKey map[string]*Session
}

func NewManager(ttl time.Duration, log *zap.Logger) *Manager {
	return &Manager{
		ttl:      ttl,
		log:      log,
		byID:     make(map[string]*Session),
		bySocket: make(map[string]*Session),
		byPubKey: make(map[string]*Session),
	}
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Create mints a session with a fresh custodial keypair and registers it in
// every index.
func (m *Manager) Create(socketID, clientIP string) (*Session, error) {
	pub, priv, err := generateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate session keypair: %w", err)
	}
	s := newSession(uuid.NewString(), socketID, clientIP, pub, priv)

	m.mu.Lock()
	m.byID[s.ID] = s
	m.bySocket[socketID] = s
	m.byPubKey[s.PublicKeyHex] = s
	m.mu.Unlock()

	m.log.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("socket_id", socketID),
		zap.String("public_key", s.PublicKeyHex),
		zap.String("client_ip", clientIP))
	return s, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

// BySocket is the only lookup handlers may use to bind a message to a
// session; client-supplied session ids are never trusted.
func (m *Manager) BySocket(socketID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.bySocket[socketID]
	return s, ok
}

func (m *Manager) ByPubKey(pubHex string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byPubKey[pubHex]
	return s, ok
}

// Remove drops the session from every index in one critical section.
func (m *Manager) Remove(id string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.bySocket, s.SocketID)
		delete(m.byPubKey, s.PublicKeyHex)
	}
	m.mu.Unlock()

	if ok {
		m.log.Info("session removed", zap.String("session_id", id))
	}
	return s, ok
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// ActiveGameCount counts sessions currently inside a game, for presence and
// drain decisions.
func (m *Manager) ActiveGameCount() int {
	n := 0
	for _, s := range m.snapshot() {
		if s.InGame() {
			n++
		}
	}
	return n
}

// Each visits a point-in-time snapshot of all sessions without holding the
// registry lock during fn.
func (m *Manager) Each(fn func(*Session)) {
	for _, s := range m.snapshot() {
		fn(s)
	}
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// Expired returns the sessions idle past the TTL at the given instant.
func (m *Manager) Expired(now time.Time) []*Session {
	var out []*Session
	for _, s := range m.snapshot() {
		if s.IdleExpired(now, m.ttl) {
			out = append(out, s)
		}
	}
	return out
}

// RunReaper expires idle sessions until the context is canceled. Teardown of
// the underlying socket and ancillary state is the caller's expire hook.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration, expire func(*Session)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("session reaper started", zap.Duration("interval", interval), zap.Duration("ttl", m.ttl))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("session reaper stopped")
			return
		case <-ticker.C:
			for _, s := range m.Expired(time.Now()) {
				m.log.Info("session expired",
					zap.String("session_id", s.ID),
					zap.Time("last_activity", s.LastActivity()))
				expire(s)
			}
		}
	}
}
