// Package nonce tracks per-key transaction nonces for every custodial signing
// key the gateway holds. All operations on one key serialize through that
// key's mutex; keys are independent.
package nonce

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
)

const numShards = 32

// reapAge is how long an untouched initial-state entry survives.
const reapAge = time.Hour

type entry struct {
	mu        sync.Mutex
	current   uint64
	pending   []uint64
	needsSync bool
	lastTouch time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Manager owns the process-wide nonce state, sharded by public key.
type Manager struct {
	shards [numShards]shard
	log    *zap.Logger
}

func NewManager(log *zap.Logger) *Manager {
	m := &Manager{log: log}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*entry)
	}
	return m
}

func (m *Manager) shardFor(pub string) *shard {
	h := fnv.New32a()
	h.Write([]byte(pub)) //nolint:errcheck
	return &m.shards[h.Sum32()%numShards]
}

// entryFor returns the entry for pub, creating it on first use.
func (m *Manager) entryFor(pub string) *entry {
	s := m.shardFor(pub)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pub]
	if !ok {
		e = &entry{lastTouch: time.Now()}
		s.entries[pub] = e
	}
	return e
}

// Handle is the view of one key's nonce state inside WithLock.
type Handle struct{ e *entry }

// Current returns the next unused nonce without consuming it.
func (h *Handle) Current() uint64 { return h.e.current }

// Use consumes the current nonce: it is returned, current is incremented, and
// the value joins the pending set until confirmed.
func (h *Handle) Use() uint64 {
	n := h.e.current
	h.e.current++
	h.e.pending = append(h.e.pending, n)
	return n
}

// Confirm removes a submitted nonce from the pending set.
func (h *Handle) Confirm(n uint64) {
	for i, p := range h.e.pending {
		if p == n {
			h.e.pending = append(h.e.pending[:i], h.e.pending[i+1:]...)
			return
		}
	}
}

// Pending returns a copy of the submitted-but-unconfirmed nonces.
func (h *Handle) Pending() []uint64 {
	out := make([]uint64, len(h.e.pending))
	copy(out, h.e.pending)
	return out
}

// WithLock serializes fn against every other operation on pub's nonce state.
// The lock is released on every exit path, including fn failure.
func (m *Manager) WithLock(pub string, fn func(h *Handle) error) error {
	e := m.entryFor(pub)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTouch = time.Now()
	return fn(&Handle{e: e})
}

// Current reads the next unused nonce for pub.
func (m *Manager) Current(pub string) uint64 {
	e := m.entryFor(pub)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// SyncFromBackend reconciles local state with a backend-reported nonce. A
// backend value of 0 while the local counter is positive indicates a backend
// restart, not a fresh account: the local value is retained. Every successful
// sync clears the pending set; its submissions were either confirmed (already
// reflected in the adopted value) or lost (to be retried with fresh nonces).
func (m *Manager) SyncFromBackend(pub string, backendNonce uint64) (adopted bool) {
	e := m.entryFor(pub)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTouch = time.Now()

	if backendNonce == 0 && e.current > 0 {
		m.log.Warn("backend reports zero nonce, retaining local value",
			zap.String("key", short(pub)),
			zap.Uint64("local", e.current),
		)
	} else {
		e.current = backendNonce
		adopted = true
	}
	e.pending = e.pending[:0]
	e.needsSync = false
	return adopted
}

// NoteRejection inspects a backend rejection message. Nonce-divergence
// rejections clear the pending set and flag the key for resync; any other
// rejection leaves nonce state untouched. Reports whether the message was a
// nonce mismatch.
func (m *Manager) NoteRejection(pub, message string) bool {
	if !gwerrors.IsNonceMismatch(message) {
		return false
	}
	e := m.entryFor(pub)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = e.pending[:0]
	e.needsSync = true
	m.log.Warn("nonce mismatch reported by backend, pending cleared",
		zap.String("key", short(pub)),
		zap.String("reason", message),
	)
	return true
}

// NeedsSync reports whether a rejection flagged this key for resync.
func (m *Manager) NeedsSync(pub string) bool {
	e := m.entryFor(pub)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsSync
}

// Reset forces a key back to a given nonce, dropping pending state. This is
// the only path that may move current downward explicitly.
func (m *Manager) Reset(pub string, n uint64) {
	e := m.entryFor(pub)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = n
	e.pending = e.pending[:0]
	e.needsSync = false
	e.lastTouch = time.Now()
}

// Forget drops a key entirely. Ephemeral session keys are never reused, so
// their entries are discarded when the session ends.
func (m *Manager) Forget(pub string) {
	s := m.shardFor(pub)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, pub)
}

// Len reports how many keys currently have entries.
func (m *Manager) Len() int {
	total := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Snapshot copies every key's current nonce. Zero-valued entries are skipped;
// restoring them would be a no-op. Entry locks are taken only after the shard
// lock is released, since handlers hold entry locks across backend calls.
func (m *Manager) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	for i := range m.shards {
		for pub, e := range m.shards[i].copyEntries() {
			e.mu.Lock()
			if e.current > 0 {
				out[pub] = e.current
			}
			e.mu.Unlock()
		}
	}
	return out
}

func (s *shard) copyEntries() map[string]*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*entry, len(s.entries))
	for pub, e := range s.entries {
		out[pub] = e
	}
	return out
}

// Restore seeds nonce state from a snapshot. Existing entries with a higher
// local value win; a snapshot is never allowed to move a live counter down.
func (m *Manager) Restore(snapshot map[string]uint64) {
	for pub, n := range snapshot {
		e := m.entryFor(pub)
		e.mu.Lock()
		if n > e.current {
			e.current = n
		}
		e.mu.Unlock()
	}
}

// reap removes initial-state entries untouched for longer than age.
func (m *Manager) reap(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		snapshot := s.copyEntries()

		var idle []string
		for pub, e := range snapshot {
			e.mu.Lock()
			if e.current == 0 && len(e.pending) == 0 && e.lastTouch.Before(cutoff) {
				idle = append(idle, pub)
			}
			e.mu.Unlock()
		}
		if len(idle) == 0 {
			continue
		}

		s.mu.Lock()
		for _, pub := range idle {
			e, ok := s.entries[pub]
			if !ok || e != snapshot[pub] {
				continue
			}
			// Re-check under TryLock; a blocked entry is in use by definition.
			if !e.mu.TryLock() {
				continue
			}
			if e.current == 0 && len(e.pending) == 0 && e.lastTouch.Before(cutoff) {
				delete(s.entries, pub)
				removed++
			}
			e.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return removed
}

func short(pub string) string {
	if len(pub) <= 8 {
		return pub
	}
	return pub[:8]
}
