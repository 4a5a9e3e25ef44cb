// Package forwarder ships signed submissions to the backend with at-most-once
// semantics: an idempotency store deduplicates client retries and a bounded,
// jittered retry loop absorbs transient backend failures.
package forwarder

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
)

// Status of an idempotency entry.
type Status uint8

const (
	StatusPending Status = iota
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the cached outcome of a completed submission.
type Result struct {
	Accepted     bool
	Deduplicated bool
}

type storeKey struct {
	sessionID string
	key       string
}

type entry struct {
	fingerprint [32]byte
	status      Status
	result      Result
	failure     string
	createdAt   time.Time
}

// Store is the process-wide idempotency table, scoped by (session, key).
type Store struct {
	mu      sync.Mutex
	entries map[storeKey]*entry
	ttl     time.Duration
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		entries: make(map[storeKey]*entry),
		ttl:     ttl,
	}
}

// Begin claims (sessionID, key) for the given payload.
// Returns (cached, nil) when an identical completed submission exists,
// (nil, nil) when the claim is fresh or a failed attempt may be retried, and
// (nil, err) when the key is already bound to a different payload or a
// submission is still in flight.
func (s *Store) Begin(sessionID, key string, payload []byte) (*Result, error) {
	fp := sha256.Sum256(payload)
	sk := storeKey{sessionID: sessionID, key: key}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sk]
	if !ok {
		s.entries[sk] = &entry{fingerprint: fp, status: StatusPending, createdAt: time.Now()}
		return nil, nil
	}
	if e.fingerprint != fp {
		return nil, gwerrors.New(gwerrors.CodeInvalidMessage, "idempotency key already used")
	}
	switch e.status {
	case StatusCompleted:
		cached := e.result
		cached.Deduplicated = true
		return &cached, nil
	case StatusFailed:
		// Same payload after a failure: allow the retry, reclaiming the entry.
		e.status = StatusPending
		e.createdAt = time.Now()
		return nil, nil
	default:
		return nil, gwerrors.New(gwerrors.CodeInvalidMessage, "submission already in flight")
	}
}

// Complete records a successful outcome for a pending claim.
func (s *Store) Complete(sessionID, key string, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[storeKey{sessionID: sessionID, key: key}]; ok {
		e.status = StatusCompleted
		e.result = res
	}
}

// Fail records a failed outcome, leaving the entry retryable.
func (s *Store) Fail(sessionID, key, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[storeKey{sessionID: sessionID, key: key}]; ok {
		e.status = StatusFailed
		e.failure = reason
	}
}

// Sweep removes entries older than the TTL and returns how many were dropped.
func (s *Store) Sweep() int {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for sk, e := range s.entries {
		if e.createdAt.Before(cutoff) {
			delete(s.entries, sk)
			removed++
		}
	}
	return removed
}

// DropSession removes every entry owned by a session.
func (s *Store) DropSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for sk := range s.entries {
		if sk.sessionID == sessionID {
			delete(s.entries, sk)
			removed++
		}
	}
	return removed
}

// StoreStats is a point-in-time census of the idempotency table.
type StoreStats struct {
	Entries   int `json:"entries"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := StoreStats{Entries: len(s.entries)}
	for _, e := range s.entries {
		switch e.status {
		case StatusPending:
			st.Pending++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}
