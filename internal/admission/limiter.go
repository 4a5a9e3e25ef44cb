package admission

import (
	"sync"

	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
)

// ConnLimiter caps concurrent connections per normalized IP and in total.
// Registration and unregistration are idempotent on (ip, connID).
type ConnLimiter struct {
	maxPerIP int
	maxTotal int

	mu    sync.Mutex
	perIP map[string]map[string]struct{}
	total int
}

func NewConnLimiter(maxPerIP, maxTotal int) *ConnLimiter {
	return &ConnLimiter{
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
		perIP:    make(map[string]map[string]struct{}),
	}
}

// Register claims a slot for the connection. It returns nil when admitted,
// or the refusal to send back to the client.
func (l *ConnLimiter) Register(ip, connID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.perIP[ip]
	if _, ok := bucket[connID]; ok {
		return nil
	}
	if len(bucket) >= l.maxPerIP {
		return gwerrors.Newf(gwerrors.CodeIPLimitExceeded,
			"too many connections from this address (limit %d)", l.maxPerIP)
	}
	if l.total >= l.maxTotal {
		return gwerrors.New(gwerrors.CodeSessionCapReached, "gateway session capacity reached")
	}

	if bucket == nil {
		bucket = make(map[string]struct{})
		l.perIP[ip] = bucket
	}
	bucket[connID] = struct{}{}
	l.total++
	return nil
}

// Unregister releases the connection's slot. Unknown connections are a no-op
// and empty IP buckets are removed.
func (l *ConnLimiter) Unregister(ip, connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.perIP[ip]
	if !ok {
		return
	}
	if _, ok := bucket[connID]; !ok {
		return
	}
	delete(bucket, connID)
	l.total--
	if len(bucket) == 0 {
		delete(l.perIP, ip)
	}
}

// Counts reports live connections and distinct IPs, for metrics.
func (l *ConnLimiter) Counts() (total, ips int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, len(l.perIP)
}

func (l *ConnLimiter) CountForIP(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP[ip])
}
