// Package shutdown coordinates the drain sequence: flip the readiness flag,
// refuse new connections, wait for games in flight, then let the caller
// evict whatever remains.
package shutdown

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const pollInterval = 500 * time.Millisecond

// Coordinator owns the drain flag. The dispatcher consults it to refuse new
// connections and the readiness handlers consult it to fail health checks.
type Coordinator struct {
	log      *zap.Logger
	draining atomic.Bool
}

func New(log *zap.Logger) *Coordinator { return &Coordinator{log: log} }

func (c *Coordinator) Draining() bool { return c.draining.Load() }

// Begin flips the drain flag. Only the first call wins, so a repeated signal
// cannot restart the sequence.
func (c *Coordinator) Begin() bool {
	first := c.draining.CompareAndSwap(false, true)
	if first {
		c.log.Info("drain started")
	}
	return first
}

// Await polls until no session holds an active game, the timeout passes, or
// ctx is canceled. Returns true when the floor cleared on its own; false
// means the caller must force-close the stragglers.
func (c *Coordinator) Await(ctx context.Context, timeout time.Duration, activeGames func() int) bool {
	if activeGames() == 0 {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return activeGames() == 0
		case <-deadline.C:
			n := activeGames()
			if n > 0 {
				c.log.Warn("drain timeout with games in flight", zap.Int("active", n))
			}
			return n == 0
		case <-ticker.C:
			if activeGames() == 0 {
				c.log.Info("drain complete")
				return true
			}
		}
	}
}
