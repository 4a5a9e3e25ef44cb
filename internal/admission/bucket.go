package admission

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
)

// BucketMetrics aggregates rate-bucket activity across all sessions.
type BucketMetrics struct {
	Blocked atomic.Uint64
	Resets  atomic.Uint64
}

// MessageBucketConfig bounds one session's inbound message rate.
type MessageBucketConfig struct {
	MaxMessages int
	Window      time.Duration
	Block       time.Duration
}

// MessageBucket is a fixed-window counter. A session that exceeds
// MaxMessages within Window is blocked for Block; the counter resets when
// the window or the block expires.
type MessageBucket struct {
	cfg     MessageBucketConfig
	metrics *BucketMetrics

	mu           sync.Mutex
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

func NewMessageBucket(cfg MessageBucketConfig, metrics *BucketMetrics) *MessageBucket {
	return &MessageBucket{
		cfg:         cfg,
		metrics:     metrics,
		windowStart: time.Now(),
	}
}

// Allow admits or refuses one message at the given instant. Refusals carry
// RATE_LIMITED with the configured block length as retryAfter seconds.
func (b *MessageBucket) Allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.blockedUntil.IsZero() {
		if now.Before(b.blockedUntil) {
			return b.refusal()
		}
		b.reset(now)
	}
	if now.Sub(b.windowStart) >= b.cfg.Window {
		b.reset(now)
	}

	if b.count >= b.cfg.MaxMessages {
		b.blockedUntil = now.Add(b.cfg.Block)
		if b.metrics != nil {
			b.metrics.Blocked.Add(1)
		}
		return b.refusal()
	}
	b.count++
	return nil
}

func (b *MessageBucket) reset(now time.Time) {
	b.count = 0
	b.windowStart = now
	b.blockedUntil = time.Time{}
	if b.metrics != nil {
		b.metrics.Resets.Add(1)
	}
}

func (b *MessageBucket) refusal() error {
	return gwerrors.New(gwerrors.CodeRateLimited, "too many messages, slow down").
		WithRetryAfter(int(b.cfg.Block / time.Second))
}
