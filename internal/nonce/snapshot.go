package nonce

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// snapshotKey is the redis hash holding pubkeyHex → current nonce.
const snapshotKey = "nonce:snapshot"

const reapInterval = 5 * time.Minute

// SaveSnapshot overwrites the redis snapshot hash with every live nonce.
// Durability is best-effort; a lost snapshot only costs a backend resync.
func SaveSnapshot(ctx context.Context, rdb *redis.Client, m *Manager) error {
	snap := m.Snapshot()

	pipe := rdb.TxPipeline()
	pipe.Del(ctx, snapshotKey)
	if len(snap) > 0 {
		flat := make(map[string]any, len(snap))
		for pub, n := range snap {
			flat[pub] = strconv.FormatUint(n, 10)
		}
		pipe.HSet(ctx, snapshotKey, flat)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save nonce snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the persisted nonce snapshot.
func LoadSnapshot(ctx context.Context, rdb *redis.Client) (map[string]uint64, error) {
	fields, err := rdb.HGetAll(ctx, snapshotKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load nonce snapshot: %w", err)
	}
	out := make(map[string]uint64, len(fields))
	for pub, raw := range fields {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		out[pub] = n
	}
	return out, nil
}

// Restore seeds the manager from the persisted snapshot, if one exists.
func Restore(ctx context.Context, rdb *redis.Client, m *Manager, log *zap.Logger) {
	snap, err := LoadSnapshot(ctx, rdb)
	if err != nil {
		log.Warn("nonce snapshot restore failed", zap.Error(err))
		return
	}
	if len(snap) == 0 {
		return
	}
	m.Restore(snap)
	log.Info("nonce snapshot restored", zap.Int("keys", len(snap)))
}

// RunSnapshotter persists nonce state on a cadence until ctx is canceled,
// writing one final snapshot on the way out.
func RunSnapshotter(ctx context.Context, interval time.Duration, rdb *redis.Client, m *Manager, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("nonce snapshotter started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := SaveSnapshot(flushCtx, rdb, m); err != nil {
				log.Warn("final nonce snapshot failed", zap.Error(err))
			}
			cancel()
			log.Info("nonce snapshotter stopped")
			return
		case <-ticker.C:
			if err := SaveSnapshot(ctx, rdb, m); err != nil {
				log.Warn("nonce snapshot failed", zap.Error(err))
			}
		}
	}
}

// RunReaper drops idle initial-state entries on a cadence.
func RunReaper(ctx context.Context, m *Manager, log *zap.Logger) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.reap(reapAge); n > 0 {
				log.Debug("nonce entries reaped", zap.Int("count", n))
			}
		}
	}
}
