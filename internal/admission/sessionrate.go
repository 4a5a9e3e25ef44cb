package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	sessionRatePrefix = "sessrate"
	sessionRateWindow = time.Hour
)

// AllowSessionCreate enforces the per-IP session-creation limit over a fixed
// hourly window. The counter lives in redis so every gateway replica sees the
// same view; when redis is unreachable the check fails open.
func AllowSessionCreate(ctx context.Context, rdb *redis.Client, ip string, limit int, log *zap.Logger) bool {
	key := sessionRateKey(ip, time.Now())

	n, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		log.Warn("session rate limiter unavailable, admitting",
			zap.String("client_ip", ip),
			zap.Error(err))
		return true
	}
	if n == 1 {
		rdb.Expire(ctx, key, sessionRateWindow) //nolint:errcheck
	}
	if n > int64(limit) {
		log.Warn("session creation rate exceeded",
			zap.String("client_ip", ip),
			zap.Int64("count", n),
			zap.Int("limit", limit))
		return false
	}
	return true
}

func sessionRateKey(ip string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", sessionRatePrefix, ip, now.Unix()/int64(sessionRateWindow/time.Second))
}
