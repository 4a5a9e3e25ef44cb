package forwarder

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nullspace-games/casino-gateway/internal/backend"
	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
)

// Submitter is the slice of the backend client the forwarder needs.
type Submitter interface {
	Submit(ctx context.Context, submission []byte) error
}

// RetryConfig bounds the retry loop for transient backend failures.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// Options tune a single Forward call.
type Options struct {
	// SkipRetries submits exactly once, for operations the caller will
	// re-drive itself (e.g. after a nonce resync).
	SkipRetries bool
}

// Forwarder pushes signed submissions to the backend.
type Forwarder struct {
	store   *Store
	backend Submitter
	retry   RetryConfig
	log     *zap.Logger

	retryAttempts atomic.Uint64
	dedupHits     atomic.Uint64
}

func New(store *Store, submitter Submitter, retry RetryConfig, log *zap.Logger) *Forwarder {
	return &Forwarder{
		store:   store,
		backend: submitter,
		retry:   retry,
		log:     log,
	}
}

// Forward submits an encoded transaction batch on behalf of a session. The
// submission bytes are produced by build, which runs only when the call is
// not answered from the idempotency store, so callers can defer nonce
// reservation and signing until a submission will actually go out.
//
// When key is non-empty the call is deduplicated under fingerprint, which
// must cover the client's original request bytes rather than the signed
// submission (the embedded nonce changes on every signing). Replays of a
// completed submission return the cached result with Deduplicated set.
func (f *Forwarder) Forward(ctx context.Context, sessionID, key string, fingerprint []byte, build func() ([]byte, error), opts Options) (Result, error) {
	if key != "" {
		cached, err := f.store.Begin(sessionID, key, fingerprint)
		if err != nil {
			return Result{}, err
		}
		if cached != nil {
			f.dedupHits.Add(1)
			f.log.Debug("submission deduplicated",
				zap.String("session_id", sessionID),
				zap.String("idempotency_key", key))
			return *cached, nil
		}
	}

	submission, err := build()
	if err != nil {
		if key != "" {
			f.store.Fail(sessionID, key, err.Error())
		}
		return Result{}, err
	}

	res, err := f.submitWithRetry(ctx, submission, opts)
	if key != "" {
		if err != nil {
			f.store.Fail(sessionID, key, err.Error())
		} else {
			f.store.Complete(sessionID, key, res)
		}
	}
	return res, err
}

func (f *Forwarder) submitWithRetry(ctx context.Context, submission []byte, opts Options) (Result, error) {
	attempts := f.retry.MaxRetries + 1
	if opts.SkipRetries {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			f.retryAttempts.Add(1)
			if err := f.sleep(ctx, f.backoff(i-1)); err != nil {
				return Result{}, err
			}
		}

		err := f.backend.Submit(ctx, submission)
		if err == nil {
			return Result{Accepted: true}, nil
		}
		if rej, ok := backend.AsRejection(err); ok {
			// Permanent: the backend evaluated the transaction and said no.
			return Result{}, gwerrors.FromBackendCode(rej.Code, rej.Message)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		lastErr = err
		if i < attempts-1 {
			f.log.Warn("backend submit failed, will retry",
				zap.Int("attempt", i+1),
				zap.Int("max_attempts", attempts),
				zap.Error(err))
		}
	}

	return Result{}, gwerrors.Wrap(gwerrors.CodeBackendUnavailable,
		fmt.Sprintf("backend unavailable after %d attempts", attempts), lastErr)
}

// backoff computes the delay before retry attempt i (0-based), with ±10%
// jitter so simultaneous retries from many sessions spread out.
func (f *Forwarder) backoff(i int) time.Duration {
	d := float64(f.retry.InitialBackoff)
	for n := 0; n < i; n++ {
		d *= f.retry.Multiplier
	}
	if max := float64(f.retry.MaxBackoff); d > max {
		d = max
	}
	d *= 0.9 + 0.2*rand.Float64()
	return time.Duration(d)
}

func (f *Forwarder) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stats merges the store census with the forwarder's own counters.
type Stats struct {
	StoreStats
	RetryAttempts uint64 `json:"retry_attempts"`
	DedupHits     uint64 `json:"dedup_hits"`
}

func (f *Forwarder) Stats() Stats {
	return Stats{
		StoreStats:    f.store.Stats(),
		RetryAttempts: f.retryAttempts.Load(),
		DedupHits:     f.dedupHits.Load(),
	}
}

// RunSweeper expires idempotency entries until the context is canceled.
func RunSweeper(ctx context.Context, store *Store, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("idempotency sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			log.Info("idempotency sweeper stopped")
			return
		case <-ticker.C:
			if n := store.Sweep(); n > 0 {
				log.Debug("idempotency entries expired", zap.Int("count", n))
			}
		}
	}
}
