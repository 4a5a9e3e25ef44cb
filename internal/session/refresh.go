package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nullspace-games/casino-gateway/internal/backend"
)

// AccountFetcher is the slice of the backend client the refresher needs.
type AccountFetcher interface {
	GetAccount(ctx context.Context, pubKeyHex string) (*backend.Account, error)
}

// NonceSyncer receives the backend-reported nonce after each account fetch.
type NonceSyncer interface {
	SyncFromBackend(pub string, backendNonce uint64) bool
}

// Refresher keeps session balances in step with the backend. Concurrent
// refreshes of the same key collapse into one upstream call.
type Refresher struct {
	sessions *Manager
	accounts AccountFetcher
	nonces   NonceSyncer
	timeout  time.Duration
	log      *zap.Logger

	group singleflight.Group
}

func NewRefresher(sessions *Manager, accounts AccountFetcher, nonces NonceSyncer, timeout time.Duration, log *zap.Logger) *Refresher {
	return &Refresher{
		sessions: sessions,
		accounts: accounts,
		nonces:   nonces,
		timeout:  timeout,
		log:      log,
	}
}

// Refresh fetches the session's account and folds balance, registration and
// nonce into local state.
func (r *Refresher) Refresh(ctx context.Context, s *Session) error {
	v, err, _ := r.group.Do(s.PublicKeyHex, func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.accounts.GetAccount(fctx, s.PublicKeyHex)
	})
	if err != nil {
		return fmt.Errorf("refresh account %s: %w", s.PublicKeyHex[:8], err)
	}

	acct := v.(*backend.Account)
	s.ApplyAccount(acct)
	if acct.Exists {
		r.nonces.SyncFromBackend(s.PublicKeyHex, acct.Nonce)
	}
	return nil
}

// Run refreshes every live session on a cadence until the context is
// canceled. Individual failures are logged and skipped.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("balance refresher started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("balance refresher stopped")
			return
		case <-ticker.C:
			r.sessions.Each(func(s *Session) {
				if err := r.Refresh(ctx, s); err != nil {
					r.log.Warn("balance refresh failed",
						zap.String("session_id", s.ID),
						zap.Error(err))
				}
			})
		}
	}
}
