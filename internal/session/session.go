// Package session owns the per-connection state of the gateway: a custodial
// Ed25519 keypair, the cached backend account view, and the active-game
// marker. Sessions are created on connection acceptance and torn down on
// close, idle expiry or drain; the signing key never leaves the process.
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/nullspace-games/casino-gateway/internal/backend"
	"github.com/nullspace-games/casino-gateway/internal/codec"
	"github.com/nullspace-games/casino-gateway/internal/games"
)

// Session is one live client connection's identity and cached account view.
// Immutable fields are set at creation; everything below the mutex is owned
// by the dispatch goroutine plus the updates subscriber.
type Session struct {
	ID           string
	SocketID     string
	ClientIP     string
	PublicKeyHex string
	CreatedAt    time.Time

	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey

	mu           sync.Mutex
	balance      *big.Int
	registered   bool
	hasBalance   bool
	activeGameID uint64
	gameType     games.Type
	inGame       bool
	lastActivity time.Time
}

func newSession(id, socketID, clientIP string, pub ed25519.PublicKey, priv ed25519.PrivateKey) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		SocketID:     socketID,
		ClientIP:     clientIP,
		PublicKeyHex: hex.EncodeToString(pub),
		CreatedAt:    now,
		publicKey:    pub,
		privateKey:   priv,
		balance:      new(big.Int),
		lastActivity: now,
	}
}

func (s *Session) PublicKey() ed25519.PublicKey { return s.publicKey }

// SignTransaction builds and signs a transaction with the session's custodial
// key. The private key itself is never handed out.
func (s *Session) SignTransaction(namespace []byte, nonce uint64, instr []byte) []byte {
	return codec.BuildTransaction(namespace, nonce, instr, s.privateKey)
}

// Touch records client activity for idle-TTL accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IdleExpired reports whether the session has been idle strictly longer than
// ttl. A session exactly at the boundary is still live.
func (s *Session) IdleExpired(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity) > ttl
}

// Balance returns a copy of the cached chip balance.
func (s *Session) Balance() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balance)
}

// BalanceString renders the cached balance as a decimal string for JSON.
func (s *Session) BalanceString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance.String()
}

// SetBalance overwrites the cached balance from a backend event.
func (s *Session) SetBalance(v *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance.Set(v)
	if v.Sign() > 0 {
		s.hasBalance = true
	}
}

// SetBalanceU64 is SetBalance for values arriving off the binary stream.
func (s *Session) SetBalanceU64(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance.SetUint64(v)
	if v > 0 {
		s.hasBalance = true
	}
}

// ApplyAccount folds a backend account snapshot into the session.
func (s *Session) ApplyAccount(acct *backend.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = acct.Exists
	if acct.Balance != nil {
		s.balance.Set(acct.Balance)
	} else {
		s.balance.SetInt64(0)
	}
	s.hasBalance = acct.Exists && s.balance.Sign() > 0
}

func (s *Session) MarkRegistered() {
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
}

// Status returns the fields of a balance reply in one consistent read.
func (s *Session) Status() (balance *big.Int, registered, hasBalance bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balance), s.registered, s.hasBalance
}

// StartGame marks a game as active under the client-generated id. It fails
// when a game is already running.
func (s *Session) StartGame(gameID uint64, t games.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inGame {
		return errors.New("game already in progress")
	}
	s.activeGameID = gameID
	s.gameType = t
	s.inGame = true
	return nil
}

// AdoptServerGameID replaces the optimistic local id with the server-assigned
// one. A zero server id preserves the local id.
func (s *Session) AdoptServerGameID(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inGame || id == 0 {
		return
	}
	s.activeGameID = id
}

// EndGame clears the active-game marker.
func (s *Session) EndGame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeGameID = 0
	s.inGame = false
}

// ActiveGame returns the current game, if any.
func (s *Session) ActiveGame() (gameID uint64, t games.Type, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeGameID, s.gameType, s.inGame
}

func (s *Session) InGame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inGame
}

// generateKeypair draws a fresh Ed25519 keypair from the OS CSPRNG,
// regenerating on degenerate seed material.
func generateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	for attempt := 0; attempt < 5; attempt++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		if weakSeed(priv.Seed()) {
			continue
		}
		return pub, priv, nil
	}
	return nil, nil, errors.New("csprng repeatedly produced weak key material")
}

// weakSeed flags seeds made of a single repeated byte, all-zero included.
func weakSeed(seed []byte) bool {
	for _, b := range seed[1:] {
		if b != seed[0] {
			return false
		}
	}
	return true
}
