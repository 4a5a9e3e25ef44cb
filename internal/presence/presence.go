// Package presence tracks live sockets and keeps clients' clocks and lobby
// counters in step. It emits clock_sync and presence envelopes directly to
// every open socket, outside the topic router.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nullspace-games/casino-gateway/internal/broadcast"
)

// SessionCounter supplies the numbers a presence envelope carries.
type SessionCounter interface {
	Len() int
	ActiveGameCount() int
}

type clockSyncMsg struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	Seq        uint64 `json:"seq"`
}

type presenceMsg struct {
	Type        string `json:"type"`
	OnlineCount int    `json:"onlineCount"`
	ActiveGames int    `json:"activeGames"`
}

// Tracker owns the set of sockets eligible for presence broadcasts.
// serverTime is derived from the monotonic clock so it never steps backwards
// under NTP adjustment, and seq increases strictly across clock_sync events.
type Tracker struct {
	sessions SessionCounter
	log      *zap.Logger

	baseMs int64
	start  time.Time
	seq    atomic.Uint64

	mu    sync.Mutex
	sinks map[string]broadcast.Sink
}

func NewTracker(sessions SessionCounter, log *zap.Logger) *Tracker {
	return &Tracker{
		sessions: sessions,
		log:      log,
		baseMs:   time.Now().UnixMilli(),
		start:    time.Now(),
		sinks:    make(map[string]broadcast.Sink),
	}
}

func (t *Tracker) serverTime() int64 {
	return t.baseMs + time.Since(t.start).Milliseconds()
}

// ClockSyncMessage mints the next clock_sync envelope.
func (t *Tracker) ClockSyncMessage() []byte {
	msg, _ := json.Marshal(clockSyncMsg{
		Type:       "clock_sync",
		ServerTime: t.serverTime(),
		Seq:        t.seq.Add(1),
	})
	return msg
}

// PresenceMessage snapshots the lobby counters.
func (t *Tracker) PresenceMessage() []byte {
	msg, _ := json.Marshal(presenceMsg{
		Type:        "presence",
		OnlineCount: t.sessions.Len(),
		ActiveGames: t.sessions.ActiveGameCount(),
	})
	return msg
}

// Add registers a socket and announces the new headcount to everyone,
// the joining socket included.
func (t *Tracker) Add(s broadcast.Sink) {
	t.mu.Lock()
	t.sinks[s.ID()] = s
	t.mu.Unlock()
	t.broadcastAll(t.PresenceMessage())
}

// Remove drops a socket and announces the departure.
func (t *Tracker) Remove(socketID string) {
	t.mu.Lock()
	_, ok := t.sinks[socketID]
	delete(t.sinks, socketID)
	t.mu.Unlock()
	if ok {
		t.broadcastAll(t.PresenceMessage())
	}
}

func (t *Tracker) broadcastAll(msg []byte) {
	t.mu.Lock()
	sinks := make([]broadcast.Sink, 0, len(t.sinks))
	for _, s := range t.sinks {
		sinks = append(sinks, s)
	}
	t.mu.Unlock()

	for _, s := range sinks {
		if !s.IsOpen() {
			continue
		}
		if err := s.Enqueue(msg); err != nil {
			t.log.Debug("presence delivery failed",
				zap.String("socket_id", s.ID()),
				zap.Error(err))
		}
	}
}

// Run emits clock_sync and presence on their cadences until canceled.
func (t *Tracker) Run(ctx context.Context, clockEvery, presenceEvery time.Duration) {
	clock := time.NewTicker(clockEvery)
	defer clock.Stop()
	lobby := time.NewTicker(presenceEvery)
	defer lobby.Stop()

	t.log.Info("presence tracker started",
		zap.Duration("clock_interval", clockEvery),
		zap.Duration("presence_interval", presenceEvery))
	for {
		select {
		case <-ctx.Done():
			t.log.Info("presence tracker stopped")
			return
		case <-clock.C:
			t.broadcastAll(t.ClockSyncMessage())
		case <-lobby.C:
			t.broadcastAll(t.PresenceMessage())
		}
	}
}
