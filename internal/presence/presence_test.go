package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeCounter struct {
	mu     sync.Mutex
	online int
	inGame int
}

func (f *fakeCounter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeCounter) ActiveGameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inGame
}

func (f *fakeCounter) set(online, inGame int) {
	f.mu.Lock()
	f.online = online
	f.inGame = inGame
	f.mu.Unlock()
}

type fakeSink struct {
	id string

	mu   sync.Mutex
	open bool
	msgs [][]byte
}

func newFakeSink(id string) *fakeSink { return &fakeSink{id: id, open: true} }

func (f *fakeSink) ID() string { return f.id }

func (f *fakeSink) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSink) Enqueue(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func (f *fakeSink) last(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		t.Fatal("no messages received")
	}
	var m map[string]any
	if err := json.Unmarshal(f.msgs[len(f.msgs)-1], &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestClockSyncSeqStrictlyIncreasing(t *testing.T) {
	tr := NewTracker(&fakeCounter{}, zap.NewNop())

	var prev uint64
	for i := 0; i < 10; i++ {
		var msg clockSyncMsg
		if err := json.Unmarshal(tr.ClockSyncMessage(), &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != "clock_sync" {
			t.Fatalf("type = %q", msg.Type)
		}
		if msg.Seq <= prev {
			t.Fatalf("seq %d not strictly greater than %d", msg.Seq, prev)
		}
		prev = msg.Seq
	}
}

func TestServerTimeMonotonic(t *testing.T) {
	tr := NewTracker(&fakeCounter{}, zap.NewNop())

	var prev int64
	for i := 0; i < 5; i++ {
		var msg clockSyncMsg
		if err := json.Unmarshal(tr.ClockSyncMessage(), &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.ServerTime < prev {
			t.Fatalf("serverTime went backwards: %d < %d", msg.ServerTime, prev)
		}
		prev = msg.ServerTime
		time.Sleep(time.Millisecond)
	}
	if prev == 0 {
		t.Fatal("serverTime never advanced past zero")
	}
}

func TestPresenceMessageCounts(t *testing.T) {
	counter := &fakeCounter{}
	counter.set(12, 3)
	tr := NewTracker(counter, zap.NewNop())

	var msg presenceMsg
	if err := json.Unmarshal(tr.PresenceMessage(), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "presence" || msg.OnlineCount != 12 || msg.ActiveGames != 3 {
		t.Fatalf("presence = %+v", msg)
	}
}

func TestAddBroadcastsToEveryone(t *testing.T) {
	counter := &fakeCounter{}
	tr := NewTracker(counter, zap.NewNop())

	first := newFakeSink("s1")
	counter.set(1, 0)
	tr.Add(first)
	if first.count() != 1 {
		t.Fatalf("first socket received %d messages, want its own join presence", first.count())
	}

	second := newFakeSink("s2")
	counter.set(2, 0)
	tr.Add(second)

	// Both the existing and the joining socket see the new count.
	if got := first.last(t); got["onlineCount"].(float64) != 2 {
		t.Fatalf("first socket presence = %v", got)
	}
	if got := second.last(t); got["onlineCount"].(float64) != 2 {
		t.Fatalf("second socket presence = %v", got)
	}
}

func TestRemoveBroadcastsDeparture(t *testing.T) {
	counter := &fakeCounter{}
	tr := NewTracker(counter, zap.NewNop())

	stay := newFakeSink("stay")
	leave := newFakeSink("leave")
	counter.set(2, 0)
	tr.Add(stay)
	tr.Add(leave)

	counter.set(1, 0)
	tr.Remove("leave")
	if got := stay.last(t); got["onlineCount"].(float64) != 1 {
		t.Fatalf("presence after removal = %v", got)
	}

	before := stay.count()
	tr.Remove("leave") // unknown removal is silent
	if stay.count() != before {
		t.Fatal("second Remove broadcast again")
	}
}

func TestClosedSocketSkipped(t *testing.T) {
	counter := &fakeCounter{}
	tr := NewTracker(counter, zap.NewNop())

	open := newFakeSink("open")
	closed := newFakeSink("closed")
	tr.Add(open)
	tr.Add(closed)

	closed.mu.Lock()
	closed.open = false
	closedBefore := len(closed.msgs)
	closed.mu.Unlock()

	tr.broadcastAll(tr.PresenceMessage())

	closed.mu.Lock()
	closedAfter := len(closed.msgs)
	closed.mu.Unlock()
	if closedAfter != closedBefore {
		t.Fatal("closed socket received a broadcast")
	}
	if open.count() <= 2 {
		t.Fatalf("open socket received %d messages, want join presences plus broadcast", open.count())
	}
}

func TestRunEmitsOnCadence(t *testing.T) {
	counter := &fakeCounter{}
	tr := NewTracker(counter, zap.NewNop())
	s := newFakeSink("s1")
	tr.Add(s)
	base := s.count()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, 2*time.Millisecond, 3*time.Millisecond)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		if s.count() >= base+4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("tracker emitted %d messages, want several", s.count()-base)
		case <-time.After(2 * time.Millisecond):
		}
	}

	// Both envelope kinds must appear.
	var sawClock, sawPresence bool
	s.mu.Lock()
	for _, raw := range s.msgs[base:] {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			s.mu.Unlock()
			t.Fatalf("unmarshal: %v", err)
		}
		switch m["type"] {
		case "clock_sync":
			sawClock = true
		case "presence":
			sawPresence = true
		}
	}
	s.mu.Unlock()
	if !sawClock || !sawPresence {
		t.Fatalf("sawClock=%v sawPresence=%v", sawClock, sawPresence)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tracker did not stop on cancel")
	}
}
