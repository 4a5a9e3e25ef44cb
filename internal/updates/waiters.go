// Package updates subscribes to the backend's binary event stream, fans
// player events out to their sessions, publishes round events to game topics
// and completes handlers waiting on submit confirmations.
package updates

import (
	"context"
	"errors"
	"sync"

	"github.com/nullspace-games/casino-gateway/internal/codec"
)

// ErrWaitCanceled is returned when the session closes while a handler is
// still waiting on a backend event.
var ErrWaitCanceled = errors.New("event wait canceled")

type waiterKey struct {
	player string
	kind   codec.EventKind
}

type waiter struct {
	ch   chan codec.Event
	keys []waiterKey
}

// Waiters matches backend events to handlers blocked on them. A wait
// registers under (player, kind) for one or more kinds; the first matching
// event completes it and removes every registration.
type Waiters struct {
	mu      sync.Mutex
	waiting map[waiterKey][]*waiter
}

func NewWaiters() *Waiters {
	return &Waiters{waiting: make(map[waiterKey][]*waiter)}
}

// Wait blocks until an event for the player with one of the given kinds
// arrives, the context expires, or the wait is canceled.
func (w *Waiters) Wait(ctx context.Context, player string, kinds ...codec.EventKind) (codec.Event, error) {
	wt := &waiter{ch: make(chan codec.Event, 1)}
	for _, k := range kinds {
		wt.keys = append(wt.keys, waiterKey{player: player, kind: k})
	}

	w.mu.Lock()
	for _, key := range wt.keys {
		w.waiting[key] = append(w.waiting[key], wt)
	}
	w.mu.Unlock()

	select {
	case ev, ok := <-wt.ch:
		if !ok {
			return codec.Event{}, ErrWaitCanceled
		}
		return ev, nil
	case <-ctx.Done():
		w.remove(wt)
		return codec.Event{}, ctx.Err()
	}
}

// Deliver completes the oldest waiter registered for the event, if any.
// Returns whether a waiter consumed it.
func (w *Waiters) Deliver(ev codec.Event) bool {
	key := waiterKey{player: ev.PlayerHex(), kind: ev.Kind}

	w.mu.Lock()
	queue := w.waiting[key]
	if len(queue) == 0 {
		w.mu.Unlock()
		return false
	}
	wt := queue[0]
	w.removeLocked(wt)
	w.mu.Unlock()

	wt.ch <- ev
	return true
}

// CancelPlayer aborts every wait the player has outstanding, typically on
// session teardown.
func (w *Waiters) CancelPlayer(player string) {
	w.mu.Lock()
	var canceled []*waiter
	seen := make(map[*waiter]struct{})
	for key, queue := range w.waiting {
		if key.player != player {
			continue
		}
		for _, wt := range queue {
			if _, dup := seen[wt]; !dup {
				seen[wt] = struct{}{}
				canceled = append(canceled, wt)
			}
		}
	}
	for _, wt := range canceled {
		w.removeLocked(wt)
	}
	w.mu.Unlock()

	for _, wt := range canceled {
		close(wt.ch)
	}
}

func (w *Waiters) remove(wt *waiter) {
	w.mu.Lock()
	w.removeLocked(wt)
	w.mu.Unlock()
}

func (w *Waiters) removeLocked(wt *waiter) {
	for _, key := range wt.keys {
		queue := w.waiting[key]
		for i, cand := range queue {
			if cand == wt {
				w.waiting[key] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		if len(w.waiting[key]) == 0 {
			delete(w.waiting, key)
		}
	}
}

// Pending counts outstanding waits, for metrics.
func (w *Waiters) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := make(map[*waiter]struct{})
	for _, queue := range w.waiting {
		for _, wt := range queue {
			seen[wt] = struct{}{}
		}
	}
	return len(seen)
}
