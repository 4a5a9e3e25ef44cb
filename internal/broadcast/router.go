// Package broadcast routes published messages to subscribed sockets by
// opaque topic. Delivery is queued per socket and drained by a periodic
// flusher, so a slow consumer never blocks a publisher.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxQueuedPerSocket bounds one socket's pending broadcast backlog. A socket
// this far behind will be torn down by its own write deadline anyway.
const maxQueuedPerSocket = 1024

// Sink is the write side of a client socket, implemented by the ws layer.
type Sink interface {
	ID() string
	IsOpen() bool
	Enqueue(msg []byte) error
}

type subscriber struct {
	sink   Sink
	topics map[string]struct{}

	mu      sync.Mutex
	queue   [][]byte
	dropped uint64
}

func (s *subscriber) enqueue(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= maxQueuedPerSocket {
		s.dropped++
		return
	}
	s.queue = append(s.queue, msg)
}

func (s *subscriber) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

// Router is the topic fan-out. Subscription maps are guarded by one lock,
// taken only on subscribe/unsubscribe and snapshot; per-socket queues carry
// their own.
type Router struct {
	log *zap.Logger

	mu      sync.RWMutex
	topics  map[string]map[string]*subscriber
	sockets map[string]*subscriber
}

func NewRouter(log *zap.Logger) *Router {
	return &Router{
		log:     log,
		topics:  make(map[string]map[string]*subscriber),
		sockets: make(map[string]*subscriber),
	}
}

// Subscribe adds the socket to each topic, creating its queue on first use.
func (r *Router) Subscribe(s Sink, topics ...string) {
	id := s.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.sockets[id]
	if !ok {
		sub = &subscriber{sink: s, topics: make(map[string]struct{})}
		r.sockets[id] = sub
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
		m, ok := r.topics[t]
		if !ok {
			m = make(map[string]*subscriber)
			r.topics[t] = m
		}
		m[id] = sub
	}
}

// Unsubscribe removes the socket from every topic and discards its queue.
func (r *Router) Unsubscribe(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(socketID)
}

func (r *Router) removeLocked(socketID string) {
	sub, ok := r.sockets[socketID]
	if !ok {
		return
	}
	for t := range sub.topics {
		delete(r.topics[t], socketID)
		if len(r.topics[t]) == 0 {
			delete(r.topics, t)
		}
	}
	delete(r.sockets, socketID)
}

// UnsubscribeFromTopic removes one topic; the socket's other subscriptions
// and queued messages are untouched.
func (r *Router) UnsubscribeFromTopic(socketID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.sockets[socketID]
	if !ok {
		return
	}
	delete(sub.topics, topic)
	delete(r.topics[topic], socketID)
	if len(r.topics[topic]) == 0 {
		delete(r.topics, topic)
	}
	if len(sub.topics) == 0 {
		delete(r.sockets, socketID)
	}
}

// Subscriptions lists the socket's current topics.
func (r *Router) Subscriptions(socketID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.sockets[socketID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sub.topics))
	for t := range sub.topics {
		out = append(out, t)
	}
	return out
}

func (r *Router) IsSubscribed(socketID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sockets[socketID]
	return ok
}

// Publish queues msg for every socket subscribed to the topic. Messages
// become visible to clients on the next flush.
func (r *Router) Publish(topic string, msg []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.topics[topic] {
		sub.enqueue(msg)
	}
}

// PublishJSON marshals v once and publishes the bytes.
func (r *Router) PublishJSON(topic string, v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.Publish(topic, msg)
	return nil
}

// Flush drains every socket queue in FIFO order. Sockets that are not open
// are skipped with their queue intact; sockets whose sink errors are removed.
func (r *Router) Flush() {
	r.mu.RLock()
	subs := make([]*subscriber, 0, len(r.sockets))
	for _, sub := range r.sockets {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	var dead []string
	for _, sub := range subs {
		if !sub.sink.IsOpen() {
			continue
		}
		for i, msg := range sub.drain() {
			if err := sub.sink.Enqueue(msg); err != nil {
				r.log.Debug("broadcast sink failed, removing socket",
					zap.String("socket_id", sub.sink.ID()),
					zap.Int("delivered", i),
					zap.Error(err))
				dead = append(dead, sub.sink.ID())
				break
			}
		}
	}

	if len(dead) > 0 {
		r.mu.Lock()
		for _, id := range dead {
			r.removeLocked(id)
		}
		r.mu.Unlock()
	}
}

// Run flushes on a cadence until the context is canceled, with a final
// drain on the way out.
func (r *Router) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("broadcast flusher started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.Flush()
			r.log.Info("broadcast flusher stopped")
			return
		case <-ticker.C:
			r.Flush()
		}
	}
}

// Counts reports live topics and subscribed sockets, for metrics.
func (r *Router) Counts() (topics, sockets int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics), len(r.sockets)
}
