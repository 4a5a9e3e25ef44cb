// Package metrics aggregates the counters scattered across the gateway's
// components into one JSON snapshot and a prometheus registry. Components
// keep their own atomics; this package only reads them at scrape time.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nullspace-games/casino-gateway/internal/admission"
	"github.com/nullspace-games/casino-gateway/internal/broadcast"
	"github.com/nullspace-games/casino-gateway/internal/dispatch"
	"github.com/nullspace-games/casino-gateway/internal/forwarder"
	"github.com/nullspace-games/casino-gateway/internal/nonce"
	"github.com/nullspace-games/casino-gateway/internal/session"
	"github.com/nullspace-games/casino-gateway/internal/updates"
)

// SocketCounter reports live transport connections. *ws.Server satisfies it.
type SocketCounter interface {
	Clients() int
}

// Sources are the components that expose counters. Nil fields are skipped,
// so partial wiring stays cheap in tests.
type Sources struct {
	Dispatcher *dispatch.Dispatcher
	Forwarder  *forwarder.Forwarder
	Stream     *updates.Subscriber
	Sessions   *session.Manager
	Nonces     *nonce.Manager
	Limiter    *admission.ConnLimiter
	Router     *broadcast.Router
	Sockets    SocketCounter
}

type Metrics struct {
	src     Sources
	started time.Time
}

func New(src Sources) *Metrics {
	return &Metrics{src: src, started: time.Now()}
}

// ── JSON snapshot ───────────────────────────────────────────────────────────

type SessionSnapshot struct {
	Live   int `json:"live"`
	InGame int `json:"in_game"`
}

type ConnSnapshot struct {
	Sockets int `json:"sockets"`
	Slots   int `json:"slots"`
	IPs     int `json:"ips"`
}

type BroadcastSnapshot struct {
	Topics      int `json:"topics"`
	Subscribers int `json:"subscribers"`
}

type Snapshot struct {
	UptimeSeconds int64             `json:"uptime_seconds"`
	Sessions      SessionSnapshot   `json:"sessions"`
	Connections   ConnSnapshot      `json:"connections"`
	Dispatcher    dispatch.Stats    `json:"dispatcher"`
	Forwarder     forwarder.Stats   `json:"forwarder"`
	Stream        updates.Stats     `json:"stream"`
	Broadcast     BroadcastSnapshot `json:"broadcast"`
	NonceEntries  int               `json:"nonce_entries"`
}

func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{UptimeSeconds: int64(time.Since(m.started).Seconds())}
	if s := m.src.Sessions; s != nil {
		snap.Sessions = SessionSnapshot{Live: s.Len(), InGame: s.ActiveGameCount()}
	}
	if l := m.src.Limiter; l != nil {
		snap.Connections.Slots, snap.Connections.IPs = l.Counts()
	}
	if c := m.src.Sockets; c != nil {
		snap.Connections.Sockets = c.Clients()
	}
	if d := m.src.Dispatcher; d != nil {
		snap.Dispatcher = d.Stats()
	}
	if f := m.src.Forwarder; f != nil {
		snap.Forwarder = f.Stats()
	}
	if s := m.src.Stream; s != nil {
		snap.Stream = s.Stats()
	}
	if r := m.src.Router; r != nil {
		snap.Broadcast.Topics, snap.Broadcast.Subscribers = r.Counts()
	}
	if n := m.src.Nonces; n != nil {
		snap.NonceEntries = n.Len()
	}
	return snap
}

// ── Prometheus ──────────────────────────────────────────────────────────────

func NewRegistry() *prometheus.Registry { return prometheus.NewRegistry() }

// Handler serves the registry in prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Register puts a collector for every gateway counter on the registry.
func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(newCollector(m))
}

type collector struct {
	m *Metrics

	uptime            *prometheus.Desc
	sessionsLive      *prometheus.Desc
	sessionsInGame    *prometheus.Desc
	socketsLive       *prometheus.Desc
	connSlots         *prometheus.Desc
	connIPs           *prometheus.Desc
	messagesTotal     *prometheus.Desc
	failuresTotal     *prometheus.Desc
	rateLimitedTotal  *prometheus.Desc
	bucketResetsTotal *prometheus.Desc
	rateBuckets       *prometheus.Desc
	pendingWaiters    *prometheus.Desc
	idemEntries       *prometheus.Desc
	retriesTotal      *prometheus.Desc
	dedupTotal        *prometheus.Desc
	streamUpdates     *prometheus.Desc
	streamEvents      *prometheus.Desc
	streamReconnects  *prometheus.Desc
	topics            *prometheus.Desc
	subscribers       *prometheus.Desc
	nonceEntries      *prometheus.Desc
}

func newCollector(m *Metrics) *collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("gateway_"+name, help, labels, nil)
	}
	return &collector{
		m:                 m,
		uptime:            desc("uptime_seconds", "Seconds since the gateway started."),
		sessionsLive:      desc("sessions_live", "Current live sessions."),
		sessionsInGame:    desc("sessions_in_game", "Sessions with a game in progress."),
		socketsLive:       desc("sockets_live", "Current websocket connections."),
		connSlots:         desc("connection_slots", "Connection slots held in the per-IP limiter."),
		connIPs:           desc("connection_ips", "Distinct client IPs with live connections."),
		messagesTotal:     desc("messages_total", "Inbound frames processed."),
		failuresTotal:     desc("message_failures_total", "Inbound frames that produced an error envelope."),
		rateLimitedTotal:  desc("rate_limited_total", "Frames refused by the per-session rate bucket."),
		bucketResetsTotal: desc("rate_bucket_resets_total", "Rate bucket window resets."),
		rateBuckets:       desc("rate_buckets", "Live per-connection rate buckets."),
		pendingWaiters:    desc("pending_waiters", "Handlers waiting on a backend event."),
		idemEntries:       desc("idempotency_entries", "Idempotency store entries by status.", "status"),
		retriesTotal:      desc("submission_retries_total", "Backend submission retry attempts."),
		dedupTotal:        desc("submission_dedup_total", "Submissions answered from the idempotency store."),
		streamUpdates:     desc("stream_updates_total", "Raw updates received from the backend stream."),
		streamEvents:      desc("stream_events_total", "Events decoded from the backend stream."),
		streamReconnects:  desc("stream_reconnects_total", "Backend stream reconnects."),
		topics:            desc("broadcast_topics", "Topics with at least one subscriber."),
		subscribers:       desc("broadcast_subscribers", "Topic subscriptions across all sockets."),
		nonceEntries:      desc("nonce_entries", "Public keys with tracked nonce state."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	gauge(c.uptime, float64(snap.UptimeSeconds))
	gauge(c.sessionsLive, float64(snap.Sessions.Live))
	gauge(c.sessionsInGame, float64(snap.Sessions.InGame))
	gauge(c.socketsLive, float64(snap.Connections.Sockets))
	gauge(c.connSlots, float64(snap.Connections.Slots))
	gauge(c.connIPs, float64(snap.Connections.IPs))

	counter(c.messagesTotal, float64(snap.Dispatcher.Messages))
	counter(c.failuresTotal, float64(snap.Dispatcher.Failures))
	counter(c.rateLimitedTotal, float64(snap.Dispatcher.RateBlocked))
	counter(c.bucketResetsTotal, float64(snap.Dispatcher.BucketResets))
	gauge(c.rateBuckets, float64(snap.Dispatcher.ActiveBuckets))
	gauge(c.pendingWaiters, float64(snap.Dispatcher.PendingWaiters))

	gauge(c.idemEntries, float64(snap.Forwarder.Pending), "pending")
	gauge(c.idemEntries, float64(snap.Forwarder.Completed), "completed")
	gauge(c.idemEntries, float64(snap.Forwarder.Failed), "failed")
	counter(c.retriesTotal, float64(snap.Forwarder.RetryAttempts))
	counter(c.dedupTotal, float64(snap.Forwarder.DedupHits))

	counter(c.streamUpdates, float64(snap.Stream.UpdatesReceived))
	counter(c.streamEvents, float64(snap.Stream.EventsDecoded))
	counter(c.streamReconnects, float64(snap.Stream.Reconnects))

	gauge(c.topics, float64(snap.Broadcast.Topics))
	gauge(c.subscribers, float64(snap.Broadcast.Subscribers))
	gauge(c.nonceEntries, float64(snap.NonceEntries))
}
