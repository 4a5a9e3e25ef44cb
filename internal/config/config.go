// Package config loads the gateway's settings from defaults, an optional
// config.yaml, and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nullspace-games/casino-gateway/internal/admission"
)

type Config struct {
	Server    ServerConfig
	Backend   BackendConfig
	Redis     RedisConfig
	Limits    LimitsConfig
	Session   SessionConfig
	Broadcast BroadcastConfig
	Presence  PresenceConfig
	Nonce     NonceConfig
	Forwarder ForwarderConfig
}

type ServerConfig struct {
	Port              int    `mapstructure:"port"`
	Env               string `mapstructure:"env"`
	AllowedOrigins    string `mapstructure:"allowed_origins"`
	AllowNoOrigin     bool   `mapstructure:"allow_no_origin"`
	TrustedProxyCIDRs string `mapstructure:"trusted_proxy_cidrs"`
	DrainTimeoutMS    int    `mapstructure:"drain_timeout_ms"`
	MetricsAuthToken  string `mapstructure:"metrics_auth_token"`
}

type BackendConfig struct {
	SubmitURL        string `mapstructure:"submit_url"`
	StreamURL        string `mapstructure:"stream_url"`
	RequestTimeoutMS int    `mapstructure:"request_timeout_ms"`
	Namespace        string `mapstructure:"namespace"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type LimitsConfig struct {
	MaxConnsPerIP       int `mapstructure:"max_conns_per_ip"`
	MaxTotalSessions    int `mapstructure:"max_total_sessions"`
	SessionRatePoints   int `mapstructure:"session_rate_points"`
	SessionRateWindowMS int `mapstructure:"session_rate_window_ms"`
	SessionBlockMS      int `mapstructure:"session_block_ms"`
	SessionsPerIPHour   int `mapstructure:"sessions_per_ip_hour"`
}

type SessionConfig struct {
	TTLMS             int `mapstructure:"ttl_ms"`
	EventTimeoutMS    int `mapstructure:"event_timeout_ms"`
	RefreshIntervalMS int `mapstructure:"refresh_interval_ms"`
}

type BroadcastConfig struct {
	FlushIntervalMS int `mapstructure:"flush_interval_ms"`
}

type PresenceConfig struct {
	IntervalMS      int `mapstructure:"interval_ms"`
	ClockIntervalMS int `mapstructure:"clock_interval_ms"`
}

type NonceConfig struct {
	SnapshotIntervalMS int `mapstructure:"snapshot_interval_ms"`
}

type ForwarderConfig struct {
	MaxRetries        int     `mapstructure:"max_retries"`
	InitialBackoffMS  int     `mapstructure:"initial_backoff_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	MaxBackoffMS      int     `mapstructure:"max_backoff_ms"`
	IdempotencyTTLMS  int     `mapstructure:"idempotency_ttl_ms"`
	SweepIntervalMS   int     `mapstructure:"sweep_interval_ms"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.allow_no_origin", false)
	v.SetDefault("server.drain_timeout_ms", 30000)
	v.SetDefault("backend.request_timeout_ms", 10000)
	v.SetDefault("backend.namespace", "_NULLSPACE_TX")
	v.SetDefault("limits.max_conns_per_ip", 8)
	v.SetDefault("limits.max_total_sessions", 2000)
	v.SetDefault("limits.session_rate_points", 120)
	v.SetDefault("limits.session_rate_window_ms", 60000)
	v.SetDefault("limits.session_block_ms", 30000)
	v.SetDefault("limits.sessions_per_ip_hour", 10)
	v.SetDefault("session.ttl_ms", 1800000)
	v.SetDefault("session.event_timeout_ms", 0) // resolved per env after unmarshal
	v.SetDefault("session.refresh_interval_ms", 15000)
	v.SetDefault("broadcast.flush_interval_ms", 100)
	v.SetDefault("presence.interval_ms", 15000)
	v.SetDefault("presence.clock_interval_ms", 30000)
	v.SetDefault("nonce.snapshot_interval_ms", 30000)
	v.SetDefault("forwarder.max_retries", 3)
	v.SetDefault("forwarder.initial_backoff_ms", 200)
	v.SetDefault("forwarder.backoff_multiplier", 2.0)
	v.SetDefault("forwarder.max_backoff_ms", 5000)
	v.SetDefault("forwarder.idempotency_ttl_ms", 600000)
	v.SetDefault("forwarder.sweep_interval_ms", 60000)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                "GATEWAY_PORT",
		"server.env":                 "GATEWAY_ENV",
		"server.allowed_origins":     "GATEWAY_ALLOWED_ORIGINS",
		"server.allow_no_origin":     "GATEWAY_ALLOW_NO_ORIGIN",
		"server.trusted_proxy_cidrs": "TRUSTED_PROXY_CIDRS",
		"server.drain_timeout_ms":    "GATEWAY_DRAIN_TIMEOUT_MS",
		"server.metrics_auth_token":  "METRICS_AUTH_TOKEN",
		"backend.submit_url":         "BACKEND_SUBMIT_URL",
		"backend.stream_url":         "BACKEND_STREAM_URL",
		"backend.request_timeout_ms": "BACKEND_REQUEST_TIMEOUT_MS",
		"backend.namespace":          "BACKEND_TX_NAMESPACE",
		"redis.addr":                 "REDIS_ADDR",
		"redis.password":             "REDIS_PASSWORD",
		"limits.max_conns_per_ip":    "GATEWAY_MAX_CONNS_PER_IP",
		"limits.max_total_sessions":  "GATEWAY_MAX_SESSIONS",
		"limits.session_rate_points": "GATEWAY_SESSION_RATE_LIMIT_POINTS",
		"session.ttl_ms":             "GATEWAY_SESSION_TTL_MS",
		"session.event_timeout_ms":   "GATEWAY_EVENT_TIMEOUT_MS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Session.EventTimeoutMS == 0 {
		if cfg.IsProduction() {
			cfg.Session.EventTimeoutMS = 30000
		} else {
			cfg.Session.EventTimeoutMS = 60000
		}
	}
	return cfg, cfg.validate()
}

func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

// Origins returns the allowed browser origins, split and trimmed.
func (c *Config) Origins() []string { return splitCSV(c.Server.AllowedOrigins) }

// ProxyCIDRs returns the trusted proxy entries, split and trimmed.
func (c *Config) ProxyCIDRs() []string { return splitCSV(c.Server.TrustedProxyCIDRs) }

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	var issues []error
	bad := func(key, value, hint string) {
		issues = append(issues, fmt.Errorf("%s=%s: %s", key, redact(value), hint))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		bad("server.port", strconv.Itoa(c.Server.Port), "set GATEWAY_PORT to a TCP port between 1 and 65535")
	}
	switch c.Server.Env {
	case "development", "test", "production":
	default:
		bad("server.env", c.Server.Env, "set GATEWAY_ENV to development, test, or production")
	}
	if c.Backend.SubmitURL == "" {
		bad("backend.submit_url", c.Backend.SubmitURL, "set BACKEND_SUBMIT_URL to the backend's submission endpoint")
	}
	if c.Backend.StreamURL == "" {
		bad("backend.stream_url", c.Backend.StreamURL, "set BACKEND_STREAM_URL to the backend's event stream endpoint")
	}
	if _, err := admission.ParseTrustedProxies(c.ProxyCIDRs()); err != nil {
		bad("server.trusted_proxy_cidrs", c.Server.TrustedProxyCIDRs,
			"entries must be CIDR blocks or the loopback/private/docker shorthands")
	}
	if c.Forwarder.BackoffMultiplier < 1 {
		bad("forwarder.backoff_multiplier", fmt.Sprintf("%g", c.Forwarder.BackoffMultiplier),
			"backoff multiplier must be at least 1")
	}
	for _, p := range []struct {
		key string
		val int
	}{
		{"server.drain_timeout_ms", c.Server.DrainTimeoutMS},
		{"backend.request_timeout_ms", c.Backend.RequestTimeoutMS},
		{"limits.max_conns_per_ip", c.Limits.MaxConnsPerIP},
		{"limits.max_total_sessions", c.Limits.MaxTotalSessions},
		{"limits.session_rate_points", c.Limits.SessionRatePoints},
		{"limits.session_rate_window_ms", c.Limits.SessionRateWindowMS},
		{"limits.session_block_ms", c.Limits.SessionBlockMS},
		{"session.ttl_ms", c.Session.TTLMS},
		{"session.event_timeout_ms", c.Session.EventTimeoutMS},
		{"session.refresh_interval_ms", c.Session.RefreshIntervalMS},
		{"broadcast.flush_interval_ms", c.Broadcast.FlushIntervalMS},
		{"presence.interval_ms", c.Presence.IntervalMS},
		{"presence.clock_interval_ms", c.Presence.ClockIntervalMS},
		{"nonce.snapshot_interval_ms", c.Nonce.SnapshotIntervalMS},
		{"forwarder.initial_backoff_ms", c.Forwarder.InitialBackoffMS},
		{"forwarder.max_backoff_ms", c.Forwarder.MaxBackoffMS},
		{"forwarder.idempotency_ttl_ms", c.Forwarder.IdempotencyTTLMS},
		{"forwarder.sweep_interval_ms", c.Forwarder.SweepIntervalMS},
	} {
		if p.val <= 0 {
			bad(p.key, strconv.Itoa(p.val), "value must be a positive integer")
		}
	}

	if c.IsProduction() {
		origins := c.Origins()
		if len(origins) == 0 {
			bad("server.allowed_origins", c.Server.AllowedOrigins,
				"set GATEWAY_ALLOWED_ORIGINS to a comma-separated list of browser origins")
		}
		for _, o := range origins {
			if strings.HasSuffix(o, "/") {
				bad("server.allowed_origins", o, "origins must not end with a slash")
			}
		}
		token := strings.TrimSpace(c.Server.MetricsAuthToken)
		if token == "" || isPlaceholder(token) {
			bad("server.metrics_auth_token", token, "set METRICS_AUTH_TOKEN to a real secret")
		}
	}

	if len(issues) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n%w", errors.Join(issues...))
}

// redact keeps config values out of logs and crash output. Short values hide
// entirely; longer ones keep a prefix so an operator can tell which of two
// deployments produced the error.
func redact(v string) string {
	if len(v) < 8 {
		return "[REDACTED]"
	}
	return v[:4] + "…"
}

var placeholderPrefixes = []string{"your_", "placeholder", "changeme"}

func isPlaceholder(v string) bool {
	lower := strings.ToLower(v)
	for _, p := range placeholderPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// ── Duration views ──────────────────────────────────────────────────────────

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (s ServerConfig) DrainTimeout() time.Duration { return ms(s.DrainTimeoutMS) }

func (b BackendConfig) RequestTimeout() time.Duration { return ms(b.RequestTimeoutMS) }

func (l LimitsConfig) SessionRateWindow() time.Duration { return ms(l.SessionRateWindowMS) }

func (l LimitsConfig) SessionBlock() time.Duration { return ms(l.SessionBlockMS) }

func (s SessionConfig) TTL() time.Duration { return ms(s.TTLMS) }

func (s SessionConfig) EventTimeout() time.Duration { return ms(s.EventTimeoutMS) }

func (s SessionConfig) RefreshInterval() time.Duration { return ms(s.RefreshIntervalMS) }

func (b BroadcastConfig) FlushInterval() time.Duration { return ms(b.FlushIntervalMS) }

func (p PresenceConfig) Interval() time.Duration { return ms(p.IntervalMS) }

func (p PresenceConfig) ClockInterval() time.Duration { return ms(p.ClockIntervalMS) }

func (n NonceConfig) SnapshotInterval() time.Duration { return ms(n.SnapshotIntervalMS) }

func (f ForwarderConfig) InitialBackoff() time.Duration { return ms(f.InitialBackoffMS) }

func (f ForwarderConfig) MaxBackoff() time.Duration { return ms(f.MaxBackoffMS) }

func (f ForwarderConfig) IdempotencyTTL() time.Duration { return ms(f.IdempotencyTTLMS) }

func (f ForwarderConfig) SweepInterval() time.Duration { return ms(f.SweepIntervalMS) }
