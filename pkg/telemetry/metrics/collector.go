// Package metrics provides Prometheus instrumentation for tapgate.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config controls metrics collection.
type Config struct {
	// Enabled toggles metrics collection. When false all record methods
	// are no-ops.
	Enabled bool `yaml:"enabled"`

	// Namespace is the Prometheus metric namespace.
	Namespace string `yaml:"namespace"`

	// Subsystem is the Prometheus metric subsystem.
	Subsystem string `yaml:"subsystem"`
}

// Collector manages the Prometheus metrics for all tapgate components:
// proxy sessions, frame forwarding, mailbox authentication, polling, and
// backend requests.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	// Proxy session metrics
	sessionsActive  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	sessionDuration prometheus.Histogram

	// Frame forwarding metrics
	messagesForwarded *prometheus.CounterVec
	bytesForwarded    *prometheus.CounterVec
	oversizedDropped  *prometheus.CounterVec

	// Registry maintenance metrics
	reconnectAttempts prometheus.Counter
	staleCleanups     prometheus.Counter

	// Mailbox auth metrics
	challengesIssued   prometheus.Counter
	challengesExpired  prometheus.Counter
	authResults        *prometheus.CounterVec
	mailboxPolls       *prometheus.CounterVec
	rateLimitedDropped prometheus.Counter

	// Backend metrics
	backendRequestDuration *prometheus.HistogramVec
	backendErrors          *prometheus.CounterVec
}

// NewCollector creates a metrics collector registered against the given
// Prometheus registry. If registry is nil a new private registry is created.
func NewCollector(cfg Config, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "tapgate"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "gateway"
	}

	c := &Collector{
		config:   cfg,
		registry: registry,

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_sessions_active",
			Help:      "Number of currently active WebSocket proxy sessions.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_sessions_total",
			Help:      "Total WebSocket proxy sessions accepted, by endpoint.",
		}, []string{"endpoint"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_session_duration_seconds",
			Help:      "Duration of completed WebSocket proxy sessions.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400},
		}),

		messagesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_messages_forwarded_total",
			Help:      "WebSocket messages forwarded, by direction.",
		}, []string{"direction"}),
		bytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_bytes_forwarded_total",
			Help:      "WebSocket payload bytes forwarded, by direction.",
		}, []string{"direction"}),
		oversizedDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_oversized_dropped_total",
			Help:      "WebSocket messages dropped for exceeding size limits, by direction.",
		}, []string{"direction"}),

		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_reconnect_attempts_total",
			Help:      "Backend reconnection attempts made by the connection registry.",
		}),
		staleCleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_stale_cleanups_total",
			Help:      "Connections removed by the staleness sweeper.",
		}),

		challengesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "mailbox_challenges_issued_total",
			Help:      "Mailbox authentication challenges issued.",
		}),
		challengesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "mailbox_challenges_expired_total",
			Help:      "Mailbox authentication challenges removed by expiry sweeps.",
		}),
		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "mailbox_auth_total",
			Help:      "Mailbox authentication outcomes, by result.",
		}, []string{"result"}),
		mailboxPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "mailbox_polls_total",
			Help:      "Mailbox poll cycles, by outcome (messages, empty, error).",
		}, []string{"outcome"}),
		rateLimitedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "mailbox_rate_limited_total",
			Help:      "Mailbox client messages rejected by the per-connection rate limit.",
		}),

		backendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "backend_request_duration_seconds",
			Help:      "Duration of REST requests to the backend daemon, by endpoint and status.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"endpoint", "status"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "backend_errors_total",
			Help:      "Backend request failures, by error type.",
		}, []string{"type"}),
	}

	if cfg.Enabled {
		registry.MustRegister(
			c.sessionsActive, c.sessionsTotal, c.sessionDuration,
			c.messagesForwarded, c.bytesForwarded, c.oversizedDropped,
			c.reconnectAttempts, c.staleCleanups,
			c.challengesIssued, c.challengesExpired, c.authResults,
			c.mailboxPolls, c.rateLimitedDropped,
			c.backendRequestDuration, c.backendErrors,
		)
	}

	return c
}

// SessionStarted records a new proxy session on the given endpoint.
func (c *Collector) SessionStarted(endpoint string) {
	if !c.config.Enabled {
		return
	}
	c.sessionsActive.Inc()
	c.sessionsTotal.WithLabelValues(endpoint).Inc()
}

// SessionEnded records a completed proxy session and its duration.
func (c *Collector) SessionEnded(duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.sessionsActive.Dec()
	c.sessionDuration.Observe(duration.Seconds())
}

// MessageForwarded records a forwarded WebSocket message and its size.
// Direction is "client_to_backend" or "backend_to_client".
func (c *Collector) MessageForwarded(direction string, size int) {
	if !c.config.Enabled {
		return
	}
	c.messagesForwarded.WithLabelValues(direction).Inc()
	c.bytesForwarded.WithLabelValues(direction).Add(float64(size))
}

// OversizedDropped records a message dropped for exceeding the size limit.
func (c *Collector) OversizedDropped(direction string) {
	if !c.config.Enabled {
		return
	}
	c.oversizedDropped.WithLabelValues(direction).Inc()
}

// ReconnectAttempt records one backend reconnection attempt.
func (c *Collector) ReconnectAttempt() {
	if !c.config.Enabled {
		return
	}
	c.reconnectAttempts.Inc()
}

// StaleCleanup records n connections removed by the staleness sweeper.
func (c *Collector) StaleCleanup(n int) {
	if !c.config.Enabled {
		return
	}
	c.staleCleanups.Add(float64(n))
}

// ChallengeIssued records one issued mailbox challenge.
func (c *Collector) ChallengeIssued() {
	if !c.config.Enabled {
		return
	}
	c.challengesIssued.Inc()
}

// ChallengesExpired records n challenges removed by an expiry sweep.
func (c *Collector) ChallengesExpired(n int) {
	if !c.config.Enabled {
		return
	}
	c.challengesExpired.Add(float64(n))
}

// AuthResult records a mailbox authentication outcome, e.g. "success",
// "invalid_signature", "expired_challenge", "unknown_receiver".
func (c *Collector) AuthResult(result string) {
	if !c.config.Enabled {
		return
	}
	c.authResults.WithLabelValues(result).Inc()
}

// MailboxPoll records one poll cycle with the given outcome.
func (c *Collector) MailboxPoll(outcome string) {
	if !c.config.Enabled {
		return
	}
	c.mailboxPolls.WithLabelValues(outcome).Inc()
}

// RateLimited records a client message rejected by the rate limiter.
func (c *Collector) RateLimited() {
	if !c.config.Enabled {
		return
	}
	c.rateLimitedDropped.Inc()
}

// BackendRequest records the duration and status of a backend REST request.
func (c *Collector) BackendRequest(endpoint, status string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.backendRequestDuration.WithLabelValues(endpoint, status).Observe(duration.Seconds())
}

// BackendError records a backend request failure by error type.
func (c *Collector) BackendError(errType string) {
	if !c.config.Enabled {
		return
	}
	c.backendErrors.WithLabelValues(errType).Inc()
}

// Registry returns the Prometheus registry holding all tapgate metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
