// Package ws implements the WebSocket proxy subsystem: the backend
// connection registry, the bidirectional frame forwarder, and the proxy
// handler that ties an upgraded client connection to a backend stream.
package ws

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tapgate-hq/tapgate/pkg/gateway"
	"tapgate-hq/tapgate/pkg/telemetry/logging"
	"tapgate-hq/tapgate/pkg/telemetry/metrics"
)

// Dialer opens authenticated WebSocket connections to the backend.
// *backend.Client satisfies this.
type Dialer interface {
	DialWebSocket(ctx context.Context, path string, query url.Values) (*websocket.Conn, error)
}

// BackendConnection is the registry's metadata record for one backend
// WebSocket connection. The connection itself is handed to the caller of
// Connect and never retained here.
type BackendConnection struct {
	// ID is the opaque connection identifier.
	ID string

	// Endpoint is the backend path this connection targets.
	Endpoint string

	// CreatedAt is when the connection was established.
	CreatedAt time.Time

	// LastActivity is refreshed on every forwarded frame.
	LastActivity time.Time
}

// Registry tracks metadata for all live backend connections. Stream
// ownership stays with the forwarder that uses the connection; the
// registry only observes activity and drives staleness eviction and
// reconnection.
type Registry struct {
	dialer  Dialer
	retry   RetryPolicy
	logger  *logging.Logger
	metrics *metrics.Collector

	mu    sync.Mutex
	conns map[string]*BackendConnection
}

// NewRegistry creates an empty connection registry using dialer for
// backend connections and retry for the reconnect path.
func NewRegistry(dialer Dialer, retry RetryPolicy, logger *logging.Logger, collector *metrics.Collector) *Registry {
	return &Registry{
		dialer:  dialer,
		retry:   retry,
		logger:  logger,
		metrics: collector,
		conns:   make(map[string]*BackendConnection),
	}
}

// Connect dials the backend endpoint and registers connection metadata.
// The returned connection is owned by the caller.
func (r *Registry) Connect(ctx context.Context, endpoint string, query url.Values) (string, *websocket.Conn, error) {
	conn, err := r.dialer.DialWebSocket(ctx, endpoint, query)
	if err != nil {
		return "", nil, err
	}

	id := uuid.NewString()
	now := time.Now()

	r.mu.Lock()
	r.conns[id] = &BackendConnection{
		ID:           id,
		Endpoint:     endpoint,
		CreatedAt:    now,
		LastActivity: now,
	}
	r.mu.Unlock()

	r.logger.Debug("backend connection established",
		"connection_id", id, "endpoint", endpoint)
	return id, conn, nil
}

// Remove deregisters a connection and returns its record, or nil if the
// id is unknown. Removing twice is a safe no-op.
func (r *Registry) Remove(id string) *BackendConnection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.conns, id)
	return conn
}

// Touch refreshes the last-activity timestamp. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[id]; ok {
		conn.LastActivity = time.Now()
	}
}

// Healthy reports whether the connection is registered and its idle time
// is within maxIdle.
func (r *Registry) Healthy(id string, maxIdle time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	return time.Since(conn.LastActivity) <= maxIdle
}

// CleanupStale removes every connection idle for longer than maxIdle and
// returns the removed ids.
func (r *Registry) CleanupStale(maxIdle time.Duration) []string {
	r.mu.Lock()
	var removed []string
	for id, conn := range r.conns {
		if time.Since(conn.LastActivity) > maxIdle {
			delete(r.conns, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		r.metrics.StaleCleanup(len(removed))
		r.logger.Info("removed stale backend connections", "count", len(removed))
	}
	return removed
}

// Reconnect drops the registration for id and re-dials its endpoint with
// bounded exponential backoff, returning the replacement connection. The
// last dial error surfaces after the attempts are exhausted.
func (r *Registry) Reconnect(ctx context.Context, id string) (string, *websocket.Conn, error) {
	old := r.Remove(id)
	if old == nil {
		return "", nil, gateway.NewWebSocketProxyError(
			fmt.Sprintf("unknown connection %s", id), nil)
	}

	var (
		newID   string
		newConn *websocket.Conn
	)
	err := r.retry.Retry(ctx, func() error {
		r.metrics.ReconnectAttempt()
		var dialErr error
		newID, newConn, dialErr = r.Connect(ctx, old.Endpoint, nil)
		if dialErr != nil {
			r.logger.Warn("reconnect attempt failed",
				"endpoint", old.Endpoint, "error", dialErr)
		}
		return dialErr
	})
	if err != nil {
		return "", nil, err
	}
	return newID, newConn, nil
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Get returns a copy of the metadata record for id, if present.
func (r *Registry) Get(id string) (BackendConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return BackendConnection{}, false
	}
	return *conn, true
}

// Shutdown drops every registered record. The streams themselves belong
// to the forwarders using them and close when their sessions end.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	n := len(r.conns)
	r.conns = make(map[string]*BackendConnection)
	r.mu.Unlock()

	if n > 0 {
		r.logger.Info("connection registry cleared", "connections", n)
	}
}
