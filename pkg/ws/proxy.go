package ws

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tapgate-hq/tapgate/pkg/config"
	"tapgate-hq/tapgate/pkg/gateway"
	"tapgate-hq/tapgate/pkg/telemetry/logging"
	"tapgate-hq/tapgate/pkg/telemetry/metrics"
)

// Session tracks one proxied client connection. Both forwarding
// directions update the activity marker concurrently, so it is stored
// atomically.
type Session struct {
	// ID is the opaque session identifier.
	ID string

	// ClientAddr is the remote address of the client connection.
	ClientAddr string

	// Endpoint is the backend path the session proxies to.
	Endpoint string

	// ConnID references the session's backend connection in the registry.
	ConnID string

	// CorrelationRequired is accepted and stored for forward
	// compatibility with request/response correlation tracing. It does
	// not alter forwarding behavior.
	CorrelationRequired bool

	// CreatedAt is when the session was established.
	CreatedAt time.Time

	lastActivity atomic.Int64
}

// Touch refreshes the session's last-activity marker.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent forwarded frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// SessionInfo is the observability view of an active session.
type SessionInfo struct {
	ID           string    `json:"id"`
	ClientAddr   string    `json:"client_addr"`
	Endpoint     string    `json:"endpoint"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Handler upgrades inbound WebSocket requests and bridges them to the
// backend. The backend leg is established before the client upgrade, so a
// client never observes a successful upgrade when the backend is
// unreachable.
type Handler struct {
	registry *Registry
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	logger   *logging.Logger
	metrics  *metrics.Collector

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHandler creates a proxy handler backed by registry.
func NewHandler(registry *Registry, cfg config.WebSocketConfig, logger *logging.Logger, collector *metrics.Collector) *Handler {
	return &Handler{
		registry: registry,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway fronts for browser and CLI clients alike;
			// origin policy is enforced by the deployment, not here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   logger,
		metrics:  collector,
		sessions: make(map[string]*Session),
	}
}

// Handle proxies an inbound upgrade request to the given backend path.
// Query parameters from the inbound request are passed through to the
// backend dial.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request, backendPath string, correlationRequired bool) {
	connID, backendConn, err := h.registry.Connect(r.Context(), backendPath, r.URL.Query())
	if err != nil {
		h.logger.Error("backend leg failed, rejecting upgrade",
			"endpoint", backendPath, "client", r.RemoteAddr, "error", err)
		gateway.WriteError(w, err)
		return
	}

	clientConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Error("client upgrade failed",
			"endpoint", backendPath, "client", r.RemoteAddr, "error", err)
		backendConn.Close()
		h.registry.Remove(connID)
		return
	}

	session := &Session{
		ID:                  uuid.NewString(),
		ClientAddr:          r.RemoteAddr,
		Endpoint:            backendPath,
		ConnID:              connID,
		CorrelationRequired: correlationRequired,
		CreatedAt:           time.Now(),
	}
	session.Touch()

	h.mu.Lock()
	h.sessions[session.ID] = session
	h.mu.Unlock()

	h.metrics.SessionStarted(backendPath)
	h.logger.Info("proxy session started",
		"session_id", session.ID, "endpoint", backendPath, "client", r.RemoteAddr)

	go h.runSession(session, clientConn, backendConn)
}

// runSession drives the forwarder to completion, then performs the single
// cleanup pass for the session.
func (h *Handler) runSession(session *Session, clientConn, backendConn *websocket.Conn) {
	forwarder := &Forwarder{
		Client:          clientConn,
		Backend:         backendConn,
		Session:         session,
		Registry:        h.registry,
		ConnID:          session.ConnID,
		IdleReadTimeout: h.cfg.IdleReadTimeout,
		WriteTimeout:    h.cfg.WriteTimeout,
		MaxMessageSize:  h.cfg.MaxMessageSize,
		Logger:          h.logger,
		Metrics:         h.metrics,
	}

	err := forwarder.Run()

	h.cleanupSession(session.ID)
	h.metrics.SessionEnded(time.Since(session.CreatedAt))
	if err != nil {
		h.logger.Info("proxy session ended with error",
			"session_id", session.ID, "endpoint", session.Endpoint, "error", err)
		return
	}
	h.logger.Info("proxy session closed",
		"session_id", session.ID, "endpoint", session.Endpoint)
}

// cleanupSession removes the session and its backend connection metadata.
// Safe to call more than once for the same id.
func (h *Handler) cleanupSession(sessionID string) {
	h.mu.Lock()
	session, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()

	if ok {
		h.registry.Remove(session.ConnID)
	}
}

// ActiveSessionCount returns the number of live proxy sessions.
func (h *Handler) ActiveSessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// ListActiveSessions returns an observability snapshot of all live
// sessions.
func (h *Handler) ListActiveSessions() []SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	infos := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		infos = append(infos, SessionInfo{
			ID:           s.ID,
			ClientAddr:   s.ClientAddr,
			Endpoint:     s.Endpoint,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity(),
		})
	}
	return infos
}

// CleanupStaleSessions removes sessions idle for longer than maxIdle
// along with their backend connection metadata, returning the removed
// session ids. Their sockets are not force-closed; abandoned sessions hit
// their own read timeouts and finish cleanup through the normal path.
func (h *Handler) CleanupStaleSessions(maxIdle time.Duration) []string {
	h.mu.Lock()
	var stale []*Session
	for id, s := range h.sessions {
		if time.Since(s.LastActivity()) > maxIdle {
			delete(h.sessions, id)
			stale = append(stale, s)
		}
	}
	h.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, s := range stale {
		h.registry.Remove(s.ConnID)
		ids = append(ids, s.ID)
	}
	if len(ids) > 0 {
		h.logger.Info("removed stale proxy sessions", "count", len(ids))
	}
	return ids
}
