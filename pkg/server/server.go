// Package server ties the gateway components together behind one HTTP
// listener: WebSocket proxy endpoints, the mailbox receive endpoint, REST
// mailbox passthrough, health and session observability, and metrics. It
// also owns the periodic staleness sweeps and graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"tapgate-hq/tapgate/pkg/backend"
	"tapgate-hq/tapgate/pkg/config"
	"tapgate-hq/tapgate/pkg/gateway"
	"tapgate-hq/tapgate/pkg/mailbox"
	"tapgate-hq/tapgate/pkg/telemetry/logging"
	"tapgate-hq/tapgate/pkg/telemetry/metrics"
	"tapgate-hq/tapgate/pkg/ws"
)

// Streaming endpoints exposed by the gateway and the backend paths they
// proxy to. The correlation flag is stored on each session for clients
// that tag requests, but forwarding is transparent either way.
var proxyRoutes = []struct {
	pattern     string
	backendPath string
	correlation bool
}{
	{"GET /v1/tapgate/events/asset-receive", "/v1/taproot-assets/events/asset-receive", false},
	{"GET /v1/tapgate/events/asset-send", "/v1/taproot-assets/events/asset-send", false},
	{"GET /v1/tapgate/rfq/ntfs", "/v1/taproot-assets/rfq/ntfs", true},
	{"GET /v1/tapgate/send/stream", "/v1/taproot-assets/subscribe/send", true},
}

// Deps are the constructed gateway components the server serves.
type Deps struct {
	Backend    *backend.Client
	Registry   *ws.Registry
	Proxy      *ws.Handler
	Mailbox    *mailbox.Handler
	Challenges *mailbox.ChallengeStore
	Logger     *logging.Logger
	Metrics    *metrics.Collector
}

// Server is the gateway HTTP server.
type Server struct {
	cfg          *config.Config
	deps         Deps
	httpServer   *http.Server
	cron         *cron.Cron
	logger       *logging.Logger
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// NewServer creates the gateway server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	return &Server{
		cfg:          cfg,
		deps:         deps,
		logger:       deps.Logger,
		shutdownChan: make(chan struct{}),
	}
}

// Start starts the HTTP listener and the background sweeps, then blocks
// until shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: 0, // streaming endpoints hold connections open
		IdleTimeout:  s.cfg.WebSocket.IdleReadTimeout,
	}

	if err := s.startSweeps(); err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting gateway server", "address", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	case <-s.shutdownChan:
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the sweeps and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.logger.Info("initiating graceful shutdown",
			"timeout", s.cfg.Server.ShutdownTimeout.String())

		if s.cron != nil {
			s.cron.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("error during server shutdown", "error", err)
				shutdownErr = fmt.Errorf("server shutdown error: %w", err)
			}
		}

		if s.deps.Registry != nil {
			s.deps.Registry.Shutdown()
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("gateway server stopped")
	})

	return shutdownErr
}

// IsRunning reports whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Handler returns the configured HTTP handler with the middleware chain
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/tapgate/sessions", s.handleSessions)

	mux.HandleFunc("GET /v1/tapgate/mailbox/info", s.handleMailboxInfo)
	mux.HandleFunc("POST /v1/tapgate/mailbox/receive", s.handleMailboxReceive)
	mux.HandleFunc("POST /v1/tapgate/mailbox/send", s.handleMailboxSend)

	// Authenticated mailbox streaming; GET upgrades, POST above is the
	// one-shot passthrough.
	mux.HandleFunc("GET /v1/tapgate/mailbox/receive", s.deps.Mailbox.Handle)

	for _, route := range proxyRoutes {
		route := route
		mux.HandleFunc(route.pattern, func(w http.ResponseWriter, r *http.Request) {
			s.deps.Proxy.Handle(w, r, route.backendPath, route.correlation)
		})
	}

	if s.cfg.Telemetry.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	var handler http.Handler = mux
	handler = loggingMiddleware(s.logger)(handler)
	handler = requestIDMiddleware(handler)
	handler = recoveryMiddleware(s.logger)(handler)
	return handler
}

// startSweeps schedules periodic cleanup of stale proxy sessions, stale
// registry entries, and expired challenges.
func (s *Server) startSweeps() error {
	s.cron = cron.New()
	schedule := fmt.Sprintf("@every %s", s.cfg.WebSocket.HealthInterval)

	_, err := s.cron.AddFunc(schedule, func() {
		maxIdle := s.cfg.WebSocket.StaleAfter
		if removed := s.deps.Proxy.CleanupStaleSessions(maxIdle); len(removed) > 0 {
			s.logger.Info("removed stale proxy sessions", "count", len(removed))
		}
		if removed := s.deps.Registry.CleanupStale(maxIdle); len(removed) > 0 {
			s.logger.Info("removed stale backend connections", "count", len(removed))
		}
		if expired := s.deps.Challenges.Sweep(); expired > 0 {
			s.logger.Debug("swept expired challenges", "count", expired)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeps: %w", err)
	}

	s.cron.Start()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	gateway.WriteJSON(w, map[string]any{
		"status":          "ok",
		"active_sessions": s.deps.Proxy.ActiveSessionCount(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Proxy.ListActiveSessions()
	gateway.WriteJSON(w, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleMailboxInfo(w http.ResponseWriter, r *http.Request) {
	raw, err := s.deps.Backend.MailboxInfo(r.Context())
	if err != nil {
		s.logger.WarnContext(r.Context(), "mailbox info request failed", "error", err)
		gateway.WriteError(w, err)
		return
	}
	writeRaw(w, raw)
}

func (s *Server) handleMailboxReceive(w http.ResponseWriter, r *http.Request) {
	s.passthrough(w, r, s.deps.Backend.MailboxReceive)
}

func (s *Server) handleMailboxSend(w http.ResponseWriter, r *http.Request) {
	s.passthrough(w, r, s.deps.Backend.MailboxSend)
}

// passthrough forwards a JSON request body to the backend and relays the
// response untouched.
func (s *Server) passthrough(w http.ResponseWriter, r *http.Request, call func(context.Context, any) (json.RawMessage, error)) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.Mailbox.MaxMessageSize))
	if err != nil {
		gateway.WriteError(w, gateway.NewRequestError("failed to read request body", err))
		return
	}
	if len(body) == 0 {
		gateway.WriteError(w, gateway.NewInvalidInputError("request body is required"))
		return
	}
	if !json.Valid(body) {
		gateway.WriteError(w, gateway.NewInvalidInputError("request body must be valid JSON"))
		return
	}

	raw, err := call(r.Context(), json.RawMessage(body))
	if err != nil {
		s.logger.WarnContext(r.Context(), "backend passthrough failed",
			"path", r.URL.Path, "error", err)
		gateway.WriteError(w, err)
		return
	}
	writeRaw(w, raw)
}

func writeRaw(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}
