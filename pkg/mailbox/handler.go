package mailbox

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tapgate-hq/tapgate/pkg/config"
	"tapgate-hq/tapgate/pkg/ratelimit"
	"tapgate-hq/tapgate/pkg/telemetry/logging"
	"tapgate-hq/tapgate/pkg/telemetry/metrics"
)

// BackendClient is the full backend surface the mailbox flow needs.
type BackendClient interface {
	Backend
	MailboxBackend
}

// Handler serves the mailbox receive WebSocket endpoint. Each connection
// owns its state machine exclusively; only the challenge store is shared.
type Handler struct {
	auth     *Authenticator
	store    *ChallengeStore
	backend  BackendClient
	cfg      config.MailboxConfig
	idle     time.Duration
	upgrader websocket.Upgrader
	logger   *logging.Logger
	metrics  *metrics.Collector
}

// NewHandler creates the mailbox WebSocket handler. idleTimeout bounds
// client inactivity while awaiting protocol messages.
func NewHandler(auth *Authenticator, store *ChallengeStore, backend BackendClient, cfg config.MailboxConfig, idleTimeout time.Duration, logger *logging.Logger, collector *metrics.Collector) *Handler {
	return &Handler{
		auth:    auth,
		store:   store,
		backend: backend,
		cfg:     cfg,
		idle:    idleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		metrics: collector,
	}
}

// Handle upgrades the request and drives the mailbox protocol to
// completion.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("mailbox upgrade failed", "client", r.RemoteAddr, "error", err)
		return
	}

	connID := uuid.NewString()
	logger := h.logger.With("connection_id", connID, "client", r.RemoteAddr)
	logger.Info("mailbox connection established")

	h.runConnection(r, conn, logger)

	conn.Close()
	logger.Info("mailbox connection finished")
}

// runConnection owns one connection's state machine from AwaitingInit
// through Closed.
func (h *Handler) runConnection(r *http.Request, conn *websocket.Conn, logger *logging.Logger) {
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	limiter := ratelimit.PerMinute(h.cfg.RateLimitPerMinute)
	sink := &connSink{conn: conn, writeTimeout: 30 * time.Second}

	state := StateAwaitingInit
	var pendingInit json.RawMessage
	var pendingReceiverID string

	for state != StateClosed {
		conn.SetReadDeadline(time.Now().Add(h.idle))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			h.closeOnReadError(conn, logger, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if !limiter.Allow() {
			h.metrics.RateLimited()
			logger.Warn("rate limit exceeded, closing connection")
			closeWith(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("unparseable mailbox message", "error", err)
			return
		}

		switch state {
		case StateAwaitingInit:
			if msg.Init == nil {
				logger.Warn("expected init message")
				sink.Send(authResultMessage(false))
				return
			}

			receiverID, err := receiverIDFromInit(msg.Init)
			if err != nil {
				logger.Warn("invalid init payload", "error", err)
				sink.Send(authResultMessage(false))
				return
			}

			challenge, err := h.store.Issue()
			if err != nil {
				logger.Warn("challenge issue rejected", "error", err)
				sink.Send(authResultMessage(false))
				return
			}

			pendingInit = msg.Init
			pendingReceiverID = receiverID
			state = StateChallengeSent

			if err := sink.Send(&ServerMessage{Challenge: &ChallengePayload{
				ChallengeID: challenge.ID,
				Timestamp:   challenge.Timestamp,
				Nonce:       challenge.Nonce,
				Message:     challenge.Message(),
			}}); err != nil {
				logger.Warn("failed to deliver challenge", "error", err)
				return
			}
			logger.Debug("challenge sent", "receiver_id", receiverID)

		case StateChallengeSent:
			if msg.AuthSig == nil {
				logger.Warn("expected auth signature")
				sink.Send(authResultMessage(false))
				return
			}

			ok, err := h.auth.Verify(r.Context(), pendingReceiverID, msg.AuthSig)
			if err != nil {
				logger.Warn("malformed auth signature", "error", err)
				sink.Send(authResultMessage(false))
				return
			}

			if err := sink.Send(authResultMessage(ok)); err != nil {
				logger.Warn("failed to deliver auth result", "error", err)
				return
			}
			if !ok {
				return
			}

			state = StateStreaming
			logger.Info("mailbox stream starting", "receiver_id", pendingReceiverID)

			poller := &Poller{
				Backend:        h.backend,
				Interval:       h.cfg.PollInterval,
				HeartbeatEvery: h.cfg.HeartbeatEvery,
				MaxEmptyPolls:  h.cfg.MaxEmptyPolls,
				Logger:         logger,
				Metrics:        h.metrics,
			}
			poller.Run(r.Context(), pendingInit, msg.AuthSig, sink)
			state = StateClosed

		default:
			logger.Warn("message received in unexpected state", "state", state.String())
			return
		}
	}
}

// closeOnReadError distinguishes idle timeouts and oversized messages
// from ordinary disconnects when shutting the connection down.
func (h *Handler) closeOnReadError(conn *websocket.Conn, logger *logging.Logger, err error) {
	if errors.Is(err, websocket.ErrReadLimit) {
		h.metrics.OversizedDropped("mailbox")
		logger.Warn("mailbox message exceeds size limit", "limit_bytes", h.cfg.MaxMessageSize)
		closeWith(conn, websocket.CloseMessageTooBig, "message too large")
		return
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		logger.Info("mailbox connection idle timeout")
		closeWith(conn, websocket.CloseNormalClosure, "connection idle timeout")
		return
	}

	if !websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		logger.Warn("mailbox read failed", "error", err)
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

// connSink delivers protocol messages over the WebSocket connection.
type connSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (s *connSink) Send(msg *ServerMessage) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *connSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage,
		[]byte("heartbeat"), time.Now().Add(s.writeTimeout))
}
