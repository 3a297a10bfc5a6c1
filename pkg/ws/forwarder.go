package ws

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"tapgate-hq/tapgate/pkg/telemetry/logging"
	"tapgate-hq/tapgate/pkg/telemetry/metrics"
)

// Forwarding directions, used as metric labels.
const (
	DirClientToBackend = "client_to_backend"
	DirBackendToClient = "backend_to_client"
)

// Forwarder pumps frames between a client connection and its backend leg
// until either direction ends. Data frames are size-checked and refresh
// the session and connection activity markers; ping and pong control
// frames are relayed to the opposite side; a close on either side
// propagates to the other.
type Forwarder struct {
	// Client and Backend are the two legs of the proxied stream. The
	// forwarder owns both for the duration of Run.
	Client  *websocket.Conn
	Backend *websocket.Conn

	// Session receives activity updates for every forwarded frame.
	Session *Session

	// Registry and ConnID identify the backend connection metadata to
	// keep fresh.
	Registry *Registry
	ConnID   string

	// IdleReadTimeout aborts a direction after this long without any
	// inbound frame.
	IdleReadTimeout time.Duration

	// WriteTimeout bounds every individual write to a peer.
	WriteTimeout time.Duration

	// MaxMessageSize caps inbound payloads on both legs.
	MaxMessageSize int64

	Logger  *logging.Logger
	Metrics *metrics.Collector
}

// Run forwards frames in both directions until one direction terminates,
// then closes both connections and waits for the other direction to
// drain. It returns the error that ended the first direction, or nil for
// a normal close.
func (f *Forwarder) Run() error {
	f.Client.SetReadLimit(f.MaxMessageSize)
	f.Backend.SetReadLimit(f.MaxMessageSize)
	f.installControlHandlers()

	errc := make(chan error, 2)
	go func() { errc <- f.copyLoop(f.Client, f.Backend, DirClientToBackend) }()
	go func() { errc <- f.copyLoop(f.Backend, f.Client, DirBackendToClient) }()

	err := <-errc

	// Closing both sockets unblocks the surviving direction's read.
	f.Client.Close()
	f.Backend.Close()
	<-errc

	if isNormalClose(err) {
		return nil
	}
	return err
}

// copyLoop forwards data frames from src to dst until a read or write
// fails. On exit it sends an appropriate close frame to dst.
func (f *Forwarder) copyLoop(src, dst *websocket.Conn, direction string) error {
	for {
		src.SetReadDeadline(time.Now().Add(f.IdleReadTimeout))
		msgType, data, err := src.ReadMessage()
		if err != nil {
			f.propagateClose(dst, direction, err)
			return err
		}

		dst.SetWriteDeadline(time.Now().Add(f.WriteTimeout))
		if err := dst.WriteMessage(msgType, data); err != nil {
			return err
		}

		f.touch()
		f.Metrics.MessageForwarded(direction, len(data))
	}
}

// installControlHandlers relays ping and pong frames between the two legs
// and counts control traffic as activity.
func (f *Forwarder) installControlHandlers() {
	relay := func(dst *websocket.Conn, msgType int) func(string) error {
		return func(appData string) error {
			f.touch()
			return dst.WriteControl(msgType, []byte(appData), time.Now().Add(f.WriteTimeout))
		}
	}

	f.Client.SetPingHandler(relay(f.Backend, websocket.PingMessage))
	f.Client.SetPongHandler(relay(f.Backend, websocket.PongMessage))
	f.Backend.SetPingHandler(relay(f.Client, websocket.PingMessage))
	f.Backend.SetPongHandler(relay(f.Client, websocket.PongMessage))
}

// propagateClose sends a close frame to dst reflecting why the source
// direction ended. Write errors here are ignored; the peer may already be
// gone.
func (f *Forwarder) propagateClose(dst *websocket.Conn, direction string, err error) {
	deadline := time.Now().Add(f.WriteTimeout)

	if errors.Is(err, websocket.ErrReadLimit) {
		f.Metrics.OversizedDropped(direction)
		f.Logger.Warn("oversized message terminated session",
			"direction", direction, "limit_bytes", f.MaxMessageSize)
		dst.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "message exceeds size limit"),
			deadline)
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code := closeErr.Code
		if code == websocket.CloseNoStatusReceived || code == websocket.CloseAbnormalClosure {
			code = websocket.CloseNormalClosure
		}
		dst.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), deadline)
		return
	}

	dst.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
}

// touch refreshes both activity markers.
func (f *Forwarder) touch() {
	if f.Session != nil {
		f.Session.Touch()
	}
	if f.Registry != nil && f.ConnID != "" {
		f.Registry.Touch(f.ConnID)
	}
}

// isNormalClose reports whether err represents an orderly shutdown rather
// than a failure.
func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
