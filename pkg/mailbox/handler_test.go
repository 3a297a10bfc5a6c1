package mailbox

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tapgate-hq/tapgate/pkg/config"
)

func testMailboxConfig() config.MailboxConfig {
	return config.MailboxConfig{
		MaxMessageSize:     65536,
		ChallengeTTL:       300 * time.Second,
		ChallengeCapacity:  100,
		TimestampSkew:      30 * time.Second,
		PollInterval:       time.Millisecond,
		HeartbeatEvery:     10,
		MaxEmptyPolls:      1,
		RateLimitPerMinute: 60,
	}
}

// handlerFixture runs a mailbox handler behind a real WebSocket server.
type handlerFixture struct {
	*authFixture
	handler *Handler
	server  *httptest.Server
}

func newHandlerFixture(t *testing.T, cfg config.MailboxConfig) *handlerFixture {
	t.Helper()
	fx := newAuthFixture(t)
	handler := NewHandler(fx.auth, fx.store, fx.backend, cfg, time.Minute, authTestLogger(t), testMetrics())
	server := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(server.Close)
	return &handlerFixture{authFixture: fx, handler: handler, server: server}
}

func (fx *handlerFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial mailbox endpoint: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func (fx *handlerFixture) sendInit(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	init := json.RawMessage(fmt.Sprintf(`{"receiver_id":%q}`, fx.receiverID))
	if err := conn.WriteJSON(&ClientMessage{Init: init}); err != nil {
		t.Fatalf("write init: %v", err)
	}
}

func readServerMessage(t *testing.T, conn *websocket.Conn) *ServerMessage {
	t.Helper()
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read server message: %v", err)
	}
	return &msg
}

func TestHandlerAuthenticatedStream(t *testing.T) {
	fx := newHandlerFixture(t, testMailboxConfig())
	fx.backend.responses = []json.RawMessage{
		json.RawMessage(`{"messages":[{"id":"m1","payload":"hello"}]}`),
	}

	conn := fx.dial(t)
	fx.sendInit(t, conn)

	msg := readServerMessage(t, conn)
	if msg.Challenge == nil {
		t.Fatalf("expected challenge, got %+v", msg)
	}
	if !strings.HasPrefix(msg.Challenge.Message, "Sign this challenge: ") {
		t.Errorf("unexpected challenge message %q", msg.Challenge.Message)
	}

	err := conn.WriteJSON(&ClientMessage{AuthSig: &AuthSig{
		Signature:   fx.sign(msg.Challenge.Message),
		ChallengeID: msg.Challenge.ChallengeID,
		Timestamp:   time.Now().Unix(),
	}})
	if err != nil {
		t.Fatalf("write auth signature: %v", err)
	}

	msg = readServerMessage(t, conn)
	if msg.AuthSuccess == nil || !*msg.AuthSuccess {
		t.Fatalf("expected auth success, got %+v", msg)
	}

	msg = readServerMessage(t, conn)
	if msg.Messages == nil {
		t.Fatalf("expected message batch, got %+v", msg)
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(msg.Messages, &batch); err != nil || len(batch) != 1 {
		t.Fatalf("unexpected batch %s: %v", msg.Messages, err)
	}

	msg = readServerMessage(t, conn)
	if msg.EOS == nil || !msg.EOS.Completed || msg.EOS.MessageCount != 1 {
		t.Fatalf("unexpected eos %+v", msg.EOS)
	}
}

func TestHandlerRejectsUnknownChallenge(t *testing.T) {
	fx := newHandlerFixture(t, testMailboxConfig())

	conn := fx.dial(t)
	fx.sendInit(t, conn)

	msg := readServerMessage(t, conn)
	if msg.Challenge == nil {
		t.Fatalf("expected challenge, got %+v", msg)
	}

	err := conn.WriteJSON(&ClientMessage{AuthSig: &AuthSig{
		Signature:   fx.sign(msg.Challenge.Message),
		ChallengeID: "not-a-real-challenge",
		Timestamp:   time.Now().Unix(),
	}})
	if err != nil {
		t.Fatalf("write auth signature: %v", err)
	}

	msg = readServerMessage(t, conn)
	if msg.AuthSuccess == nil || *msg.AuthSuccess {
		t.Fatalf("expected auth failure, got %+v", msg)
	}

	if err := conn.ReadJSON(&ServerMessage{}); err == nil {
		t.Error("connection stayed open after failed auth")
	}
}

func TestHandlerRejectsNonInitFirstMessage(t *testing.T) {
	fx := newHandlerFixture(t, testMailboxConfig())

	conn := fx.dial(t)
	err := conn.WriteJSON(&ClientMessage{AuthSig: &AuthSig{
		Signature:   strings.Repeat("ab", 64),
		ChallengeID: "whatever",
		Timestamp:   time.Now().Unix(),
	}})
	if err != nil {
		t.Fatalf("write message: %v", err)
	}

	msg := readServerMessage(t, conn)
	if msg.AuthSuccess == nil || *msg.AuthSuccess {
		t.Fatalf("expected auth failure, got %+v", msg)
	}
}

func TestHandlerClosesOnRateLimit(t *testing.T) {
	cfg := testMailboxConfig()
	cfg.RateLimitPerMinute = 1
	fx := newHandlerFixture(t, cfg)

	conn := fx.dial(t)
	fx.sendInit(t, conn)

	msg := readServerMessage(t, conn)
	if msg.Challenge == nil {
		t.Fatalf("expected challenge, got %+v", msg)
	}

	// The single token is spent; the next message must trip the limiter.
	if err := conn.WriteJSON(&ClientMessage{}); err != nil {
		t.Fatalf("write message: %v", err)
	}

	err := conn.ReadJSON(&ServerMessage{})
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestHandlerClosesOnOversizedMessage(t *testing.T) {
	cfg := testMailboxConfig()
	cfg.MaxMessageSize = 64
	fx := newHandlerFixture(t, cfg)

	conn := fx.dial(t)
	payload := fmt.Sprintf(`{"init":{"receiver_id":%q}}`, strings.Repeat("x", 200))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write oversized message: %v", err)
	}

	err := conn.ReadJSON(&ServerMessage{})
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("expected message too big close, got %v", err)
	}
}
