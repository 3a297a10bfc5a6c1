// Package mailbox implements the challenge-response authenticated mailbox
// stream: the WebSocket protocol between client and gateway, the challenge
// store, the authentication state machine, and the backend message poller.
package mailbox

import (
	"encoding/json"
	"fmt"
)

// ClientMessage is the inbound wire shape. Exactly one field is populated
// per message.
type ClientMessage struct {
	// Init opens authentication. It is free-form JSON carrying at least
	// a receiver_id field, and is replayed to the backend once the
	// stream starts.
	Init json.RawMessage `json:"init,omitempty"`

	// AuthSig answers an issued challenge.
	AuthSig *AuthSig `json:"auth_sig,omitempty"`
}

// AuthSig is the signed answer to a challenge.
type AuthSig struct {
	// Signature is the hex- or base64-encoded compact signature over the
	// challenge message.
	Signature string `json:"signature"`

	// ChallengeID identifies the challenge being answered.
	ChallengeID string `json:"challenge_id"`

	// Timestamp is the unix time the client signed at.
	Timestamp int64 `json:"timestamp"`
}

// ServerMessage is the outbound wire shape. Exactly one field is populated
// per message.
type ServerMessage struct {
	Challenge   *ChallengePayload `json:"challenge,omitempty"`
	AuthSuccess *bool             `json:"auth_success,omitempty"`
	Messages    json.RawMessage   `json:"messages,omitempty"`
	EOS         *EOSPayload       `json:"eos,omitempty"`
}

// ChallengePayload is sent in response to init.
type ChallengePayload struct {
	ChallengeID string `json:"challenge_id"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       string `json:"nonce"`
	Message     string `json:"message"`
}

// EOSPayload terminates a message stream.
type EOSPayload struct {
	Completed       bool    `json:"completed"`
	MessageCount    int     `json:"message_count,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// authResultMessage builds an auth_success response.
func authResultMessage(ok bool) *ServerMessage {
	return &ServerMessage{AuthSuccess: &ok}
}

// receiverIDFromInit extracts the receiver_id field from an init payload.
func receiverIDFromInit(init json.RawMessage) (string, error) {
	var payload struct {
		ReceiverID string `json:"receiver_id"`
	}
	if err := json.Unmarshal(init, &payload); err != nil {
		return "", fmt.Errorf("parse init payload: %w", err)
	}
	if payload.ReceiverID == "" {
		return "", fmt.Errorf("init payload missing receiver_id")
	}
	return payload.ReceiverID, nil
}
