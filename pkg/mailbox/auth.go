package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"tapgate-hq/tapgate/pkg/crypto"
	"tapgate-hq/tapgate/pkg/gateway"
	"tapgate-hq/tapgate/pkg/storage"
	"tapgate-hq/tapgate/pkg/telemetry/logging"
	"tapgate-hq/tapgate/pkg/telemetry/metrics"
)

// State is the per-connection authentication state. Transitions are
// strictly linear.
type State int

const (
	StateAwaitingInit State = iota
	StateChallengeSent
	StateAuthenticated
	StateStreaming
	StateClosed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateAwaitingInit:
		return "awaiting_init"
	case StateChallengeSent:
		return "challenge_sent"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// minReceiverIDLength is the shortest plausible receiver identifier.
const minReceiverIDLength = 8

// addressPrefix is the human-readable prefix of backend asset addresses.
const addressPrefix = "taprt1"

// Backend is the slice of the backend client the authenticator needs.
type Backend interface {
	// ProbeMailboxPermissions reports whether the gateway credential may
	// use the backend mailbox for this receiver.
	ProbeMailboxPermissions(ctx context.Context, receiverID string) (bool, error)

	// DecodeAddr reports whether the backend recognizes addr as a valid
	// asset address.
	DecodeAddr(ctx context.Context, addr string) bool
}

// Authenticator runs the challenge verification pipeline. Which check
// failed is logged server-side only; clients see a bare boolean so
// authentication failures give an attacker nothing to calibrate against.
type Authenticator struct {
	store     *ChallengeStore
	backend   Backend
	receivers storage.Store
	skew      time.Duration
	logger    *logging.Logger
	metrics   *metrics.Collector
}

// NewAuthenticator wires the verification pipeline.
func NewAuthenticator(store *ChallengeStore, backend Backend, receivers storage.Store, skew time.Duration, logger *logging.Logger, collector *metrics.Collector) *Authenticator {
	return &Authenticator{
		store:     store,
		backend:   backend,
		receivers: receivers,
		skew:      skew,
		logger:    logger,
		metrics:   collector,
	}
}

// Verify runs the full verification pipeline for a signed challenge
// answer. It returns (false, nil) for any check failure; an error is
// returned only for malformed input (missing required fields).
func (a *Authenticator) Verify(ctx context.Context, receiverID string, sig *AuthSig) (bool, error) {
	// 1. Required fields.
	if sig == nil || sig.Signature == "" || sig.ChallengeID == "" || sig.Timestamp == 0 {
		return false, gateway.NewInvalidInputError("auth_sig missing required fields")
	}
	if receiverID == "" {
		return false, gateway.NewInvalidInputError("missing receiver_id")
	}

	// 2. Structural sanity.
	sigBytes, err := decodeSignature(sig.Signature)
	if err != nil || len(sigBytes) < 32 {
		return a.deny("malformed_signature", receiverID, err)
	}

	// 3. Challenge must be outstanding and unexpired.
	challenge, ok := a.store.Lookup(sig.ChallengeID)
	if !ok {
		return a.deny("unknown_or_expired_challenge", receiverID, nil)
	}

	// 4. Timestamp skew, against both the wall clock and the challenge's
	// own timestamp.
	now := time.Now().Unix()
	if absDiff(now, sig.Timestamp) > int64(a.skew.Seconds()) {
		return a.deny("timestamp_skew", receiverID, nil)
	}
	if absDiff(challenge.Timestamp, sig.Timestamp) > int64(a.skew.Seconds()) {
		return a.deny("challenge_timestamp_skew", receiverID, nil)
	}

	// 5. Cryptographic verification against the resolved public key.
	pubKey, err := a.resolvePublicKey(ctx, receiverID)
	if err != nil {
		return a.deny("unresolvable_public_key", receiverID, err)
	}
	if err := crypto.VerifySignature(challenge.Message(), sigBytes, pubKey); err != nil {
		return a.deny("invalid_signature", receiverID, err)
	}

	// 6. Backend authorization.
	permitted, err := a.backend.ProbeMailboxPermissions(ctx, receiverID)
	if err != nil {
		return a.deny("permission_probe_failed", receiverID, err)
	}
	if !permitted {
		return a.deny("forbidden", receiverID, nil)
	}

	// 7. Receiver-id plausibility.
	if !a.validateReceiverID(ctx, receiverID) {
		return a.deny("implausible_receiver_id", receiverID, nil)
	}

	// 8. Consume the challenge and record the receiver, best-effort.
	a.store.Consume(sig.ChallengeID)
	a.recordReceiver(ctx, receiverID, pubKey)

	a.metrics.AuthResult("success")
	a.logger.Info("mailbox authentication succeeded", "receiver_id", receiverID)
	return true, nil
}

// deny logs the internal failure reason and returns the opaque result.
func (a *Authenticator) deny(reason, receiverID string, err error) (bool, error) {
	a.metrics.AuthResult(reason)
	a.logger.Warn("mailbox authentication denied",
		"reason", reason, "receiver_id", receiverID, "error", err)
	return false, nil
}

// resolvePublicKey returns the key bytes for a receiver: the receiver id
// itself when it is a hex-encoded key, otherwise the key stored for it.
func (a *Authenticator) resolvePublicKey(ctx context.Context, receiverID string) ([]byte, error) {
	if pubKey, err := crypto.ParsePublicKeyHex(receiverID); err == nil {
		return pubKey, nil
	}

	info, err := a.receivers.GetReceiver(ctx, receiverID)
	if err != nil {
		return nil, err
	}
	return crypto.ParsePublicKeyHex(info.PublicKey)
}

// validateReceiverID applies the plausibility rules: length, charset, and
// one of three acceptance paths (raw public key, active stored receiver,
// or backend-recognized address).
func (a *Authenticator) validateReceiverID(ctx context.Context, receiverID string) bool {
	if len(receiverID) < minReceiverIDLength {
		return false
	}
	if !isBech32Charset(receiverID) && !isIdentifierCharset(receiverID) {
		return false
	}

	if crypto.IsPublicKeyHex(receiverID) {
		return true
	}

	if info, err := a.receivers.GetReceiver(ctx, receiverID); err == nil && info.IsActive {
		return true
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.logger.Warn("receiver lookup failed", "receiver_id", receiverID, "error", err)
	}

	if !isValidAddressFormat(receiverID) {
		return false
	}
	return a.backend.DecodeAddr(ctx, receiverID)
}

// recordReceiver persists the authenticated receiver. Failures are logged
// and never fail the authentication.
func (a *Authenticator) recordReceiver(ctx context.Context, receiverID string, pubKey []byte) {
	now := time.Now().Unix()
	err := a.receivers.SaveReceiver(ctx, &storage.ReceiverInfo{
		ReceiverID: receiverID,
		PublicKey:  hex.EncodeToString(pubKey),
		CreatedAt:  now,
		LastSeen:   now,
		IsActive:   true,
	})
	if err != nil {
		a.logger.Warn("failed to record authenticated receiver",
			"receiver_id", receiverID, "error", err)
	}
}

// decodeSignature accepts hex or standard base64.
func decodeSignature(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// isBech32Charset reports whether s uses only the bech32 data alphabet.
func isBech32Charset(s string) bool {
	const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
	for _, c := range s {
		if !strings.ContainsRune(charset, c) {
			return false
		}
	}
	return true
}

// isIdentifierCharset reports whether s is alphanumeric plus `_-.`.
func isIdentifierCharset(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}

// isValidAddressFormat checks the taprt1 prefix and that the payload
// decodes as bech32 with a non-empty data part.
func isValidAddressFormat(addr string) bool {
	if !strings.HasPrefix(addr, addressPrefix) {
		return false
	}
	if !isBech32Charset(addr[len(addressPrefix):]) {
		return false
	}
	hrp, data, err := bech32.DecodeNoLimit(addr)
	if err != nil {
		return false
	}
	return hrp == strings.TrimSuffix(addressPrefix, "1") && len(data) > 0
}

// absDiff returns |a-b|.
func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
