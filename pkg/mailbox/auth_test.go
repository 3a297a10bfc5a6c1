package mailbox

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"tapgate-hq/tapgate/pkg/storage"
	"tapgate-hq/tapgate/pkg/telemetry/logging"
)

// fakeBackend scripts backend behavior for auth and poller tests.
type fakeBackend struct {
	permitted bool
	decodeOK  bool
	responses []json.RawMessage
	calls     int
	receiveFn func(int) (json.RawMessage, error)
}

func (f *fakeBackend) ProbeMailboxPermissions(context.Context, string) (bool, error) {
	return f.permitted, nil
}

func (f *fakeBackend) DecodeAddr(context.Context, string) bool {
	return f.decodeOK
}

func (f *fakeBackend) MailboxReceive(_ context.Context, _ any) (json.RawMessage, error) {
	call := f.calls
	f.calls++
	if f.receiveFn != nil {
		return f.receiveFn(call)
	}
	if call < len(f.responses) {
		return f.responses[call], nil
	}
	return json.RawMessage(`{}`), nil
}

func authTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "error", Writer: io.Discard})
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}
	return logger
}

// authFixture bundles everything a verification test needs.
type authFixture struct {
	auth       *Authenticator
	store      *ChallengeStore
	backend    *fakeBackend
	receivers  *storage.MemoryStore
	priv       *btcec.PrivateKey
	receiverID string
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	store := NewChallengeStore(300*time.Second, 100, testMetrics())
	backend := &fakeBackend{permitted: true}
	receivers := storage.NewMemoryStore()

	return &authFixture{
		auth:       NewAuthenticator(store, backend, receivers, 30*time.Second, authTestLogger(t), testMetrics()),
		store:      store,
		backend:    backend,
		receivers:  receivers,
		priv:       priv,
		receiverID: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
	}
}

// sign produces the hex compact signature over the challenge message.
func (fx *authFixture) sign(message string) string {
	digest := sha256.Sum256([]byte(message))
	sig := ecdsa.Sign(fx.priv, digest[:])
	r := sig.R()
	s := sig.S()
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	return hex.EncodeToString(append(rBytes[:], sBytes[:]...))
}

func (fx *authFixture) issueAndSign(t *testing.T) (*Challenge, *AuthSig) {
	t.Helper()
	challenge, err := fx.store.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return challenge, &AuthSig{
		Signature:   fx.sign(challenge.Message()),
		ChallengeID: challenge.ID,
		Timestamp:   time.Now().Unix(),
	}
}

func TestVerifyHappyPath(t *testing.T) {
	fx := newAuthFixture(t)
	_, sig := fx.issueAndSign(t)

	ok, err := fx.auth.Verify(context.Background(), fx.receiverID, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("valid authentication rejected")
	}

	// The authenticated receiver is recorded.
	info, err := fx.receivers.GetReceiver(context.Background(), fx.receiverID)
	if err != nil {
		t.Fatalf("receiver not recorded: %v", err)
	}
	if info.PublicKey != fx.receiverID {
		t.Errorf("recorded key = %q, want %q", info.PublicKey, fx.receiverID)
	}
}

func TestVerifyChallengeSingleUse(t *testing.T) {
	fx := newAuthFixture(t)
	_, sig := fx.issueAndSign(t)

	ok, err := fx.auth.Verify(context.Background(), fx.receiverID, sig)
	if err != nil || !ok {
		t.Fatalf("first Verify = (%v, %v), want success", ok, err)
	}

	// Replaying the same challenge id and signature must fail.
	ok, err = fx.auth.Verify(context.Background(), fx.receiverID, sig)
	if err != nil {
		t.Fatalf("replay Verify: %v", err)
	}
	if ok {
		t.Error("replayed challenge verified")
	}
}

func TestVerifyExpiredChallenge(t *testing.T) {
	fx := newAuthFixture(t)
	fx.store = NewChallengeStore(10*time.Millisecond, 100, testMetrics())
	fx.auth = NewAuthenticator(fx.store, fx.backend, fx.receivers, 30*time.Second, authTestLogger(t), testMetrics())

	_, sig := fx.issueAndSign(t)
	time.Sleep(20 * time.Millisecond)

	ok, err := fx.auth.Verify(context.Background(), fx.receiverID, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("expired challenge verified despite correct signature")
	}
}

func TestVerifyTimestampSkew(t *testing.T) {
	fx := newAuthFixture(t)

	t.Run("skew against wall clock", func(t *testing.T) {
		_, sig := fx.issueAndSign(t)
		sig.Timestamp = time.Now().Unix() - 60

		ok, err := fx.auth.Verify(context.Background(), fx.receiverID, sig)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if ok {
			t.Error("stale signed timestamp accepted")
		}
	})

	t.Run("future timestamp", func(t *testing.T) {
		_, sig := fx.issueAndSign(t)
		sig.Timestamp = time.Now().Unix() + 60

		ok, err := fx.auth.Verify(context.Background(), fx.receiverID, sig)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if ok {
			t.Error("future signed timestamp accepted")
		}
	})
}

func TestVerifyWrongSignature(t *testing.T) {
	fx := newAuthFixture(t)
	challenge, sig := fx.issueAndSign(t)
	_ = challenge

	other, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wrongSigner := &authFixture{priv: other}
	sig.Signature = wrongSigner.sign("some other message")

	ok, err := fx.auth.Verify(context.Background(), fx.receiverID, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("signature from wrong key accepted")
	}
}

func TestVerifyMissingFieldsHardError(t *testing.T) {
	fx := newAuthFixture(t)

	tests := []struct {
		name string
		sig  *AuthSig
	}{
		{"nil payload", nil},
		{"no signature", &AuthSig{ChallengeID: "x", Timestamp: 1}},
		{"no challenge id", &AuthSig{Signature: "ab", Timestamp: 1}},
		{"no timestamp", &AuthSig{Signature: "ab", ChallengeID: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fx.auth.Verify(context.Background(), fx.receiverID, tt.sig); err == nil {
				t.Error("expected hard error for malformed input")
			}
		})
	}
}

func TestVerifyUndecodableSignature(t *testing.T) {
	fx := newAuthFixture(t)
	_, sig := fx.issueAndSign(t)
	sig.Signature = "!!!not-hex-or-base64!!!"

	ok, err := fx.auth.Verify(context.Background(), fx.receiverID, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("undecodable signature accepted")
	}
}

func TestVerifyBase64Signature(t *testing.T) {
	fx := newAuthFixture(t)
	challenge, _ := fx.issueAndSign(t)

	digest := sha256.Sum256([]byte(challenge.Message()))
	rawSig := ecdsa.Sign(fx.priv, digest[:])
	r := rawSig.R()
	s := rawSig.S()
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	compact := append(rBytes[:], sBytes[:]...)

	sig := &AuthSig{
		Signature:   base64.StdEncoding.EncodeToString(compact),
		ChallengeID: challenge.ID,
		Timestamp:   time.Now().Unix(),
	}

	ok, err := fx.auth.Verify(context.Background(), fx.receiverID, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("base64-encoded signature rejected")
	}
}

func TestVerifyForbiddenByBackend(t *testing.T) {
	fx := newAuthFixture(t)
	fx.backend.permitted = false

	_, sig := fx.issueAndSign(t)
	ok, err := fx.auth.Verify(context.Background(), fx.receiverID, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("authentication succeeded despite backend denial")
	}
}

func TestVerifyStoredReceiver(t *testing.T) {
	fx := newAuthFixture(t)

	// A non-key receiver id resolves through the store.
	receiverID := "merchant-mailbox.01"
	if err := fx.receivers.SaveReceiver(context.Background(), &storage.ReceiverInfo{
		ReceiverID: receiverID,
		PublicKey:  fx.receiverID,
		IsActive:   true,
	}); err != nil {
		t.Fatalf("SaveReceiver: %v", err)
	}

	_, sig := fx.issueAndSign(t)
	ok, err := fx.auth.Verify(context.Background(), receiverID, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("stored receiver rejected")
	}
}

func TestValidateReceiverID(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	if fx.auth.validateReceiverID(ctx, "short") {
		t.Error("receiver id below minimum length accepted")
	}
	if fx.auth.validateReceiverID(ctx, "has spaces in it") {
		t.Error("receiver id with invalid characters accepted")
	}
	if !fx.auth.validateReceiverID(ctx, fx.receiverID) {
		t.Error("raw public key receiver id rejected")
	}
	if fx.auth.validateReceiverID(ctx, "unknownreceiver01") {
		t.Error("unknown non-address receiver id accepted")
	}
}
