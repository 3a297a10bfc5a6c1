package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// signCompact produces a 64-byte r||s signature over the SHA-256 digest of
// message.
func signCompact(t *testing.T, priv *btcec.PrivateKey, message string) []byte {
	t.Helper()
	digest := sha256.Sum256([]byte(message))
	sig := ecdsa.Sign(priv, digest[:])
	r := sig.R()
	s := sig.S()
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	out := make([]byte, 0, CompactSignatureSize)
	out = append(out, rBytes[:]...)
	out = append(out, sBytes[:]...)
	return out
}

func signSchnorr(t *testing.T, priv *btcec.PrivateKey, message string) []byte {
	t.Helper()
	digest := sha256.Sum256([]byte(message))
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		t.Fatalf("schnorr sign: %v", err)
	}
	return sig.Serialize()
}

func TestVerifySignatureECDSACompressed(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	message := "Sign this challenge: abc-1700000000-deadbeef"
	sig := signCompact(t, priv, message)

	if err := VerifySignature(message, sig, priv.PubKey().SerializeCompressed()); err != nil {
		t.Errorf("valid compressed-key signature rejected: %v", err)
	}
}

func TestVerifySignatureECDSAUncompressed(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	message := "Sign this challenge: abc-1700000000-deadbeef"
	sig := signCompact(t, priv, message)

	if err := VerifySignature(message, sig, priv.PubKey().SerializeUncompressed()); err != nil {
		t.Errorf("valid uncompressed-key signature rejected: %v", err)
	}
}

func TestVerifySignatureSchnorr(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	message := "Sign this challenge: abc-1700000000-deadbeef"
	sig := signSchnorr(t, priv, message)
	xOnly := schnorr.SerializePubKey(priv.PubKey())

	if len(xOnly) != SchnorrPubKeySize {
		t.Fatalf("x-only key length = %d, want %d", len(xOnly), SchnorrPubKeySize)
	}
	if err := VerifySignature(message, sig, xOnly); err != nil {
		t.Errorf("valid schnorr signature rejected: %v", err)
	}
}

func TestVerifySignatureWrongMessage(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	sig := signCompact(t, priv, "original message")
	if err := VerifySignature("tampered message", sig, priv.PubKey().SerializeCompressed()); err == nil {
		t.Error("signature over different message accepted")
	}
}

func TestVerifySignatureWrongKey(t *testing.T) {
	signer, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	message := "challenge"
	sig := signCompact(t, signer, message)
	if err := VerifySignature(message, sig, other.PubKey().SerializeCompressed()); err == nil {
		t.Error("signature verified against wrong public key")
	}
}

func TestVerifySignatureBadLengths(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubKey := priv.PubKey().SerializeCompressed()

	tests := []struct {
		name   string
		sig    []byte
		pubKey []byte
	}{
		{"short signature", make([]byte, 63), pubKey},
		{"long signature", make([]byte, 65), pubKey},
		{"empty signature", nil, pubKey},
		{"bad key length", make([]byte, CompactSignatureSize), make([]byte, 31)},
		{"empty key", make([]byte, CompactSignatureSize), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := VerifySignature("m", tt.sig, tt.pubKey); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParsePublicKeyHex(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"compressed", hex.EncodeToString(priv.PubKey().SerializeCompressed()), false},
		{"uncompressed", hex.EncodeToString(priv.PubKey().SerializeUncompressed()), false},
		{"x-only", hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())), false},
		{"not hex", "zzzz", true},
		{"wrong length", "deadbeef", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePublicKeyHex(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePublicKeyHex(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
