// Package crypto implements signature verification for mailbox
// authentication. Challenges are signed over the SHA-256 digest of the
// challenge message, with the scheme selected by public key length:
// 32-byte x-only keys verify BIP-340 Schnorr signatures, 33- and 65-byte
// keys verify 64-byte compact ECDSA signatures.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

const (
	// CompactSignatureSize is the length of a compact r||s signature.
	CompactSignatureSize = 64

	// SchnorrPubKeySize is the length of an x-only public key.
	SchnorrPubKeySize = 32

	// CompressedPubKeySize is the length of a compressed public key.
	CompressedPubKeySize = 33

	// UncompressedPubKeySize is the length of an uncompressed public key.
	UncompressedPubKeySize = 65
)

// VerifySignature verifies sig over the SHA-256 digest of message using the
// scheme implied by the public key length. It returns nil only when the
// signature is valid.
func VerifySignature(message string, sig, pubKey []byte) error {
	if len(sig) != CompactSignatureSize {
		return fmt.Errorf("invalid signature length %d, want %d", len(sig), CompactSignatureSize)
	}

	digest := sha256.Sum256([]byte(message))

	switch len(pubKey) {
	case SchnorrPubKeySize:
		return verifySchnorr(digest[:], sig, pubKey)
	case CompressedPubKeySize, UncompressedPubKeySize:
		return verifyECDSA(digest[:], sig, pubKey)
	default:
		return fmt.Errorf("invalid public key length %d", len(pubKey))
	}
}

// verifySchnorr verifies a BIP-340 Schnorr signature over digest with an
// x-only public key.
func verifySchnorr(digest, sigBytes, pubKeyBytes []byte) error {
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid schnorr signature format: %w", err)
	}

	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("invalid schnorr pubkey: %w", err)
	}

	if !sig.Verify(digest, pubKey) {
		return fmt.Errorf("schnorr signature verification failed")
	}
	return nil
}

// verifyECDSA verifies a 64-byte compact r||s ECDSA signature over digest
// with a compressed or uncompressed public key.
func verifyECDSA(digest, sigBytes, pubKeyBytes []byte) error {
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("invalid ecdsa pubkey: %w", err)
	}

	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(sigBytes[:32]); overflow {
		return fmt.Errorf("signature r value overflows curve order")
	}
	if overflow := s.SetByteSlice(sigBytes[32:]); overflow {
		return fmt.Errorf("signature s value overflows curve order")
	}

	sig := ecdsa.NewSignature(&r, &s)
	if !sig.Verify(digest, pubKey) {
		return fmt.Errorf("ecdsa signature verification failed")
	}
	return nil
}

// ParsePublicKeyHex decodes a hex-encoded public key and validates its
// length. The returned bytes are suitable for VerifySignature.
func ParsePublicKeyHex(pubKeyHex string) ([]byte, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}

	switch len(pubKey) {
	case SchnorrPubKeySize, CompressedPubKeySize, UncompressedPubKeySize:
		return pubKey, nil
	default:
		return nil, fmt.Errorf("invalid public key length %d", len(pubKey))
	}
}

// IsPublicKeyHex reports whether s is a hex-encoded public key of a
// supported length.
func IsPublicKeyHex(s string) bool {
	_, err := ParsePublicKeyHex(s)
	return err == nil
}
