// Package storage persists mailbox receiver registrations. The gateway
// consults the store during receiver-id validation and records receivers
// seen during successful authentication.
//
// Three implementations are provided: an in-memory store for tests and
// single-process deployments, a SQLite store for persistence, and a Redis
// cache wrapper that layers over either.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a receiver does not exist or is inactive.
var ErrNotFound = errors.New("receiver not found")

// ReceiverInfo describes a registered mailbox receiver.
type ReceiverInfo struct {
	// ReceiverID is the receiver identifier presented by clients.
	ReceiverID string `json:"receiver_id"`

	// PublicKey is the hex-encoded public key used to verify challenge
	// signatures for this receiver.
	PublicKey string `json:"public_key"`

	// Address is an optional on-chain address associated with the receiver.
	Address string `json:"address,omitempty"`

	// CreatedAt is the unix timestamp of first registration.
	CreatedAt int64 `json:"created_at"`

	// LastSeen is the unix timestamp of the most recent authentication.
	LastSeen int64 `json:"last_seen"`

	// IsActive marks whether the receiver may authenticate.
	IsActive bool `json:"is_active"`
}

// Store is the receiver persistence interface.
type Store interface {
	// SaveReceiver inserts or updates a receiver. On conflict the
	// last_seen and is_active fields are refreshed.
	SaveReceiver(ctx context.Context, info *ReceiverInfo) error

	// GetReceiver returns the active receiver with the given ID, or
	// ErrNotFound.
	GetReceiver(ctx context.Context, receiverID string) (*ReceiverInfo, error)

	// GetReceiverByPublicKey returns the ID of the active receiver
	// registered under the given hex public key, or ErrNotFound.
	GetReceiverByPublicKey(ctx context.Context, publicKey string) (string, error)

	// DeactivateReceiver marks a receiver inactive. Deactivating an
	// unknown receiver is not an error.
	DeactivateReceiver(ctx context.Context, receiverID string) error

	// Close releases any resources held by the store.
	Close() error
}
