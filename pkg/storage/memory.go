package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation. It is the default
// backend when no database path is configured, and the backend used by
// tests.
type MemoryStore struct {
	mu        sync.RWMutex
	receivers map[string]*ReceiverInfo
	byPubKey  map[string]string
}

// NewMemoryStore creates an empty in-memory receiver store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receivers: make(map[string]*ReceiverInfo),
		byPubKey:  make(map[string]string),
	}
}

// SaveReceiver inserts or updates a receiver.
func (m *MemoryStore) SaveReceiver(_ context.Context, info *ReceiverInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.receivers[info.ReceiverID]; ok {
		existing.LastSeen = info.LastSeen
		existing.IsActive = info.IsActive
		existing.Address = info.Address
		return nil
	}

	cp := *info
	m.receivers[info.ReceiverID] = &cp
	m.byPubKey[info.PublicKey] = info.ReceiverID
	return nil
}

// GetReceiver returns the active receiver with the given ID.
func (m *MemoryStore) GetReceiver(_ context.Context, receiverID string) (*ReceiverInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.receivers[receiverID]
	if !ok || !info.IsActive {
		return nil, ErrNotFound
	}
	cp := *info
	return &cp, nil
}

// GetReceiverByPublicKey returns the ID of the active receiver registered
// under the given public key.
func (m *MemoryStore) GetReceiverByPublicKey(_ context.Context, publicKey string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	receiverID, ok := m.byPubKey[publicKey]
	if !ok {
		return "", ErrNotFound
	}
	info, ok := m.receivers[receiverID]
	if !ok || !info.IsActive {
		return "", ErrNotFound
	}
	return receiverID, nil
}

// DeactivateReceiver marks a receiver inactive.
func (m *MemoryStore) DeactivateReceiver(_ context.Context, receiverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.receivers[receiverID]; ok {
		info.IsActive = false
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
