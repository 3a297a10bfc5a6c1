package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheTTL bounds how long a cached receiver entry stays valid.
const cacheTTL = time.Hour

// CachedStore wraps a persistent Store with a Redis read-through cache.
// Cache failures never fail the operation; the persistent store is
// authoritative.
type CachedStore struct {
	inner  Store
	client *redis.Client
}

// NewCachedStore connects to Redis at redisURL and layers a cache over
// inner. The URL uses the redis:// scheme.
func NewCachedStore(inner Store, redisURL string) (*CachedStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &CachedStore{inner: inner, client: client}, nil
}

func receiverKey(receiverID string) string {
	return "receiver:" + receiverID
}

func pubKeyKey(publicKey string) string {
	return "pubkey:" + publicKey
}

// SaveReceiver writes through to the persistent store, then refreshes the
// cache.
func (c *CachedStore) SaveReceiver(ctx context.Context, info *ReceiverInfo) error {
	if err := c.inner.SaveReceiver(ctx, info); err != nil {
		return err
	}

	if data, err := json.Marshal(info); err == nil {
		c.client.Set(ctx, receiverKey(info.ReceiverID), data, cacheTTL)
		c.client.Set(ctx, pubKeyKey(info.PublicKey), info.ReceiverID, cacheTTL)
	}
	return nil
}

// GetReceiver checks the cache first, falling back to the persistent
// store on miss.
func (c *CachedStore) GetReceiver(ctx context.Context, receiverID string) (*ReceiverInfo, error) {
	if data, err := c.client.Get(ctx, receiverKey(receiverID)).Bytes(); err == nil {
		var info ReceiverInfo
		if err := json.Unmarshal(data, &info); err == nil && info.IsActive {
			return &info, nil
		}
	}

	info, err := c.inner.GetReceiver(ctx, receiverID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(info); err == nil {
		c.client.Set(ctx, receiverKey(receiverID), data, cacheTTL)
	}
	return info, nil
}

// GetReceiverByPublicKey checks the cache first, falling back to the
// persistent store on miss.
func (c *CachedStore) GetReceiverByPublicKey(ctx context.Context, publicKey string) (string, error) {
	if receiverID, err := c.client.Get(ctx, pubKeyKey(publicKey)).Result(); err == nil && receiverID != "" {
		return receiverID, nil
	}

	receiverID, err := c.inner.GetReceiverByPublicKey(ctx, publicKey)
	if err != nil {
		return "", err
	}

	c.client.Set(ctx, pubKeyKey(publicKey), receiverID, cacheTTL)
	return receiverID, nil
}

// DeactivateReceiver deactivates in the persistent store and invalidates
// the cache entry.
func (c *CachedStore) DeactivateReceiver(ctx context.Context, receiverID string) error {
	if err := c.inner.DeactivateReceiver(ctx, receiverID); err != nil {
		return err
	}
	c.client.Del(ctx, receiverKey(receiverID))
	return nil
}

// Close closes the Redis client and the persistent store.
func (c *CachedStore) Close() error {
	c.client.Close()
	return c.inner.Close()
}
