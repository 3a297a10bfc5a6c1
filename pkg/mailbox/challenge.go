package mailbox

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tapgate-hq/tapgate/pkg/gateway"
	"tapgate-hq/tapgate/pkg/telemetry/metrics"
)

// Challenge is one issued, not-yet-consumed authentication challenge.
type Challenge struct {
	// ID is the unguessable challenge identifier.
	ID string

	// Timestamp is the unix time embedded in the signed message.
	Timestamp int64

	// Nonce is the random component of the signed message.
	Nonce string

	// IssuedAt is the monotonic issuance instant used for expiry.
	IssuedAt time.Time
}

// Message returns the exact string the client must sign.
func (c *Challenge) Message() string {
	return fmt.Sprintf("Sign this challenge: %s-%d-%s", c.ID, c.Timestamp, c.Nonce)
}

// ChallengeStore holds outstanding challenges. Challenges live until
// consumed by a successful verification, evicted by expiry, or dropped by
// a capacity sweep. The store is safe for concurrent use.
type ChallengeStore struct {
	ttl      time.Duration
	capacity int
	metrics  *metrics.Collector

	mu      sync.Mutex
	entries map[string]*Challenge
}

// NewChallengeStore creates a store with the given challenge TTL and
// outstanding-challenge capacity.
func NewChallengeStore(ttl time.Duration, capacity int, collector *metrics.Collector) *ChallengeStore {
	return &ChallengeStore{
		ttl:      ttl,
		capacity: capacity,
		metrics:  collector,
		entries:  make(map[string]*Challenge),
	}
}

// Issue creates, stores, and returns a fresh challenge. Expired entries
// are swept first when the store is at capacity; if it remains full the
// issue is rejected rather than evicting live challenges.
func (s *ChallengeStore) Issue() (*Challenge, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	challenge := &Challenge{
		ID:        uuid.NewString(),
		Timestamp: time.Now().Unix(),
		Nonce:     nonce,
		IssuedAt:  time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= s.capacity {
		s.sweepLocked()
		if len(s.entries) >= s.capacity {
			return nil, gateway.NewValidationError("too many pending challenges, try again later")
		}
	}

	s.entries[challenge.ID] = challenge
	s.metrics.ChallengeIssued()
	return challenge, nil
}

// Lookup returns the live challenge with the given id. Expired entries
// are purged on access and reported as missing.
func (s *ChallengeStore) Lookup(id string) (*Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if time.Since(challenge.IssuedAt) > s.ttl {
		delete(s.entries, id)
		s.metrics.ChallengesExpired(1)
		return nil, false
	}
	cp := *challenge
	return &cp, true
}

// Consume removes a challenge so it can never verify again. Consuming an
// unknown id is a no-op.
func (s *ChallengeStore) Consume(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Sweep removes all expired challenges and returns how many were dropped.
// Intended to run on a fixed interval.
func (s *ChallengeStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

// Len returns the number of outstanding challenges.
func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *ChallengeStore) sweepLocked() int {
	removed := 0
	for id, challenge := range s.entries {
		if time.Since(challenge.IssuedAt) > s.ttl {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		s.metrics.ChallengesExpired(removed)
	}
	return removed
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
