package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestTokenBucket_Basic(t *testing.T) {
	bucket := NewTokenBucket(10, 10) // 10 capacity, 10 tokens/sec

	// Should start with full capacity
	if !bucket.Take(5) {
		t.Error("Expected to take 5 tokens from full bucket")
	}

	remaining := bucket.Remaining()
	if remaining != 5 {
		t.Errorf("Expected 5 remaining, got %d", remaining)
	}

	if !bucket.Take(5) {
		t.Error("Expected to take remaining 5 tokens")
	}

	if bucket.Take(1) {
		t.Error("Expected bucket to be empty")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	bucket := NewTokenBucket(10, 10)

	bucket.Take(10)
	if bucket.Remaining() != 0 {
		t.Error("Expected bucket to be empty")
	}

	// Wait for refill (100ms = 1 token at 10/sec)
	time.Sleep(150 * time.Millisecond)

	if !bucket.Take(1) {
		t.Error("Expected bucket to have refilled")
	}
}

func TestTokenBucket_CapacityLimit(t *testing.T) {
	bucket := NewTokenBucket(10, 10)

	time.Sleep(200 * time.Millisecond)

	if bucket.Remaining() > 10 {
		t.Errorf("Bucket exceeded capacity: %d", bucket.Remaining())
	}
}

func TestTokenBucket_Reset(t *testing.T) {
	bucket := NewTokenBucket(10, 0.1)

	bucket.Take(10)
	bucket.Reset()

	if bucket.Remaining() != 10 {
		t.Errorf("Expected full bucket after reset, got %d", bucket.Remaining())
	}
}

func TestPerMinute(t *testing.T) {
	bucket := PerMinute(60)

	// Burst up to the full minute allowance immediately
	for i := 0; i < 60; i++ {
		if !bucket.Allow() {
			t.Fatalf("Message %d rejected within burst allowance", i)
		}
	}

	// 61st message within the same instant is rejected
	if bucket.Allow() {
		t.Error("Expected message beyond allowance to be rejected")
	}
}

func TestTokenBucket_Concurrent(t *testing.T) {
	bucket := NewTokenBucket(100, 0.001)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if bucket.Allow() {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// 200 attempts against 100 tokens: exactly the capacity is admitted
	if allowed != 100 {
		t.Errorf("Expected 100 allowed messages, got %d", allowed)
	}
}
