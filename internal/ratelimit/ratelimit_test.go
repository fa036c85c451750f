package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNewRejectsBadArguments(t *testing.T) {
	if _, err := New(0, 1); err == nil {
		t.Fatal("zero capacity should be rejected")
	}
	if _, err := New(1, 0); err == nil {
		t.Fatal("zero refill rate should be rejected")
	}
}

func TestBurstUpToCapacity(t *testing.T) {
	l, err := New(3, 1)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !l.TryAcquire() {
			t.Fatalf("token %d should be available from a full bucket", i)
		}
	}
	if l.TryAcquire() {
		t.Fatal("fourth token should not be available")
	}
}

func TestRefillOverTime(t *testing.T) {
	l, err := New(2, 2) // 2 tokens/sec
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	clock := time.Unix(1700000000, 0)
	l.now = func() time.Time { return clock }
	l.last = clock
	l.tokens = 0

	if l.TryAcquire() {
		t.Fatal("empty bucket should refuse")
	}

	clock = clock.Add(500 * time.Millisecond) // accrues 1 token
	if !l.TryAcquire() {
		t.Fatal("token should have accrued after 500ms")
	}
	if l.TryAcquire() {
		t.Fatal("only one token should have accrued")
	}

	clock = clock.Add(10 * time.Second) // far past capacity
	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatal("bucket should refill to capacity")
	}
	if l.TryAcquire() {
		t.Fatal("refill must not exceed capacity")
	}
}

func TestAcquireBlocksUntilToken(t *testing.T) {
	l, err := New(1, 20) // 50ms per token
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	if !l.TryAcquire() {
		t.Fatal("first token should be available")
	}

	start := time.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("acquire returned too fast (%v); should have waited for refill", elapsed)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	l, err := New(1, 0.001) // effectively never refills
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if !l.TryAcquire() {
		t.Fatal("first token should be available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
