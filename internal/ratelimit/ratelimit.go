// Package ratelimit provides the process-wide admission gate for outbound
// feed requests. Every fetch task, across all feeds and workers, acquires a
// token before calling out, which caps the aggregate request rate no matter
// how much concurrency the scheduler runs.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter is a token bucket with a fixed capacity and refill rate.
// Acquire blocks until a token is available rather than failing, so
// callers need no retry logic for local admission.
type Limiter struct {
	mu       sync.Mutex
	capacity float64
	refill   float64 // tokens per second
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// New constructs a Limiter holding a full bucket.
func New(capacity int, refillPerSecond float64) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity must be positive, got %d", capacity)
	}
	if refillPerSecond <= 0 {
		return nil, fmt.Errorf("ratelimit: refill rate must be positive, got %f", refillPerSecond)
	}
	l := &Limiter{
		capacity: float64(capacity),
		refill:   refillPerSecond,
		tokens:   float64(capacity),
		now:      time.Now,
	}
	l.last = l.now()
	return l, nil
}

// Acquire blocks until a token is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait := l.take()
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire takes a token immediately, reporting whether one was available.
func (l *Limiter) TryAcquire() bool {
	return l.take() <= 0
}

// take consumes a token if present, otherwise returns how long until the
// next token accrues. Token accounting is the single serialized section.
func (l *Limiter) take() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.refill
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
		l.last = now
	}

	if l.tokens >= 1 {
		l.tokens--
		return 0
	}

	deficit := 1 - l.tokens
	return time.Duration(deficit / l.refill * float64(time.Second))
}
