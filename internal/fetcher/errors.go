package fetcher

import (
	"errors"
	"fmt"
	"time"
)

// TransientError marks a failure worth retrying: network trouble or a
// feed-side 5xx. Anything not wrapped in TransientError or RateLimitError
// is treated as permanent.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError signals the feed is throttling. The caller waits
// RetryAfter before the next attempt instead of backing off.
type RateLimitError struct {
	Feed       string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s, retry after %s", e.Feed, e.RetryAfter)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// AsRateLimit extracts a RateLimitError when err is one.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
