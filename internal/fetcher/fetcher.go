package fetcher

import (
	"context"
	"time"

	"metrics-pipeline/internal/storage"
)

// Window bounds one fetch call: [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// Adapter is the per-feed fetch contract consumed by the scheduler. An
// implementation must be safe for concurrent calls and must surface
// transient failures as TransientError (or RateLimitError) so the retry
// policy can distinguish them from permanent ones.
type Adapter interface {
	// Name identifies the feed.
	Name() string
	// Fetch returns raw observations for the given assets and window.
	Fetch(ctx context.Context, assets []string, window Window, granularity storage.Granularity) ([]storage.Observation, error)
	// MaxBatchSize reports the widest asset batch one call can carry.
	// Zero means unbounded; the scheduler splits larger sets accordingly.
	MaxBatchSize() int
}
