package storage

import (
	"fmt"
	"time"
)

// Granularity is a feed's native reporting frequency.
type Granularity string

const (
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

// ParseGranularity converts a config string into a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case GranularityHourly:
		return GranularityHourly, nil
	case GranularityDaily:
		return GranularityDaily, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", s)
	}
}

// Period returns the duration of one reporting period.
func (g Granularity) Period() time.Duration {
	if g == GranularityDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Truncate aligns a timestamp to the start of its reporting period in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	if g == GranularityDaily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// WriteMode selects the conflict policy for metric writes.
type WriteMode int

const (
	// WriteLive truncates the timestamp to the period start and upserts,
	// so repeated polls within one period keep only the latest value.
	WriteLive WriteMode = iota
	// WriteBackfill preserves the reported timestamp and never overwrites
	// an existing row, so re-run backfills cannot clobber history.
	WriteBackfill
)

func (m WriteMode) String() string {
	if m == WriteBackfill {
		return "backfill"
	}
	return "live"
}

// Observation is one metric fact as reported by a feed.
type Observation struct {
	Feed        string
	Asset       string
	MetricName  string
	Value       float64
	Timestamp   time.Time
	Exchange    string // optional sub-dimension, empty when not per-venue
	Domain      string
	Granularity Granularity
	EntityID    *int64 // resolved lazily, nil until a mapping exists
}

// Key returns the uniqueness key tuple. A missing sub-dimension collapses
// to the empty string so single-venue feeds occupy one row per timestamp.
func (o Observation) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", o.Feed, o.Asset, o.MetricName, o.Timestamp.UTC().Unix(), o.Exchange)
}

// Entity is one logical asset shared across feeds.
type Entity struct {
	ID          int64
	CanonicalID string
	Name        string
	Symbol      string
	Type        string
	Sector      string
	Active      bool
}

// SourceMapping ties a feed-local identifier to an entity.
type SourceMapping struct {
	EntityID int64
	Feed     string
	SourceID string
}

// PullStatus enumerates cycle outcomes.
type PullStatus string

const (
	PullSuccess PullStatus = "success"
	PullPartial PullStatus = "partial"
	PullError   PullStatus = "error"
)

// PullRecord is the immutable audit entry for one ingestion cycle.
type PullRecord struct {
	ID       int64
	Feed     string
	PulledAt time.Time
	Status   PullStatus
	Records  int
	Notes    string
}
