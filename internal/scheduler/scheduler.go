// Package scheduler drives ingestion: cadence-aware cycle triggering per
// feed, concurrent rate-limited fetch fan-out, retry with backoff, gap
// detection, and targeted backfill repair.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"metrics-pipeline/internal/entity"
	"metrics-pipeline/internal/fetcher"
	"metrics-pipeline/internal/ratelimit"
	"metrics-pipeline/internal/storage"
)

// feedState is the per-feed trigger state machine.
type feedState int

const (
	stateIdle feedState = iota
	stateDue
	stateRunning
)

// Feed carries the scheduler-facing slice of a feed's configuration.
type Feed struct {
	Name         string
	Granularity  storage.Granularity
	Cadence      Cadence
	CycleTimeout time.Duration
	Assets       []string
}

// Options tune scheduler behaviour.
type Options struct {
	PollInterval    time.Duration
	GapLookback     time.Duration
	GapScanInterval time.Duration
	MaxWorkers      int
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	StartupGapScan  bool
}

type feedRuntime struct {
	mu      sync.Mutex
	cfg     Feed
	adapter fetcher.Adapter
	state   feedState
	// lastServiced is the newest cadence boundary a finished cycle has
	// covered. It only advances when a Running cycle completes.
	lastServiced time.Time
}

// Scheduler owns cycle execution for every registered feed.
type Scheduler struct {
	opts     Options
	limiter  *ratelimit.Limiter
	writer   storage.MetricWriter
	boundary storage.BoundaryReader
	pulls    storage.PullLog
	registry *entity.Registry
	logger   zerolog.Logger

	feeds []*feedRuntime
	now   func() time.Time
}

// New constructs a Scheduler. The limiter is shared across every fetch
// task the scheduler ever spawns; pulls may be nil for dry runs.
func New(opts Options, limiter *ratelimit.Limiter, writer storage.MetricWriter, boundary storage.BoundaryReader, pulls storage.PullLog, registry *entity.Registry, logger zerolog.Logger) *Scheduler {
	if opts.PollInterval <= 0 {
		panic("scheduler poll interval must be positive")
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}

	return &Scheduler{
		opts:     opts,
		limiter:  limiter,
		writer:   writer,
		boundary: boundary,
		pulls:    pulls,
		registry: registry,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// AddFeed registers a feed and its adapter.
func (s *Scheduler) AddFeed(cfg Feed, adapter fetcher.Adapter) {
	s.feeds = append(s.feeds, &feedRuntime{
		cfg:     cfg,
		adapter: adapter,
		// Boundaries before startup belong to gap repair, not the live loop.
		lastServiced: cfg.Cadence.Prev(s.now()),
	})
}

// Run blocks, polling feed cadences and servicing due cycles until ctx is
// cancelled. Cycle and repair failures are recorded, never raised.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.StartupGapScan {
		s.scanAllGaps(ctx)
	}

	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()

	var gapScan <-chan time.Time
	if s.opts.GapScanInterval > 0 {
		ticker := time.NewTicker(s.opts.GapScanInterval)
		defer ticker.Stop()
		gapScan = ticker.C
	}

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-poll.C:
			for _, fr := range s.feeds {
				if boundary, due := s.checkDue(fr); due {
					wg.Add(1)
					go func(fr *feedRuntime, boundary time.Time) {
						defer wg.Done()
						s.runCycle(ctx, fr, boundary)
					}(fr, boundary)
				}
			}
		case <-gapScan:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.scanAllGaps(ctx)
			}()
		}
	}
}

// checkDue marks a feed Due when a cadence boundary has passed unserviced.
// A feed that is already Due or Running stays untouched, enforcing
// single-flight per feed.
func (s *Scheduler) checkDue(fr *feedRuntime) (time.Time, bool) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if fr.state != stateIdle {
		return time.Time{}, false
	}

	boundary := fr.cfg.Cadence.Prev(s.now())
	if !boundary.After(fr.lastServiced) {
		return time.Time{}, false
	}

	fr.state = stateDue
	return boundary, true
}

// finishCycle returns the feed to Idle. The last-serviced marker advances
// only here, from a cycle that actually ran.
func (s *Scheduler) finishCycle(fr *feedRuntime, boundary time.Time) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.state = stateIdle
	if boundary.After(fr.lastServiced) {
		fr.lastServiced = boundary
	}
}

// runCycle executes one live pull for the boundary and records its outcome.
func (s *Scheduler) runCycle(ctx context.Context, fr *feedRuntime, boundary time.Time) {
	fr.mu.Lock()
	fr.state = stateRunning
	fr.mu.Unlock()
	defer s.finishCycle(fr, boundary)

	cycleID := uuid.NewString()
	logger := s.logger.With().Str("feed", fr.cfg.Name).Str("cycle_id", cycleID).Time("boundary", boundary).Logger()
	logger.Info().Msg("cycle starting")

	if fr.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fr.cfg.CycleTimeout)
		defer cancel()
	}

	period := fr.cfg.Granularity.Period()
	window := fetcher.Window{
		From: fr.cfg.Granularity.Truncate(boundary).Add(-period),
		To:   boundary,
	}

	written, failures, total := s.fanOut(ctx, fr, window, storage.WriteLive, logger)
	status := cycleStatus(total, failures)

	s.recordPull(ctx, fr.cfg.Name, status, written, cycleNotes(cycleID, "live", failures, total))
	logger.Info().Str("status", string(status)).Int("rows", written).Int("failed_batches", failures).Msg("cycle finished")
}

// fanOut partitions the asset set into adapter-sized batches and fetches
// them concurrently through the shared limiter. It returns rows written,
// failed batch count, and total batch count.
func (s *Scheduler) fanOut(ctx context.Context, fr *feedRuntime, window fetcher.Window, mode storage.WriteMode, logger zerolog.Logger) (int, int, int) {
	batches := partition(fr.cfg.Assets, fr.adapter.MaxBatchSize())
	if len(batches) == 0 {
		return 0, 0, 0
	}

	var (
		mu       sync.Mutex
		written  int
		failures int
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.MaxWorkers)

	for _, batch := range batches {
		batch := batch
		group.Go(func() error {
			obs, err := s.fetchWithRetry(groupCtx, fr, batch, window)
			if err != nil {
				logger.Warn().Err(err).Strs("assets", batch).Msg("batch failed")
				mu.Lock()
				failures++
				mu.Unlock()
				return nil // partial failure must not abort the cycle
			}

			s.attachEntityRefs(obs)

			count, writeErr := s.writer.WriteObservations(groupCtx, obs, mode)
			if writeErr != nil {
				logger.Error().Err(writeErr).Strs("assets", batch).Msg("batch write failed")
				mu.Lock()
				failures++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			written += count
			mu.Unlock()
			return nil
		})
	}

	_ = group.Wait()

	// A timed-out cycle abandons outstanding work; whatever did not land
	// counts as failed.
	if ctx.Err() != nil {
		mu.Lock()
		defer mu.Unlock()
		return written, len(batches), len(batches)
	}
	return written, failures, len(batches)
}

// fetchWithRetry applies the retry policy: transient failures back off
// exponentially, rate-limit rejections wait the indicated duration instead
// of backing off, and permanent errors stop immediately. Every retried
// attempt counts against the same ceiling so a permanently throttling feed
// cannot stall a task forever.
func (s *Scheduler) fetchWithRetry(ctx context.Context, fr *feedRuntime, assets []string, window fetcher.Window) ([]storage.Observation, error) {
	var lastErr error
	for attempt := 0; attempt < s.opts.RetryAttempts; attempt++ {
		if err := s.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		obs, err := fr.adapter.Fetch(ctx, assets, window, fr.cfg.Granularity)
		if err == nil {
			return obs, nil
		}
		lastErr = err

		if rl, ok := fetcher.AsRateLimit(err); ok {
			if attempt < s.opts.RetryAttempts-1 {
				if waitErr := sleepCtx(ctx, rl.RetryAfter); waitErr != nil {
					return nil, waitErr
				}
			}
			continue
		}
		if !fetcher.IsTransient(err) {
			return nil, err
		}

		if attempt < s.opts.RetryAttempts-1 {
			backoff := s.opts.RetryBaseDelay << attempt
			if waitErr := sleepCtx(ctx, backoff); waitErr != nil {
				return nil, waitErr
			}
		}
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// attachEntityRefs stamps the denormalized entity pointer onto observations
// whose (feed, asset) pair is already mapped. Unmapped observations stay
// unresolved and are fixed up retroactively once a mapping registers.
func (s *Scheduler) attachEntityRefs(obs []storage.Observation) {
	if s.registry == nil {
		return
	}
	for i := range obs {
		if obs[i].EntityID != nil {
			continue
		}
		if ent, ok := s.registry.Lookup(obs[i].Feed, obs[i].Asset); ok {
			id := ent.ID
			obs[i].EntityID = &id
		}
	}
}

// DetectGaps returns the period boundaries expected in [from, to) for the
// feed's granularity that have no stored observation.
func (s *Scheduler) DetectGaps(ctx context.Context, feedName string, from, to time.Time) ([]time.Time, error) {
	fr := s.feed(feedName)
	if fr == nil {
		return nil, fmt.Errorf("unknown feed %q", feedName)
	}

	period := fr.cfg.Granularity.Period()
	expected := boundariesBetween(from, to, period)
	if len(expected) == 0 {
		return nil, nil
	}

	present, err := s.boundary.PresentBoundaries(ctx, feedName, fr.cfg.Granularity, from, to)
	if err != nil {
		return nil, fmt.Errorf("list stored boundaries: %w", err)
	}

	have := make(map[int64]struct{}, len(present))
	for _, b := range present {
		have[b.UTC().Unix()] = struct{}{}
	}

	var gaps []time.Time
	for _, b := range expected {
		if _, ok := have[b.Unix()]; !ok {
			gaps = append(gaps, b)
		}
	}
	return gaps, nil
}

// RepairGaps backfills exactly the missing boundaries found in the lookback
// window, bounding repair cost to the size of the outage.
func (s *Scheduler) RepairGaps(ctx context.Context, feedName string) (int, error) {
	fr := s.feed(feedName)
	if fr == nil {
		return 0, fmt.Errorf("unknown feed %q", feedName)
	}

	now := s.now().UTC()
	period := fr.cfg.Granularity.Period()
	// The current, still-open period is not expected yet.
	to := fr.cfg.Granularity.Truncate(now)
	from := to.Add(-s.opts.GapLookback)

	gaps, err := s.DetectGaps(ctx, feedName, from, to)
	if err != nil {
		return 0, err
	}
	if len(gaps) == 0 {
		return 0, nil
	}

	logger := s.logger.With().Str("feed", feedName).Logger()
	logger.Info().Int("gaps", len(gaps)).Msg("repairing gaps")

	written := 0
	failures := 0
	total := 0
	runs := contiguousRuns(gaps, period)
	for _, run := range runs {
		window := fetcher.Window{From: run[0], To: run[1].Add(period)}
		w, f, n := s.fanOut(ctx, fr, window, storage.WriteBackfill, logger)
		written += w
		failures += f
		total += n
	}

	status := cycleStatus(total, failures)
	s.recordPull(ctx, feedName, status, written, fmt.Sprintf("gap repair: %d missing boundaries in %d runs", len(gaps), len(runs)))
	return written, nil
}

// Backfill fetches a historical window in backfill mode, walking it in
// chunks so no single call spans an unbounded range.
func (s *Scheduler) Backfill(ctx context.Context, feedName string, from, to time.Time) (int, error) {
	fr := s.feed(feedName)
	if fr == nil {
		return 0, fmt.Errorf("unknown feed %q", feedName)
	}
	if !from.Before(to) {
		return 0, errors.New("backfill window is empty")
	}

	logger := s.logger.With().Str("feed", feedName).Logger()
	period := fr.cfg.Granularity.Period()
	chunk := 30 * period

	written := 0
	failures := 0
	total := 0
	for start := from.UTC(); start.Before(to); start = start.Add(chunk) {
		end := start.Add(chunk)
		if end.After(to) {
			end = to.UTC()
		}
		w, f, n := s.fanOut(ctx, fr, fetcher.Window{From: start, To: end}, storage.WriteBackfill, logger)
		written += w
		failures += f
		total += n

		if ctx.Err() != nil {
			return written, ctx.Err()
		}
	}

	status := cycleStatus(total, failures)
	s.recordPull(ctx, feedName, status, written, fmt.Sprintf("backfill %s..%s", from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)))
	if status == storage.PullError {
		return written, errors.New("backfill failed for every batch")
	}
	return written, nil
}

func (s *Scheduler) scanAllGaps(ctx context.Context) {
	for _, fr := range s.feeds {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RepairGaps(ctx, fr.cfg.Name); err != nil {
			s.logger.Error().Err(err).Str("feed", fr.cfg.Name).Msg("gap repair failed")
		}
	}
}

func (s *Scheduler) feed(name string) *feedRuntime {
	for _, fr := range s.feeds {
		if fr.cfg.Name == name {
			return fr
		}
	}
	return nil
}

func (s *Scheduler) recordPull(ctx context.Context, feed string, status storage.PullStatus, rows int, notes string) {
	if s.pulls == nil {
		return
	}
	// Audit rows survive cycle timeouts; use a fresh context.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	rec := storage.PullRecord{
		Feed:     feed,
		PulledAt: s.now().UTC(),
		Status:   status,
		Records:  rows,
		Notes:    notes,
	}
	if _, err := s.pulls.RecordPull(recordCtx, rec); err != nil {
		s.logger.Error().Err(err).Str("feed", feed).Msg("failed to record pull")
	}
}

func cycleStatus(total, failures int) storage.PullStatus {
	switch {
	case total == 0 || failures == 0:
		return storage.PullSuccess
	case failures >= total:
		return storage.PullError
	default:
		return storage.PullPartial
	}
}

func cycleNotes(cycleID, kind string, failures, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s cycle %s", kind, cycleID)
	if failures > 0 {
		fmt.Fprintf(&b, "; %d/%d batches failed", failures, total)
	}
	return b.String()
}

// partition splits assets into batches no wider than max. Zero max means
// one batch carries everything.
func partition(assets []string, max int) [][]string {
	if len(assets) == 0 {
		return nil
	}
	if max <= 0 || max >= len(assets) {
		return [][]string{assets}
	}

	batches := make([][]string, 0, (len(assets)+max-1)/max)
	for start := 0; start < len(assets); start += max {
		end := start + max
		if end > len(assets) {
			end = len(assets)
		}
		batches = append(batches, assets[start:end])
	}
	return batches
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
