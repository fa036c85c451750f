package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"metrics-pipeline/internal/storage"
)

// GapsOptions controls gap inspection and repair.
type GapsOptions struct {
	Feed     string
	Lookback time.Duration
	Repair   bool
}

// Gaps lists missing reporting periods for one feed, or for every feed
// when none is named, and optionally backfills them.
func (a *App) Gaps(ctx context.Context, opts GapsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := a.loadRegistry(ctx, store)
	if err != nil {
		return err
	}

	sched, err := a.newScheduler(store, store, store, registry)
	if err != nil {
		return err
	}

	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = a.Config.Scheduler.GapLookback
	}

	feeds := make([]string, 0, len(a.Config.Feeds))
	if opts.Feed != "" {
		feeds = append(feeds, opts.Feed)
	} else {
		for _, fc := range a.Config.Feeds {
			feeds = append(feeds, fc.Name)
		}
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Feed\tMissing boundary (UTC)")

	now := time.Now().UTC()
	total := 0
	for _, feed := range feeds {
		fc, ok := a.Config.Feed(feed)
		if !ok {
			return fmt.Errorf("unknown feed %q", feed)
		}

		if opts.Repair {
			written, err := sched.RepairGaps(ctx, feed)
			if err != nil {
				return err
			}
			a.Logger.Info().Str("feed", feed).Int("rows", written).Msg("gap repair finished")
			continue
		}

		granularity, err := storage.ParseGranularity(fc.Granularity)
		if err != nil {
			return err
		}
		to := granularity.Truncate(now)
		gaps, err := sched.DetectGaps(ctx, feed, to.Add(-lookback), to)
		if err != nil {
			return err
		}
		for _, b := range gaps {
			fmt.Fprintf(writer, "%s\t%s\n", feed, b.Format(time.RFC3339))
		}
		total += len(gaps)
	}

	if !opts.Repair {
		if total == 0 {
			fmt.Fprintln(os.Stdout, "no gaps found")
			return nil
		}
		writer.Flush()
	}
	return nil
}
