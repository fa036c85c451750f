package scheduler

import "time"

// Cadence declares when a feed's cycles fire: every period, at a fixed
// offset within the period ("every hour, five minutes past the hour").
type Cadence struct {
	Every time.Duration
	At    time.Duration
}

// Prev returns the most recent cadence boundary at or before t.
func (c Cadence) Prev(t time.Time) time.Time {
	t = t.UTC()
	boundary := t.Truncate(c.Every).Add(c.At)
	if boundary.After(t) {
		boundary = boundary.Add(-c.Every)
	}
	return boundary
}

// Next returns the first cadence boundary strictly after t.
func (c Cadence) Next(t time.Time) time.Time {
	return c.Prev(t).Add(c.Every)
}

// boundariesBetween lists every period boundary in [from, to) for a fixed
// period with zero offset. Gap detection works on these, matching how live
// writes truncate timestamps to the period start.
func boundariesBetween(from, to time.Time, period time.Duration) []time.Time {
	from = from.UTC()
	to = to.UTC()

	start := from.Truncate(period)
	if start.Before(from) {
		start = start.Add(period)
	}

	var out []time.Time
	for b := start; b.Before(to); b = b.Add(period) {
		out = append(out, b)
	}
	return out
}

// contiguousRuns groups sorted boundaries into maximal runs of consecutive
// periods, so one repair call can cover one outage.
func contiguousRuns(boundaries []time.Time, period time.Duration) [][2]time.Time {
	if len(boundaries) == 0 {
		return nil
	}

	runs := make([][2]time.Time, 0, 1)
	start, end := boundaries[0], boundaries[0]
	for _, b := range boundaries[1:] {
		if b.Equal(end.Add(period)) {
			end = b
			continue
		}
		runs = append(runs, [2]time.Time{start, end})
		start, end = b, b
	}
	runs = append(runs, [2]time.Time{start, end})
	return runs
}
