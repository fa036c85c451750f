// Package normalizer derives canonical, cross-feed-comparable views over
// stored observations. It never mutates the metric store: canonical metric
// names, daily rollups of sub-daily data, and cross-source joins are all
// computed on read.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"metrics-pipeline/internal/entity"
	"metrics-pipeline/internal/storage"
)

// ErrAmbiguousMetric indicates a metric name matches more than one
// aggregation pattern family and carries no registry entry. The precedence
// between overlapping families is deliberately undefined; configuration
// must disambiguate.
var ErrAmbiguousMetric = errors.New("normalizer: metric matches multiple aggregation patterns; add an explicit registry entry")

// patternFamilies is the documented fallback for metrics without a registry
// entry. Matching is substring-based on the upper-cased name; a name
// landing in two families is refused rather than guessed.
var patternFamilies = []struct {
	agg        Aggregation
	substrings []string
}{
	{AggFirst, []string{"OPEN"}},
	{AggLast, []string{"CLOSE"}},
	{AggMax, []string{"HIGH"}},
	{AggMin, []string{"LOW"}},
	{AggSum, []string{"VOLUME", "TURNOVER", "TRADES", "TXNS", "LIQUIDATION", "LIQ"}},
	{AggMean, []string{"RATE", "PREMIUM"}},
}

// DailyValue is one frequency-converted data point. Count carries how many
// sub-daily observations contributed, so consumers can spot partial days.
type DailyValue struct {
	Feed       string
	Asset      string
	MetricName string
	Exchange   string
	Day        time.Time
	Value      float64
	Count      int
}

// Point is one joined time-series sample.
type Point struct {
	Timestamp time.Time
	Value     float64
	Count     int
}

// FeedSeries is one feed's contribution to a cross-source join.
type FeedSeries struct {
	SourceID    string
	Granularity storage.Granularity
	Points      []Point
}

// CrossSourceResult joins one canonical metric across every feed tracking
// the entity.
type CrossSourceResult struct {
	Entity storage.Entity
	Metric string
	Feeds  map[string]FeedSeries
}

// Normalizer applies rules over the store and registry.
type Normalizer struct {
	rules         Rules
	registry      *entity.Registry
	reader        storage.SeriesReader
	granularities map[string]storage.Granularity
}

// New constructs a Normalizer. granularities declares each feed's native
// reporting frequency so cross-source reads know which feeds need rollup.
func New(rules Rules, registry *entity.Registry, reader storage.SeriesReader, granularities map[string]storage.Granularity) *Normalizer {
	return &Normalizer{
		rules:         rules,
		registry:      registry,
		reader:        reader,
		granularities: granularities,
	}
}

// CanonicalName maps a feed-native metric name onto the shared canonical
// name. Names without a mapping pass through upper-cased and unchanged.
func (n *Normalizer) CanonicalName(feed, metric string) string {
	metric = strings.ToUpper(strings.TrimSpace(metric))
	if names, ok := n.rules.CanonicalNames[strings.ToLower(feed)]; ok {
		if canonical, ok := names[metric]; ok {
			return canonical
		}
	}
	return metric
}

// nativeNames reverse-maps a canonical metric to the feed-native names that
// canonicalize onto it, always including the canonical name itself.
func (n *Normalizer) nativeNames(feed, canonical string) []string {
	canonical = strings.ToUpper(strings.TrimSpace(canonical))
	names := []string{canonical}
	for native, mapped := range n.rules.CanonicalNames[strings.ToLower(feed)] {
		if mapped == canonical && native != canonical {
			names = append(names, native)
		}
	}
	sort.Strings(names)
	return names
}

// RuleFor resolves the aggregation rule for a metric: registry entries
// first, then the single-family pattern fallback, then latest-value.
func (n *Normalizer) RuleFor(metric string) (Aggregation, error) {
	metric = strings.ToUpper(strings.TrimSpace(metric))
	if agg, ok := n.rules.Aggregations[metric]; ok {
		return agg, nil
	}

	var matched []Aggregation
	for _, family := range patternFamilies {
		for _, sub := range family.substrings {
			if strings.Contains(metric, sub) {
				matched = append(matched, family.agg)
				break
			}
		}
	}

	switch len(matched) {
	case 0:
		return AggLast, nil
	case 1:
		return matched[0], nil
	default:
		return "", fmt.Errorf("%w: %s matches %v", ErrAmbiguousMetric, metric, matched)
	}
}

type rollupKey struct {
	feed     string
	asset    string
	metric   string
	exchange string
	day      time.Time
}

// RollupDaily converts sub-daily observations into per-day values using
// each metric's aggregation rule.
func (n *Normalizer) RollupDaily(obs []storage.Observation) ([]DailyValue, error) {
	groups := make(map[rollupKey][]storage.Observation)
	for _, o := range obs {
		key := rollupKey{
			feed:     o.Feed,
			asset:    o.Asset,
			metric:   strings.ToUpper(o.MetricName),
			exchange: o.Exchange,
			day:      storage.GranularityDaily.Truncate(o.Timestamp),
		}
		groups[key] = append(groups[key], o)
	}

	out := make([]DailyValue, 0, len(groups))
	for key, group := range groups {
		agg, err := n.RuleFor(key.metric)
		if err != nil {
			return nil, err
		}

		value, err := aggregate(agg, group)
		if err != nil {
			return nil, fmt.Errorf("rollup %s/%s/%s: %w", key.feed, key.asset, key.metric, err)
		}

		out = append(out, DailyValue{
			Feed:       key.feed,
			Asset:      key.asset,
			MetricName: key.metric,
			Exchange:   key.exchange,
			Day:        key.day,
			Value:      value,
			Count:      len(group),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		if a.MetricName != b.MetricName {
			return a.MetricName < b.MetricName
		}
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		return a.Day.Before(b.Day)
	})
	return out, nil
}

func aggregate(agg Aggregation, group []storage.Observation) (float64, error) {
	if len(group) == 0 {
		return 0, errors.New("empty group")
	}

	switch agg {
	case AggFirst:
		earliest := group[0]
		for _, o := range group[1:] {
			if o.Timestamp.Before(earliest.Timestamp) {
				earliest = o
			}
		}
		return earliest.Value, nil
	case AggLast:
		latest := group[0]
		for _, o := range group[1:] {
			if o.Timestamp.After(latest.Timestamp) {
				latest = o
			}
		}
		return latest.Value, nil
	case AggMax:
		max := group[0].Value
		for _, o := range group[1:] {
			if o.Value > max {
				max = o.Value
			}
		}
		return max, nil
	case AggMin:
		min := group[0].Value
		for _, o := range group[1:] {
			if o.Value < min {
				min = o.Value
			}
		}
		return min, nil
	case AggSum:
		sum := decimal.Zero
		for _, o := range group {
			sum = sum.Add(decimal.NewFromFloat(o.Value))
		}
		return sum.InexactFloat64(), nil
	case AggMean:
		sum := decimal.Zero
		for _, o := range group {
			sum = sum.Add(decimal.NewFromFloat(o.Value))
		}
		mean := sum.Div(decimal.NewFromInt(int64(len(group))))
		return mean.InexactFloat64(), nil
	default:
		return 0, fmt.Errorf("unknown aggregation %q", agg)
	}
}

// CrossSource joins one canonical metric across every feed mapped for the
// entity, daily-converting feeds whose native granularity is sub-daily.
func (n *Normalizer) CrossSource(ctx context.Context, canonicalID, metric string, from, to time.Time) (CrossSourceResult, error) {
	ent, err := n.registry.Get(canonicalID)
	if err != nil {
		return CrossSourceResult{}, err
	}
	mappings, err := n.registry.Resolve(canonicalID)
	if err != nil {
		return CrossSourceResult{}, err
	}

	metric = strings.ToUpper(strings.TrimSpace(metric))
	result := CrossSourceResult{
		Entity: ent,
		Metric: metric,
		Feeds:  make(map[string]FeedSeries, len(mappings)),
	}

	for feed, sourceID := range mappings {
		granularity := n.granularities[feed]
		if granularity == "" {
			granularity = storage.GranularityDaily
		}

		var rows []storage.Observation
		for _, native := range n.nativeNames(feed, metric) {
			series, err := n.reader.Series(ctx, feed, sourceID, native, from, to)
			if err != nil {
				return CrossSourceResult{}, fmt.Errorf("read %s series: %w", feed, err)
			}
			rows = append(rows, series...)
		}

		points, err := n.toPoints(rows, granularity)
		if err != nil {
			return CrossSourceResult{}, fmt.Errorf("convert %s series: %w", feed, err)
		}

		result.Feeds[feed] = FeedSeries{
			SourceID:    sourceID,
			Granularity: granularity,
			Points:      points,
		}
	}
	return result, nil
}

func (n *Normalizer) toPoints(rows []storage.Observation, granularity storage.Granularity) ([]Point, error) {
	if granularity == storage.GranularityDaily {
		points := make([]Point, 0, len(rows))
		for _, o := range rows {
			points = append(points, Point{Timestamp: o.Timestamp, Value: o.Value, Count: 1})
		}
		sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
		return points, nil
	}

	daily, err := n.RollupDaily(rows)
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(daily))
	for _, d := range daily {
		points = append(points, Point{Timestamp: d.Day, Value: d.Value, Count: d.Count})
	}
	return points, nil
}
