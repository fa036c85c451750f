package normalizer

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"metrics-pipeline/internal/entity"
	"metrics-pipeline/internal/storage"
)

var testRulesYAML = []byte(`
canonical_names:
  coingecko:
    price: PRICE
    market_cap: MC
  velo:
    close_price: PRICE
aggregations:
  DOLLAR_OI_CLOSE: last
  FUNDING_RATE: mean
`)

func testNormalizer(t *testing.T, reader storage.SeriesReader, granularities map[string]storage.Granularity) *Normalizer {
	t.Helper()
	rules, err := ParseRules(testRulesYAML)
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}

	registry := entity.NewRegistry(nil)
	ctx := context.Background()
	if _, err := registry.Create(ctx, storage.Entity{ID: 1, CanonicalID: "bitcoin", Name: "Bitcoin", Symbol: "BTC", Active: true}); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	if err := registry.Register(ctx, "bitcoin", "coingecko", "bitcoin"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(ctx, "bitcoin", "velo", "BTC"); err != nil {
		t.Fatalf("register: %v", err)
	}

	return New(rules, registry, reader, granularities)
}

func TestCanonicalName(t *testing.T) {
	n := testNormalizer(t, nil, nil)

	if got := n.CanonicalName("coingecko", "price"); got != "PRICE" {
		t.Fatalf("mapped name: got %q", got)
	}
	if got := n.CanonicalName("velo", "CLOSE_PRICE"); got != "PRICE" {
		t.Fatalf("mapping should be case-insensitive: got %q", got)
	}
	if got := n.CanonicalName("coingecko", "dominance"); got != "DOMINANCE" {
		t.Fatalf("unmapped name should pass through upper-cased: got %q", got)
	}
	if got := n.CanonicalName("unknown-feed", "fees"); got != "FEES" {
		t.Fatalf("unknown feed should pass through: got %q", got)
	}
}

func TestRuleForPatternFamilies(t *testing.T) {
	n := testNormalizer(t, nil, nil)

	cases := map[string]Aggregation{
		"OPEN_PRICE":    AggFirst,
		"CLOSE_PRICE":   AggLast,
		"HIGH_PRICE":    AggMax,
		"LOW_PRICE":     AggMin,
		"DOLLAR_VOLUME": AggSum,
		"TOTAL_TRADES":  AggSum,
		"PREMIUM":       AggMean,
		"TVL":           AggLast, // no family match, default
	}
	for metric, want := range cases {
		got, err := n.RuleFor(metric)
		if err != nil {
			t.Fatalf("RuleFor(%s): %v", metric, err)
		}
		if got != want {
			t.Fatalf("RuleFor(%s) = %s, want %s", metric, got, want)
		}
	}
}

func TestRuleForRegistryOverridesPatterns(t *testing.T) {
	n := testNormalizer(t, nil, nil)

	// FUNDING_RATE would match the rate family anyway, but the registry
	// entry must win regardless of patterns.
	got, err := n.RuleFor("FUNDING_RATE")
	if err != nil {
		t.Fatalf("RuleFor: %v", err)
	}
	if got != AggMean {
		t.Fatalf("registry entry should govern, got %s", got)
	}
}

func TestRuleForAmbiguousRequiresRegistry(t *testing.T) {
	n := testNormalizer(t, nil, nil)

	// Matches both the "open" and "close" families without a registry entry.
	if _, err := n.RuleFor("DOLLAR_OPEN_INTEREST_CLOSE"); !errors.Is(err, ErrAmbiguousMetric) {
		t.Fatalf("expected ErrAmbiguousMetric, got %v", err)
	}

	// The same shape with an explicit registry entry resolves cleanly.
	got, err := n.RuleFor("DOLLAR_OI_CLOSE")
	if err != nil {
		t.Fatalf("RuleFor with registry entry: %v", err)
	}
	if got != AggLast {
		t.Fatalf("expected last, got %s", got)
	}
}

func hourObs(metric string, hour int, value float64, exchange string) storage.Observation {
	return storage.Observation{
		Feed:        "velo",
		Asset:       "BTC",
		MetricName:  metric,
		Value:       value,
		Timestamp:   time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC),
		Exchange:    exchange,
		Granularity: storage.GranularityHourly,
	}
}

func TestRollupDailyMaxAndSum(t *testing.T) {
	n := testNormalizer(t, nil, nil)

	obs := []storage.Observation{
		hourObs("HIGH_PRICE", 0, 101, ""),
		hourObs("HIGH_PRICE", 5, 115, ""),
		hourObs("HIGH_PRICE", 23, 108, ""),
		hourObs("DOLLAR_VOLUME", 0, 10.5, ""),
		hourObs("DOLLAR_VOLUME", 1, 20.25, ""),
		hourObs("DOLLAR_VOLUME", 2, 30.25, ""),
	}

	daily, err := n.RollupDaily(obs)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if len(daily) != 2 {
		t.Fatalf("expected 2 daily values, got %d", len(daily))
	}

	byMetric := map[string]DailyValue{}
	for _, d := range daily {
		byMetric[d.MetricName] = d
	}

	if high := byMetric["HIGH_PRICE"]; high.Value != 115 || high.Count != 3 {
		t.Fatalf("HIGH_PRICE rollup wrong: %+v", high)
	}
	if vol := byMetric["DOLLAR_VOLUME"]; vol.Value != 61.0 || vol.Count != 3 {
		t.Fatalf("DOLLAR_VOLUME rollup wrong: %+v", vol)
	}
}

func TestRollupDailyFirstLastMean(t *testing.T) {
	n := testNormalizer(t, nil, nil)

	obs := []storage.Observation{
		hourObs("OPEN_PRICE", 7, 100, ""),
		hourObs("OPEN_PRICE", 2, 95, ""),
		hourObs("CLOSE_PRICE", 4, 99, ""),
		hourObs("CLOSE_PRICE", 21, 104, ""),
		hourObs("FUNDING_RATE", 0, 0.01, ""),
		hourObs("FUNDING_RATE", 1, 0.03, ""),
	}

	daily, err := n.RollupDaily(obs)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}

	byMetric := map[string]DailyValue{}
	for _, d := range daily {
		byMetric[d.MetricName] = d
	}

	if open := byMetric["OPEN_PRICE"]; open.Value != 95 {
		t.Fatalf("OPEN_PRICE should take the earliest sample, got %v", open.Value)
	}
	if cl := byMetric["CLOSE_PRICE"]; cl.Value != 104 {
		t.Fatalf("CLOSE_PRICE should take the latest sample, got %v", cl.Value)
	}
	if fr := byMetric["FUNDING_RATE"]; math.Abs(fr.Value-0.02) > 1e-12 {
		t.Fatalf("FUNDING_RATE mean wrong: %v", fr.Value)
	}
}

func TestRollupDailyKeepsVenuesSeparate(t *testing.T) {
	n := testNormalizer(t, nil, nil)

	obs := []storage.Observation{
		hourObs("DOLLAR_VOLUME", 0, 10, "binance-futures"),
		hourObs("DOLLAR_VOLUME", 1, 20, "binance-futures"),
		hourObs("DOLLAR_VOLUME", 0, 7, "bybit"),
	}

	daily, err := n.RollupDaily(obs)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if len(daily) != 2 {
		t.Fatalf("venues must not be merged, got %d groups", len(daily))
	}

	byVenue := map[string]DailyValue{}
	for _, d := range daily {
		byVenue[d.Exchange] = d
	}
	if byVenue["binance-futures"].Value != 30 || byVenue["binance-futures"].Count != 2 {
		t.Fatalf("binance rollup wrong: %+v", byVenue["binance-futures"])
	}
	if byVenue["bybit"].Value != 7 || byVenue["bybit"].Count != 1 {
		t.Fatalf("bybit rollup wrong: %+v", byVenue["bybit"])
	}
}

type fakeReader struct {
	series map[string][]storage.Observation // feed|asset|metric
}

func (f *fakeReader) Series(_ context.Context, feed, asset, metric string, from, to time.Time) ([]storage.Observation, error) {
	rows := f.series[feed+"|"+asset+"|"+metric]
	out := make([]storage.Observation, 0, len(rows))
	for _, o := range rows {
		if !o.Timestamp.Before(from) && o.Timestamp.Before(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeReader) LatestPerAsset(_ context.Context, metric, feed string, limit int) ([]storage.Observation, error) {
	return nil, nil
}

func TestCrossSourceJoinsAndConverts(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	reader := &fakeReader{series: map[string][]storage.Observation{
		// Daily feed under its native metric name.
		"coingecko|bitcoin|PRICE": {
			{Feed: "coingecko", Asset: "bitcoin", MetricName: "PRICE", Value: 65000, Timestamp: day, Granularity: storage.GranularityDaily},
		},
		// Hourly feed under a feed-native name that canonicalizes to PRICE.
		"velo|BTC|CLOSE_PRICE": {
			hourObs("CLOSE_PRICE", 1, 64900, ""),
			hourObs("CLOSE_PRICE", 23, 65100, ""),
		},
	}}

	n := testNormalizer(t, reader, map[string]storage.Granularity{
		"coingecko": storage.GranularityDaily,
		"velo":      storage.GranularityHourly,
	})

	result, err := n.CrossSource(context.Background(), "bitcoin", "PRICE", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("cross source: %v", err)
	}

	if result.Entity.Symbol != "BTC" {
		t.Fatalf("entity attributes missing: %+v", result.Entity)
	}

	cg := result.Feeds["coingecko"]
	if cg.SourceID != "bitcoin" || len(cg.Points) != 1 || cg.Points[0].Value != 65000 {
		t.Fatalf("coingecko series wrong: %+v", cg)
	}

	velo := result.Feeds["velo"]
	if velo.SourceID != "BTC" {
		t.Fatalf("velo source id wrong: %+v", velo)
	}
	if len(velo.Points) != 1 {
		t.Fatalf("hourly feed should be rolled up to one daily point, got %d", len(velo.Points))
	}
	if velo.Points[0].Value != 65100 || velo.Points[0].Count != 2 {
		t.Fatalf("velo rollup wrong: %+v", velo.Points[0])
	}
	if !velo.Points[0].Timestamp.Equal(day) {
		t.Fatalf("rollup point should land on the day boundary: %v", velo.Points[0].Timestamp)
	}
}

func TestCrossSourceUnknownEntity(t *testing.T) {
	n := testNormalizer(t, &fakeReader{}, nil)
	if _, err := n.CrossSource(context.Background(), "dogecoin", "PRICE", time.Time{}, time.Now()); !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
