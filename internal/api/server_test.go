package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"metrics-pipeline/internal/config"
	"metrics-pipeline/internal/entity"
	"metrics-pipeline/internal/normalizer"
	"metrics-pipeline/internal/storage"
)

type stubReader struct {
	series []storage.Observation
	latest []storage.Observation
}

func (r *stubReader) Series(_ context.Context, feed, asset, metric string, from, to time.Time) ([]storage.Observation, error) {
	var out []storage.Observation
	for _, o := range r.series {
		if o.Feed == feed && o.Asset == asset && o.MetricName == metric && !o.Timestamp.Before(from) && o.Timestamp.Before(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *stubReader) LatestPerAsset(_ context.Context, metric, feed string, limit int) ([]storage.Observation, error) {
	var out []storage.Observation
	for _, o := range r.latest {
		if o.MetricName != metric {
			continue
		}
		if feed != "" && o.Feed != feed {
			continue
		}
		out = append(out, o)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type stubPulls struct {
	records []storage.PullRecord
}

func (p *stubPulls) RecordPull(_ context.Context, rec storage.PullRecord) (int64, error) {
	p.records = append(p.records, rec)
	return int64(len(p.records)), nil
}

func (p *stubPulls) ListPulls(_ context.Context, feed string, limit int) ([]storage.PullRecord, error) {
	var out []storage.PullRecord
	for _, rec := range p.records {
		if feed != "" && rec.Feed != feed {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func testRegistry(t *testing.T) *entity.Registry {
	t.Helper()
	reg := entity.NewRegistry(nil)
	ctx := context.Background()
	if _, err := reg.Create(ctx, storage.Entity{ID: 1, CanonicalID: "bitcoin", Name: "Bitcoin", Symbol: "BTC", Type: "crypto", Active: true}); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	if err := reg.Register(ctx, "bitcoin", "velo", "BTC"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(ctx, "bitcoin", "coingecko", "bitcoin"); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func testServer(t *testing.T, cfg config.APIConfig, reader *stubReader, pulls storage.PullLog) *httptest.Server {
	t.Helper()
	reg := testRegistry(t)
	norm := normalizer.New(normalizer.Rules{}, reg, reader, map[string]storage.Granularity{
		"velo":      storage.GranularityHourly,
		"coingecko": storage.GranularityDaily,
	})
	srv := NewServer(cfg, zerolog.Nop(), reader, nil, pulls, reg, norm)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	ts := testServer(t, config.APIConfig{}, &stubReader{}, nil)

	var body map[string]string
	if code := getJSON(t, ts.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("healthz body = %v", body)
	}
}

func TestAPIKeyGate(t *testing.T) {
	ts := testServer(t, config.APIConfig{APIKey: "sekrit"}, &stubReader{}, nil)

	// Health stays open.
	if code := getJSON(t, ts.URL+"/healthz", nil); code != http.StatusOK {
		t.Errorf("healthz status = %d, want open", code)
	}

	if code := getJSON(t, ts.URL+"/v1/entities", nil); code != http.StatusUnauthorized {
		t.Errorf("unkeyed request status = %d, want 401", code)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/entities", nil)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("keyed request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("keyed request status = %d, want 200", resp.StatusCode)
	}
}

func TestSeriesEndpoint(t *testing.T) {
	ts14 := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	reader := &stubReader{series: []storage.Observation{
		{Feed: "velo", Asset: "BTC", MetricName: "CLOSE_PRICE", Value: 65000, Timestamp: ts14},
		{Feed: "velo", Asset: "BTC", MetricName: "CLOSE_PRICE", Value: 65100, Timestamp: ts14.Add(time.Hour)},
	}}
	ts := testServer(t, config.APIConfig{}, reader, nil)

	var body observationsResponse
	url := ts.URL + "/v1/series?feed=velo&asset=BTC&metric=CLOSE_PRICE&from=2024-03-01T00:00:00Z&to=2024-03-02T00:00:00Z"
	if code := getJSON(t, url, &body); code != http.StatusOK {
		t.Fatalf("series status = %d", code)
	}
	if body.Count != 2 {
		t.Fatalf("series count = %d, want 2", body.Count)
	}
	if body.Observations[0].Value != 65000 {
		t.Errorf("first value = %v", body.Observations[0].Value)
	}

	if code := getJSON(t, ts.URL+"/v1/series?feed=velo", nil); code != http.StatusBadRequest {
		t.Errorf("missing params status = %d, want 400", code)
	}
	bad := ts.URL + "/v1/series?feed=velo&asset=BTC&metric=X&from=2024-03-02T00:00:00Z&to=2024-03-01T00:00:00Z"
	if code := getJSON(t, bad, nil); code != http.StatusBadRequest {
		t.Errorf("inverted window status = %d, want 400", code)
	}
}

func TestSeriesKeepsFeedNativeCasing(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	reader := &stubReader{
		series: []storage.Observation{
			{Feed: "coingecko", Asset: "bitcoin", MetricName: "price", Value: 64900, Timestamp: day},
		},
		latest: []storage.Observation{
			{Feed: "coingecko", Asset: "bitcoin", MetricName: "price", Value: 64900, Timestamp: day},
		},
	}
	ts := testServer(t, config.APIConfig{}, reader, nil)

	// Lowercase feed-local ids and native metric names must reach their
	// rows verbatim.
	var body observationsResponse
	url := ts.URL + "/v1/series?feed=coingecko&asset=bitcoin&metric=price&from=2024-03-01T00:00:00Z&to=2024-03-02T00:00:00Z"
	if code := getJSON(t, url, &body); code != http.StatusOK {
		t.Fatalf("series status = %d", code)
	}
	if body.Count != 1 || body.Observations[0].Asset != "bitcoin" {
		t.Fatalf("series = %+v, want the lowercase coingecko row", body)
	}

	var latest observationsResponse
	if code := getJSON(t, ts.URL+"/v1/latest?metric=price", &latest); code != http.StatusOK {
		t.Fatalf("latest status = %d", code)
	}
	if latest.Count != 1 {
		t.Errorf("latest count = %d, want 1", latest.Count)
	}
}

func TestLatestEndpoint(t *testing.T) {
	reader := &stubReader{latest: []storage.Observation{
		{Feed: "velo", Asset: "BTC", MetricName: "CLOSE_PRICE", Value: 65000, Timestamp: time.Now().UTC()},
		{Feed: "velo", Asset: "ETH", MetricName: "CLOSE_PRICE", Value: 3500, Timestamp: time.Now().UTC()},
	}}
	ts := testServer(t, config.APIConfig{}, reader, nil)

	var body observationsResponse
	if code := getJSON(t, ts.URL+"/v1/latest?metric=CLOSE_PRICE", &body); code != http.StatusOK {
		t.Fatalf("latest status = %d", code)
	}
	if body.Count != 2 {
		t.Errorf("latest count = %d, want 2", body.Count)
	}

	if code := getJSON(t, ts.URL+"/v1/latest", nil); code != http.StatusBadRequest {
		t.Errorf("missing metric status = %d, want 400", code)
	}
}

func TestRollupEndpoint(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	reader := &stubReader{series: []storage.Observation{
		{Feed: "velo", Asset: "BTC", MetricName: "HIGH_PRICE", Value: 100, Timestamp: day.Add(1 * time.Hour)},
		{Feed: "velo", Asset: "BTC", MetricName: "HIGH_PRICE", Value: 115, Timestamp: day.Add(5 * time.Hour)},
		{Feed: "velo", Asset: "BTC", MetricName: "HIGH_PRICE", Value: 110, Timestamp: day.Add(9 * time.Hour)},
	}}
	ts := testServer(t, config.APIConfig{}, reader, nil)

	var body rollupResponse
	url := ts.URL + "/v1/rollup?feed=velo&asset=BTC&metric=HIGH_PRICE&from=2024-03-01T00:00:00Z&to=2024-03-02T00:00:00Z"
	if code := getJSON(t, url, &body); code != http.StatusOK {
		t.Fatalf("rollup status = %d", code)
	}
	if body.Count != 1 {
		t.Fatalf("rollup count = %d, want 1", body.Count)
	}
	if body.Days[0].Value != 115 || body.Days[0].Count != 3 {
		t.Errorf("rollup day = %+v, want max 115 from 3 samples", body.Days[0])
	}
}

func TestCrossSourceEndpoint(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	reader := &stubReader{series: []storage.Observation{
		{Feed: "coingecko", Asset: "bitcoin", MetricName: "PRICE", Value: 64900, Timestamp: day},
	}}
	ts := testServer(t, config.APIConfig{}, reader, nil)

	var body crossSourceDTO
	url := ts.URL + "/v1/cross-source?entity=bitcoin&metric=PRICE&from=2024-03-01T00:00:00Z&to=2024-03-02T00:00:00Z"
	if code := getJSON(t, url, &body); code != http.StatusOK {
		t.Fatalf("cross-source status = %d", code)
	}
	if body.Entity.CanonicalID != "bitcoin" || body.Metric != "PRICE" {
		t.Errorf("cross-source header = %+v", body)
	}
	fs, ok := body.Feeds["coingecko"]
	if !ok || len(fs.Points) != 1 || fs.Points[0].Value != 64900 {
		t.Errorf("coingecko series = %+v", fs)
	}

	if code := getJSON(t, ts.URL+"/v1/cross-source?entity=dogecoin&metric=PRICE", nil); code != http.StatusNotFound {
		t.Errorf("unknown entity status = %d, want 404", code)
	}
	if code := getJSON(t, ts.URL+"/v1/cross-source?metric=PRICE", nil); code != http.StatusBadRequest {
		t.Errorf("missing entity status = %d, want 400", code)
	}
}

func TestEntityEndpoints(t *testing.T) {
	ts := testServer(t, config.APIConfig{}, &stubReader{}, nil)

	var list entitiesResponse
	if code := getJSON(t, ts.URL+"/v1/entities", &list); code != http.StatusOK {
		t.Fatalf("entities status = %d", code)
	}
	if list.Count != 1 || list.Entities[0].CanonicalID != "bitcoin" {
		t.Fatalf("entities = %+v", list)
	}

	var one entityDTO
	if code := getJSON(t, ts.URL+"/v1/entities/bitcoin", &one); code != http.StatusOK {
		t.Fatalf("entity status = %d", code)
	}
	if one.Mappings["velo"] != "BTC" || one.Mappings["coingecko"] != "bitcoin" {
		t.Errorf("mappings = %v", one.Mappings)
	}

	if code := getJSON(t, ts.URL+"/v1/entities/dogecoin", nil); code != http.StatusNotFound {
		t.Errorf("unknown entity status = %d, want 404", code)
	}
}

func TestPullsEndpoint(t *testing.T) {
	pulls := &stubPulls{records: []storage.PullRecord{
		{Feed: "velo", PulledAt: time.Now().UTC(), Status: storage.PullSuccess, Records: 42},
		{Feed: "coingecko", PulledAt: time.Now().UTC(), Status: storage.PullPartial, Records: 7},
	}}
	ts := testServer(t, config.APIConfig{}, &stubReader{}, pulls)

	var body pullsResponse
	if code := getJSON(t, ts.URL+"/v1/pulls?feed=velo", &body); code != http.StatusOK {
		t.Fatalf("pulls status = %d", code)
	}
	if body.Count != 1 || body.Pulls[0].Records != 42 {
		t.Errorf("pulls = %+v", body)
	}
}
