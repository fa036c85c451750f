package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"metrics-pipeline/internal/storage"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestFeed(baseURL string, metrics []string) *HTTPFeed {
	return NewHTTPFeed(HTTPFeedOptions{
		Feed:    "velo",
		BaseURL: baseURL,
		Domain:  "derivative",
		Metrics: metrics,
		Timeout: time.Second,
	}, noopLogger())
}

func TestFetchMissingBaseURL(t *testing.T) {
	f := newTestFeed("", []string{"FUNDING_RATE"})
	if _, err := f.Fetch(context.Background(), []string{"BTC"}, Window{}, storage.GranularityHourly); err == nil {
		t.Fatal("missing base url should error")
	}
}

func TestFetchSuccess(t *testing.T) {
	val := 42.5
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbols"); got != "BTC,ETH" {
			t.Fatalf("unexpected symbols param: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"asset": "BTC", "value": val, "timestamp": 1700000000, "exchange": "binance-futures"},
				{"asset": "ETH", "value": nil}, // garbage row, dropped
			},
		})
	}))
	defer srv.Close()

	f := newTestFeed(srv.URL, []string{"FUNDING_RATE"})
	obs, err := f.Fetch(context.Background(), []string{"BTC", "ETH"}, Window{}, storage.GranularityHourly)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(obs))
	}
	o := obs[0]
	if o.Feed != "velo" || o.Asset != "BTC" || o.MetricName != "FUNDING_RATE" {
		t.Fatalf("unexpected observation identity: %+v", o)
	}
	if o.Value != val || o.Exchange != "binance-futures" || o.Domain != "derivative" {
		t.Fatalf("unexpected observation payload: %+v", o)
	}
	if !o.Timestamp.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("timestamp not preserved: %v", o.Timestamp)
	}
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFeed(srv.URL, []string{"PRICE"})
	_, err := f.Fetch(context.Background(), []string{"BTC"}, Window{}, storage.GranularityHourly)
	if !IsTransient(err) {
		t.Fatalf("5xx should be transient, got %v", err)
	}
}

func TestFetchTooManyRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFeed(srv.URL, []string{"PRICE"})
	_, err := f.Fetch(context.Background(), []string{"BTC"}, Window{}, storage.GranularityHourly)
	rl, ok := AsRateLimit(err)
	if !ok {
		t.Fatalf("429 should map to RateLimitError, got %v", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Fatalf("Retry-After header not honoured: %v", rl.RetryAfter)
	}
	if IsTransient(err) {
		t.Fatal("rate limiting must not be classified as transient failure")
	}
}

func TestFetchClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("unknown metric"))
	}))
	defer srv.Close()

	f := newTestFeed(srv.URL, []string{"NOPE"})
	_, err := f.Fetch(context.Background(), []string{"BTC"}, Window{}, storage.GranularityHourly)
	if err == nil {
		t.Fatal("4xx should error")
	}
	if IsTransient(err) {
		t.Fatalf("4xx should be permanent, got transient: %v", err)
	}
	if _, ok := AsRateLimit(err); ok {
		t.Fatalf("4xx should not be a rate limit error: %v", err)
	}
}
