package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"metrics-pipeline/internal/storage"
)

const dataPath = "/data"

// HTTPFeedOptions parameterise the generic REST adapter.
type HTTPFeedOptions struct {
	Feed         string
	BaseURL      string
	APIKey       string
	Domain       string
	Metrics      []string
	MaxBatchSize int
	Timeout      time.Duration
	UserAgent    string
}

// HTTPFeed is a config-driven REST adapter: one GET per metric, assets
// passed as a comma-joined list. Feeds with bespoke endpoint shapes live
// outside this module and only need to satisfy the Adapter interface.
type HTTPFeed struct {
	opts    HTTPFeedOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPFeed constructs the generic REST adapter.
func NewHTTPFeed(opts HTTPFeedOptions, logger zerolog.Logger) *HTTPFeed {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HTTPFeed{
		opts:    opts,
		logger:  logger.With().Str("component", "http_feed").Str("feed", opts.Feed).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Name identifies the feed.
func (f *HTTPFeed) Name() string { return f.opts.Feed }

// MaxBatchSize reports how many assets one request may carry.
func (f *HTTPFeed) MaxBatchSize() int { return f.opts.MaxBatchSize }

// Fetch pulls every configured metric for the asset batch.
func (f *HTTPFeed) Fetch(ctx context.Context, assets []string, window Window, granularity storage.Granularity) ([]storage.Observation, error) {
	if f.baseURL == "" {
		return nil, errors.New("feed base url not configured")
	}
	if len(assets) == 0 {
		return nil, nil
	}

	metrics := f.opts.Metrics
	if len(metrics) == 0 {
		return nil, fmt.Errorf("feed %s has no metrics configured", f.opts.Feed)
	}

	all := make([]storage.Observation, 0, len(assets)*len(metrics))
	for _, metric := range metrics {
		rows, err := f.fetchMetric(ctx, metric, assets, window)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			obs, ok := f.toObservation(metric, row, granularity)
			if !ok {
				continue
			}
			all = append(all, obs)
		}
	}
	return all, nil
}

func (f *HTTPFeed) fetchMetric(ctx context.Context, metric string, assets []string, window Window) ([]feedRow, error) {
	endpoint := fmt.Sprintf("%s%s/%s", f.baseURL, dataPath, url.PathEscape(metric))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	q := req.URL.Query()
	q.Set("symbols", strings.Join(assets, ","))
	if !window.From.IsZero() {
		q.Set("begin", strconv.FormatInt(window.From.UTC().Unix(), 10))
	}
	if !window.To.IsZero() {
		q.Set("end", strconv.FormatInt(window.To.UTC().Unix(), 10))
	}
	if f.opts.APIKey != "" {
		q.Set("api_key", f.opts.APIKey)
	}
	req.URL.RawQuery = q.Encode()

	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "fetch " + metric, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: "read " + metric, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, f.classifyStatus(resp, metric, payload)
	}

	var parsed feedResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", metric, err)
	}
	return parsed.Data, nil
}

func (f *HTTPFeed) classifyStatus(resp *http.Response, metric string, payload []byte) error {
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Feed: f.opts.Feed, RetryAfter: retryAfter(resp)}
	case status >= 500:
		return &TransientError{Op: "fetch " + metric, Err: fmt.Errorf("feed returned %d", status)}
	default:
		msg := strings.TrimSpace(string(payload))
		if msg == "" {
			return fmt.Errorf("feed %s error (%d) on %s", f.opts.Feed, status, metric)
		}
		return fmt.Errorf("feed %s error (%d) on %s: %s", f.opts.Feed, status, metric, msg)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Second
}

func (f *HTTPFeed) toObservation(metric string, row feedRow, granularity storage.Granularity) (storage.Observation, bool) {
	if row.Asset == "" || row.Value == nil {
		return storage.Observation{}, false
	}

	ts := time.Now().UTC()
	if row.Timestamp > 0 {
		ts = time.Unix(row.Timestamp, 0).UTC()
	}

	return storage.Observation{
		Feed:        f.opts.Feed,
		Asset:       row.Asset,
		MetricName:  metric,
		Value:       *row.Value,
		Timestamp:   ts,
		Exchange:    row.Exchange,
		Domain:      f.opts.Domain,
		Granularity: granularity,
	}, true
}

type feedResponse struct {
	Data []feedRow `json:"data"`
}

type feedRow struct {
	Asset     string   `json:"asset"`
	Value     *float64 `json:"value"`
	Timestamp int64    `json:"timestamp"`
	Exchange  string   `json:"exchange,omitempty"`
}

var _ Adapter = (*HTTPFeed)(nil)
