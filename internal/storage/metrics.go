package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	upsertObservationSQL = `INSERT INTO metrics (
        pulled_at,
        source,
        asset,
        entity_id,
        metric_name,
        value,
        domain,
        exchange,
        granularity
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (source, asset, metric_name, pulled_at, COALESCE(exchange, ''))
    DO UPDATE SET
        value       = EXCLUDED.value,
        entity_id   = COALESCE(EXCLUDED.entity_id, metrics.entity_id),
        domain      = COALESCE(EXCLUDED.domain, metrics.domain),
        granularity = COALESCE(EXCLUDED.granularity, metrics.granularity);`

	insertObservationSQL = `INSERT INTO metrics (
        pulled_at,
        source,
        asset,
        entity_id,
        metric_name,
        value,
        domain,
        exchange,
        granularity
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (source, asset, metric_name, pulled_at, COALESCE(exchange, ''))
    DO NOTHING;`

	presentBoundariesSQL = `SELECT DISTINCT date_trunc($1, pulled_at)
    FROM metrics
    WHERE source = $2
      AND pulled_at >= $3
      AND pulled_at < $4
    ORDER BY 1;`

	listSeriesSQL = `SELECT pulled_at, source, asset, entity_id, metric_name, value, domain, exchange, granularity
    FROM metrics
    WHERE source = $1
      AND asset = $2
      AND metric_name = $3
      AND pulled_at >= $4
      AND pulled_at < $5
    ORDER BY pulled_at;`

	latestPerAssetSQL = `SELECT DISTINCT ON (asset, COALESCE(exchange, ''))
        pulled_at, source, asset, entity_id, metric_name, value, domain, exchange, granularity
    FROM metrics
    WHERE metric_name = $1
      AND ($2 = '' OR source = $2)
    ORDER BY asset, COALESCE(exchange, ''), pulled_at DESC
    LIMIT $3;`

	listMetricNamesSQL = `SELECT DISTINCT metric_name
    FROM metrics
    WHERE ($1 = '' OR source = $1)
    ORDER BY metric_name;`

	listAssetMetricsSQL = `SELECT DISTINCT metric_name
    FROM metrics
    WHERE source = $1 AND asset = $2
    ORDER BY metric_name;`

	attachEntityRefsSQL = `UPDATE metrics m
    SET entity_id = esi.entity_id
    FROM entity_source_ids esi
    WHERE m.entity_id IS NULL
      AND m.source = esi.source
      AND m.asset = esi.source_id
      AND ($1 = '' OR m.source = $1);`

	countMetricsSQL = `SELECT COUNT(*) FROM metrics WHERE ($1 = '' OR source = $1);`
)

// MetricWriter is the ingestion-facing write contract.
type MetricWriter interface {
	WriteObservations(ctx context.Context, obs []Observation, mode WriteMode) (int, error)
}

// BoundaryReader lists reporting-period boundaries present in the store.
type BoundaryReader interface {
	PresentBoundaries(ctx context.Context, feed string, g Granularity, from, to time.Time) ([]time.Time, error)
}

// SeriesReader serves raw observation rows for read-side derivation.
type SeriesReader interface {
	Series(ctx context.Context, feed, asset, metric string, from, to time.Time) ([]Observation, error)
	LatestPerAsset(ctx context.Context, metric, feed string, limit int) ([]Observation, error)
}

// WriteObservations persists a batch of observations under the given mode
// and returns the number of rows actually written. Duplicate keys are never
// an error: live mode overwrites, backfill mode leaves the stored row alone.
func (s *Store) WriteObservations(ctx context.Context, obs []Observation, mode WriteMode) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(obs) == 0 {
		return 0, nil
	}

	query := insertObservationSQL
	if mode == WriteLive {
		query = upsertObservationSQL
	}

	batch := &pgx.Batch{}
	for _, o := range obs {
		ts := o.Timestamp.UTC()
		if mode == WriteLive {
			ts = o.Granularity.Truncate(ts)
		}

		var exchange interface{}
		if o.Exchange != "" {
			exchange = o.Exchange
		}
		var domain interface{}
		if o.Domain != "" {
			domain = o.Domain
		}
		var entityID interface{}
		if o.EntityID != nil {
			entityID = *o.EntityID
		}

		batch.Queue(query,
			ts,
			o.Feed,
			o.Asset,
			entityID,
			o.MetricName,
			o.Value,
			domain,
			exchange,
			string(o.Granularity),
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for range obs {
		tag, execErr := results.Exec()
		if execErr != nil {
			return written, fmt.Errorf("write observation: %w", execErr)
		}
		written += int(tag.RowsAffected())
	}
	return written, nil
}

// PresentBoundaries returns the distinct period boundaries recorded for a
// feed inside [from, to). The scheduler diffs this against the expected set
// to find gaps.
func (s *Store) PresentBoundaries(ctx context.Context, feed string, g Granularity, from, to time.Time) ([]time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	unit := "hour"
	if g == GranularityDaily {
		unit = "day"
	}

	rows, queryErr := pool.Query(ctx, presentBoundariesSQL, unit, feed, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list present boundaries: %w", queryErr)
	}
	defer rows.Close()

	boundaries := make([]time.Time, 0)
	for rows.Next() {
		var b time.Time
		if scanErr := rows.Scan(&b); scanErr != nil {
			return nil, scanErr
		}
		boundaries = append(boundaries, b.UTC())
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return boundaries, nil
}

// Series lists observations for one (feed, asset, metric) inside [from, to).
func (s *Store) Series(ctx context.Context, feed, asset, metric string, from, to time.Time) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSeriesSQL, feed, asset, metric, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list series: %w", queryErr)
	}
	defer rows.Close()

	return scanObservations(rows)
}

// LatestPerAsset returns the most recent observation of a metric for each
// (asset, venue) pair, optionally scoped to one feed.
func (s *Store) LatestPerAsset(ctx context.Context, metric, feed string, limit int) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestPerAssetSQL, metric, feed, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list latest values: %w", queryErr)
	}
	defer rows.Close()

	return scanObservations(rows)
}

// ListMetricNames lists distinct metric names, optionally scoped to a feed.
func (s *Store) ListMetricNames(ctx context.Context, feed string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listMetricNamesSQL, feed)
	if queryErr != nil {
		return nil, fmt.Errorf("list metric names: %w", queryErr)
	}
	defer rows.Close()

	return scanStrings(rows)
}

// ListAssetMetrics lists metric names recorded for one feed-local asset.
func (s *Store) ListAssetMetrics(ctx context.Context, feed, asset string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAssetMetricsSQL, feed, asset)
	if queryErr != nil {
		return nil, fmt.Errorf("list asset metrics: %w", queryErr)
	}
	defer rows.Close()

	return scanStrings(rows)
}

// AttachEntityRefs retroactively fills NULL entity references from the
// current mapping table. Pass an empty feed to cover every source.
func (s *Store) AttachEntityRefs(ctx context.Context, feed string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	tag, execErr := pool.Exec(ctx, attachEntityRefsSQL, feed)
	if execErr != nil {
		return 0, fmt.Errorf("attach entity refs: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// CountMetrics counts stored observations, optionally scoped to one feed.
func (s *Store) CountMetrics(ctx context.Context, feed string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countMetricsSQL, feed).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count metrics: %w", scanErr)
	}
	return count, nil
}

func scanObservations(rows pgx.Rows) ([]Observation, error) {
	obs := make([]Observation, 0)
	for rows.Next() {
		var (
			o           Observation
			entityID    sql.NullInt64
			value       sql.NullFloat64
			domain      sql.NullString
			exchange    sql.NullString
			granularity sql.NullString
		)
		if err := rows.Scan(
			&o.Timestamp,
			&o.Feed,
			&o.Asset,
			&entityID,
			&o.MetricName,
			&value,
			&domain,
			&exchange,
			&granularity,
		); err != nil {
			return nil, err
		}

		o.Timestamp = o.Timestamp.UTC()
		o.Value = value.Float64
		o.Domain = domain.String
		o.Exchange = exchange.String
		o.Granularity = Granularity(granularity.String)
		if entityID.Valid {
			id := entityID.Int64
			o.EntityID = &id
		}
		obs = append(obs, o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return obs, nil
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	values := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return values, nil
}
