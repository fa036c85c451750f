package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	insertPullSQL = `INSERT INTO pulls (source_name, pulled_at, status, records_count, notes)
    VALUES ($1,$2,$3,$4,$5)
    RETURNING pull_id;`

	listPullsSQL = `SELECT pull_id, source_name, pulled_at, status, records_count, notes
    FROM pulls
    WHERE ($1 = '' OR source_name = $1)
    ORDER BY pulled_at DESC
    LIMIT $2;`
)

// PullLog records and lists ingestion cycle outcomes.
type PullLog interface {
	RecordPull(ctx context.Context, rec PullRecord) (int64, error)
	ListPulls(ctx context.Context, feed string, limit int) ([]PullRecord, error)
}

// RecordPull appends one immutable cycle audit entry.
func (s *Store) RecordPull(ctx context.Context, rec PullRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	pulledAt := rec.PulledAt
	if pulledAt.IsZero() {
		pulledAt = time.Now().UTC()
	}

	var notes interface{}
	if rec.Notes != "" {
		notes = rec.Notes
	}

	var id int64
	row := pool.QueryRow(ctx, insertPullSQL, rec.Feed, pulledAt, string(rec.Status), rec.Records, notes)
	if scanErr := row.Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("record pull: %w", scanErr)
	}
	return id, nil
}

// ListPulls returns recent cycle records, optionally scoped to one feed.
func (s *Store) ListPulls(ctx context.Context, feed string, limit int) ([]PullRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPullsSQL, feed, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list pulls: %w", queryErr)
	}
	defer rows.Close()

	records := make([]PullRecord, 0, limit)
	for rows.Next() {
		var (
			rec    PullRecord
			status string
			notes  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Feed, &rec.PulledAt, &status, &rec.Records, &notes); err != nil {
			return nil, err
		}
		rec.Status = PullStatus(status)
		rec.Notes = notes.String
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}
