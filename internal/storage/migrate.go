package storage

import (
	"context"
	"fmt"
)

var migrateStatements = []string{
	`CREATE TABLE IF NOT EXISTS entities (
        entity_id    BIGSERIAL PRIMARY KEY,
        canonical_id VARCHAR(100) NOT NULL UNIQUE,
        name         VARCHAR(200) NOT NULL,
        symbol       VARCHAR(50),
        entity_type  VARCHAR(50),
        sector       VARCHAR(100),
        active       BOOLEAN NOT NULL DEFAULT TRUE
    );`,

	`CREATE TABLE IF NOT EXISTS entity_source_ids (
        entity_id BIGINT NOT NULL,
        source    VARCHAR(100) NOT NULL,
        source_id VARCHAR(200) NOT NULL,
        UNIQUE (source, source_id),
        UNIQUE (entity_id, source)
    );`,

	`CREATE TABLE IF NOT EXISTS metrics (
        id          BIGSERIAL PRIMARY KEY,
        pulled_at   TIMESTAMPTZ NOT NULL,
        source      VARCHAR(100) NOT NULL,
        asset       VARCHAR(200) NOT NULL,
        entity_id   BIGINT,
        metric_name VARCHAR(200) NOT NULL,
        value       DOUBLE PRECISION,
        domain      VARCHAR(100),
        exchange    VARCHAR(100),
        granularity VARCHAR(20)
    );`,

	// One row per (feed, asset, metric, period, venue). A NULL exchange
	// collapses to '' so venue-less feeds cannot double-insert a period.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_metrics_unique
        ON metrics (source, asset, metric_name, pulled_at, COALESCE(exchange, ''));`,

	`CREATE INDEX IF NOT EXISTS idx_metrics_source_time
        ON metrics (source, pulled_at);`,

	`CREATE TABLE IF NOT EXISTS pulls (
        pull_id       BIGSERIAL PRIMARY KEY,
        source_name   VARCHAR(100) NOT NULL,
        pulled_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        status        VARCHAR(50) NOT NULL,
        records_count INTEGER NOT NULL DEFAULT 0,
        notes         TEXT
    );`,
}

// Migrate creates the schema when absent. Statements are idempotent so the
// call is safe on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	for _, stmt := range migrateStatements {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return fmt.Errorf("apply migration: %w", execErr)
		}
	}
	return nil
}
