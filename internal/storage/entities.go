package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrEntityNotFound indicates no entity carries the requested canonical id.
	ErrEntityNotFound = errors.New("storage: entity not found")
	// ErrMappingConflict indicates a (feed, source id) pair already belongs
	// to a different entity.
	ErrMappingConflict = errors.New("storage: source mapping conflicts with another entity")
)

const (
	insertEntitySQL = `INSERT INTO entities (canonical_id, name, symbol, entity_type, sector, active)
    VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (canonical_id) DO NOTHING
    RETURNING entity_id;`

	getEntitySQL = `SELECT entity_id, canonical_id, name, symbol, entity_type, sector, active
    FROM entities WHERE canonical_id = $1;`

	listEntitiesSQL = `SELECT entity_id, canonical_id, name, symbol, entity_type, sector, active
    FROM entities ORDER BY canonical_id;`

	listMappingsSQL = `SELECT entity_id, source, source_id
    FROM entity_source_ids WHERE entity_id = $1 ORDER BY source;`

	listAllMappingsSQL = `SELECT entity_id, source, source_id
    FROM entity_source_ids ORDER BY entity_id, source;`

	mappingOwnerSQL = `SELECT entity_id FROM entity_source_ids
    WHERE source = $1 AND source_id = $2;`

	feedMappingSQL = `SELECT source_id FROM entity_source_ids
    WHERE entity_id = $1 AND source = $2;`

	insertMappingSQL = `INSERT INTO entity_source_ids (entity_id, source, source_id)
    VALUES ($1,$2,$3);`

	mergeDiscardSQL = `DELETE FROM entity_source_ids
    WHERE entity_id = $1
      AND source IN (SELECT source FROM entity_source_ids WHERE entity_id = $2);`

	mergeRepointSQL = `UPDATE entity_source_ids SET entity_id = $2 WHERE entity_id = $1;`

	mergeRepointMetricsSQL = `UPDATE metrics SET entity_id = $2 WHERE entity_id = $1;`

	deleteEntitySQL = `DELETE FROM entities WHERE entity_id = $1;`

	deleteOrphanMappingsSQL = `DELETE FROM entity_source_ids
    WHERE entity_id NOT IN (SELECT entity_id FROM entities);`
)

// EntityStore is the persistence contract behind the entity registry.
type EntityStore interface {
	CreateEntity(ctx context.Context, e Entity) (Entity, error)
	GetEntity(ctx context.Context, canonicalID string) (Entity, error)
	ListEntities(ctx context.Context) ([]Entity, error)
	ListMappings(ctx context.Context, entityID int64) ([]SourceMapping, error)
	ListAllMappings(ctx context.Context) ([]SourceMapping, error)
	RegisterMapping(ctx context.Context, m SourceMapping) error
	MergeEntities(ctx context.Context, duplicateID, survivorID string) error
	DeleteOrphanMappings(ctx context.Context) (int64, error)
}

// CreateEntity inserts an entity; an existing canonical id is returned
// unchanged rather than treated as an error.
func (s *Store) CreateEntity(ctx context.Context, e Entity) (Entity, error) {
	pool, err := s.getPool()
	if err != nil {
		return Entity{}, err
	}

	row := pool.QueryRow(ctx, insertEntitySQL, e.CanonicalID, e.Name, e.Symbol, e.Type, e.Sector, e.Active)
	if scanErr := row.Scan(&e.ID); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return s.GetEntity(ctx, e.CanonicalID)
		}
		return Entity{}, fmt.Errorf("create entity: %w", scanErr)
	}
	return e, nil
}

// GetEntity fetches one entity by canonical id.
func (s *Store) GetEntity(ctx context.Context, canonicalID string) (Entity, error) {
	pool, err := s.getPool()
	if err != nil {
		return Entity{}, err
	}

	e, scanErr := scanEntity(pool.QueryRow(ctx, getEntitySQL, canonicalID))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Entity{}, ErrEntityNotFound
		}
		return Entity{}, fmt.Errorf("get entity: %w", scanErr)
	}
	return e, nil
}

// ListEntities returns every registered entity.
func (s *Store) ListEntities(ctx context.Context) ([]Entity, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEntitiesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list entities: %w", queryErr)
	}
	defer rows.Close()

	entities := make([]Entity, 0)
	for rows.Next() {
		e, scanErr := scanEntity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entities = append(entities, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entities, nil
}

// ListMappings lists mappings owned by one entity.
func (s *Store) ListMappings(ctx context.Context, entityID int64) ([]SourceMapping, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listMappingsSQL, entityID)
	if queryErr != nil {
		return nil, fmt.Errorf("list mappings: %w", queryErr)
	}
	defer rows.Close()
	return scanMappings(rows)
}

// ListAllMappings lists the full mapping table, used to warm the registry.
func (s *Store) ListAllMappings(ctx context.Context) ([]SourceMapping, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAllMappingsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list all mappings: %w", queryErr)
	}
	defer rows.Close()
	return scanMappings(rows)
}

// RegisterMapping attaches a (feed, source id) pair to an entity.
// Registering an identical mapping again is a no-op; a pair or feed slot
// owned by a different association yields ErrMappingConflict.
func (s *Store) RegisterMapping(ctx context.Context, m SourceMapping) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, txErr := pool.Begin(ctx)
	if txErr != nil {
		return fmt.Errorf("begin register mapping: %w", txErr)
	}
	defer tx.Rollback(ctx)

	var owner int64
	scanErr := tx.QueryRow(ctx, mappingOwnerSQL, m.Feed, m.SourceID).Scan(&owner)
	switch {
	case scanErr == nil:
		if owner == m.EntityID {
			return nil // already registered
		}
		return fmt.Errorf("%w: %s/%s owned by entity %d", ErrMappingConflict, m.Feed, m.SourceID, owner)
	case errors.Is(scanErr, pgx.ErrNoRows):
	default:
		return fmt.Errorf("check mapping owner: %w", scanErr)
	}

	var existingLocal string
	scanErr = tx.QueryRow(ctx, feedMappingSQL, m.EntityID, m.Feed).Scan(&existingLocal)
	switch {
	case scanErr == nil:
		return fmt.Errorf("%w: entity %d already maps feed %s to %s", ErrMappingConflict, m.EntityID, m.Feed, existingLocal)
	case errors.Is(scanErr, pgx.ErrNoRows):
	default:
		return fmt.Errorf("check feed mapping: %w", scanErr)
	}

	if _, execErr := tx.Exec(ctx, insertMappingSQL, m.EntityID, m.Feed, m.SourceID); execErr != nil {
		// A concurrent register racing past the checks lands on the unique
		// indexes; surface it as the same conflict.
		return fmt.Errorf("%w: %v", ErrMappingConflict, execErr)
	}

	return tx.Commit(ctx)
}

// MergeEntities re-points every mapping owned by the duplicate entity onto
// the survivor, discarding duplicate mappings for feeds the survivor already
// covers, then deletes the duplicate. Running it again after completion is a
// no-op because the duplicate canonical id no longer resolves.
func (s *Store) MergeEntities(ctx context.Context, duplicateID, survivorID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, txErr := pool.Begin(ctx)
	if txErr != nil {
		return fmt.Errorf("begin merge: %w", txErr)
	}
	defer tx.Rollback(ctx)

	var dupID int64
	scanErr := tx.QueryRow(ctx, `SELECT entity_id FROM entities WHERE canonical_id = $1 FOR UPDATE`, duplicateID).Scan(&dupID)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil // already merged
	}
	if scanErr != nil {
		return fmt.Errorf("load duplicate entity: %w", scanErr)
	}

	var survID int64
	scanErr = tx.QueryRow(ctx, `SELECT entity_id FROM entities WHERE canonical_id = $1 FOR UPDATE`, survivorID).Scan(&survID)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return fmt.Errorf("merge survivor %s: %w", survivorID, ErrEntityNotFound)
	}
	if scanErr != nil {
		return fmt.Errorf("load survivor entity: %w", scanErr)
	}
	if dupID == survID {
		return nil
	}

	if _, execErr := tx.Exec(ctx, mergeDiscardSQL, dupID, survID); execErr != nil {
		return fmt.Errorf("discard colliding mappings: %w", execErr)
	}
	if _, execErr := tx.Exec(ctx, mergeRepointSQL, dupID, survID); execErr != nil {
		return fmt.Errorf("repoint mappings: %w", execErr)
	}
	// The denormalized back-reference on metric rows has no FK; left alone
	// it would dangle at the deleted entity forever.
	if _, execErr := tx.Exec(ctx, mergeRepointMetricsSQL, dupID, survID); execErr != nil {
		return fmt.Errorf("repoint metric rows: %w", execErr)
	}
	if _, execErr := tx.Exec(ctx, deleteEntitySQL, dupID); execErr != nil {
		return fmt.Errorf("delete duplicate entity: %w", execErr)
	}

	return tx.Commit(ctx)
}

// DeleteOrphanMappings removes mappings whose owning entity no longer
// exists. Correct merges leave nothing to remove; a non-zero count signals
// corruption worth investigating.
func (s *Store) DeleteOrphanMappings(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	tag, execErr := pool.Exec(ctx, deleteOrphanMappingsSQL)
	if execErr != nil {
		return 0, fmt.Errorf("delete orphan mappings: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanEntity(row pgx.Row) (Entity, error) {
	var (
		e      Entity
		symbol sql.NullString
		etype  sql.NullString
		sector sql.NullString
	)
	if err := row.Scan(&e.ID, &e.CanonicalID, &e.Name, &symbol, &etype, &sector, &e.Active); err != nil {
		return Entity{}, err
	}
	e.Symbol = symbol.String
	e.Type = etype.String
	e.Sector = sector.String
	return e, nil
}

func scanMappings(rows pgx.Rows) ([]SourceMapping, error) {
	mappings := make([]SourceMapping, 0)
	for rows.Next() {
		var m SourceMapping
		if err := rows.Scan(&m.EntityID, &m.Feed, &m.SourceID); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return mappings, nil
}
