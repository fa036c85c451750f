// Package entity implements the cross-feed identity registry. Every feed
// names assets in its own scheme; the registry maps those feed-local ids
// onto one canonical entity so read-side consumers can join across feeds.
package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"metrics-pipeline/internal/storage"
)

var (
	// ErrNotFound indicates the canonical id is not registered.
	ErrNotFound = errors.New("entity: not found")
	// ErrConflict indicates a mapping collides with one owned by a
	// different entity. Conflicts are surfaced, never silently resolved.
	ErrConflict = errors.New("entity: mapping conflict")
)

type pairKey struct {
	feed     string
	sourceID string
}

type record struct {
	entity   storage.Entity
	mappings map[string]string // feed -> feed-local id
}

// Registry is the in-process entity resolver. It keeps the full mapping set
// in memory for lock-cheap lookups on the hot ingestion path and writes
// through to the backing store when one is attached.
type Registry struct {
	mu    sync.RWMutex
	store storage.EntityStore

	byCanonical map[string]*record
	byPair      map[pairKey]string // (feed, source id) -> canonical id
}

// NewRegistry builds a registry. The store may be nil for a purely
// in-memory registry (tests, dry runs).
func NewRegistry(store storage.EntityStore) *Registry {
	return &Registry{
		store:       store,
		byCanonical: make(map[string]*record),
		byPair:      make(map[pairKey]string),
	}
}

// Load warms the registry from the backing store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	entities, err := r.store.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	mappings, err := r.store.ListAllMappings(ctx)
	if err != nil {
		return fmt.Errorf("load mappings: %w", err)
	}

	byID := make(map[int64]string, len(entities))

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byCanonical = make(map[string]*record, len(entities))
	r.byPair = make(map[pairKey]string, len(mappings))

	for _, e := range entities {
		r.byCanonical[e.CanonicalID] = &record{entity: e, mappings: make(map[string]string)}
		byID[e.ID] = e.CanonicalID
	}
	for _, m := range mappings {
		canonical, ok := byID[m.EntityID]
		if !ok {
			// Orphaned mapping; reconciliation removes it, the cache
			// simply ignores it.
			continue
		}
		r.byCanonical[canonical].mappings[m.Feed] = m.SourceID
		r.byPair[pairKey{m.Feed, m.SourceID}] = canonical
	}
	return nil
}

// Create registers a new entity. Creating an already-known canonical id
// returns the existing entity unchanged.
func (r *Registry) Create(ctx context.Context, e storage.Entity) (storage.Entity, error) {
	if r.store != nil {
		stored, err := r.store.CreateEntity(ctx, e)
		if err != nil {
			return storage.Entity{}, err
		}
		e = stored
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byCanonical[e.CanonicalID]; ok {
		return existing.entity, nil
	}
	r.byCanonical[e.CanonicalID] = &record{entity: e, mappings: make(map[string]string)}
	return e, nil
}

// Resolve returns the feed -> feed-local id map for a canonical id.
func (r *Registry) Resolve(canonicalID string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byCanonical[canonicalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, canonicalID)
	}

	out := make(map[string]string, len(rec.mappings))
	for feed, id := range rec.mappings {
		out[feed] = id
	}
	return out, nil
}

// Get returns the entity attributes for a canonical id.
func (r *Registry) Get(canonicalID string) (storage.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byCanonical[canonicalID]
	if !ok {
		return storage.Entity{}, fmt.Errorf("%w: %s", ErrNotFound, canonicalID)
	}
	return rec.entity, nil
}

// Lookup resolves a feed-local id back to its entity, when mapped.
func (r *Registry) Lookup(feed, sourceID string) (storage.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	canonical, ok := r.byPair[pairKey{feed, sourceID}]
	if !ok {
		return storage.Entity{}, false
	}
	return r.byCanonical[canonical].entity, true
}

// Register maps (feed, source id) onto the entity with the given canonical
// id. Registering the identical mapping twice is a no-op; any collision
// with a different entity is ErrConflict.
func (r *Registry) Register(ctx context.Context, canonicalID, feed, sourceID string) error {
	r.mu.Lock()
	rec, ok := r.byCanonical[canonicalID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, canonicalID)
	}

	if owner, exists := r.byPair[pairKey{feed, sourceID}]; exists {
		r.mu.Unlock()
		if owner == canonicalID {
			return nil
		}
		return fmt.Errorf("%w: %s/%s already owned by %s", ErrConflict, feed, sourceID, owner)
	}
	if existing, exists := rec.mappings[feed]; exists {
		r.mu.Unlock()
		if existing == sourceID {
			return nil
		}
		return fmt.Errorf("%w: %s already maps feed %s to %s", ErrConflict, canonicalID, feed, existing)
	}
	entityID := rec.entity.ID
	r.mu.Unlock()

	if r.store != nil {
		err := r.store.RegisterMapping(ctx, storage.SourceMapping{EntityID: entityID, Feed: feed, SourceID: sourceID})
		if err != nil {
			if errors.Is(err, storage.ErrMappingConflict) {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
			return err
		}
	}

	r.mu.Lock()
	rec.mappings[feed] = sourceID
	r.byPair[pairKey{feed, sourceID}] = canonicalID
	r.mu.Unlock()
	return nil
}

// Merge folds the duplicate entity into the survivor: mappings are
// re-pointed, except feeds the survivor already covers, whose duplicate
// mappings are discarded; the duplicate is then deleted. A second merge
// with the same arguments finds no duplicate and is a no-op.
func (r *Registry) Merge(ctx context.Context, duplicateID, survivorID string) error {
	r.mu.RLock()
	_, dupExists := r.byCanonical[duplicateID]
	_, survExists := r.byCanonical[survivorID]
	r.mu.RUnlock()

	if !dupExists {
		return nil
	}
	if !survExists {
		return fmt.Errorf("%w: survivor %s", ErrNotFound, survivorID)
	}
	if duplicateID == survivorID {
		return nil
	}

	if r.store != nil {
		if err := r.store.MergeEntities(ctx, duplicateID, survivorID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dup, ok := r.byCanonical[duplicateID]
	if !ok {
		return nil
	}
	surv := r.byCanonical[survivorID]

	for feed, sourceID := range dup.mappings {
		if _, taken := surv.mappings[feed]; taken {
			// Survivor's mapping wins; drop the duplicate's.
			delete(r.byPair, pairKey{feed, sourceID})
			continue
		}
		surv.mappings[feed] = sourceID
		r.byPair[pairKey{feed, sourceID}] = survivorID
	}
	delete(r.byCanonical, duplicateID)
	return nil
}

// Reconcile removes orphaned mappings from the backing store. The return
// value should be zero in a healthy system.
func (r *Registry) Reconcile(ctx context.Context) (int64, error) {
	if r.store == nil {
		return 0, nil
	}
	removed, err := r.store.DeleteOrphanMappings(ctx)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		// The cache may hold stale pairs after external corruption; reload.
		if loadErr := r.Load(ctx); loadErr != nil {
			return removed, loadErr
		}
	}
	return removed, nil
}

// Entities lists registered entities ordered by canonical id.
func (r *Registry) Entities() []storage.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]storage.Entity, 0, len(r.byCanonical))
	for _, rec := range r.byCanonical {
		out = append(out, rec.entity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID < out[j].CanonicalID })
	return out
}
