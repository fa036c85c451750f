package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"metrics-pipeline/internal/entity"
	"metrics-pipeline/internal/storage"
)

// EntityCreateOptions names a new logical asset.
type EntityCreateOptions struct {
	CanonicalID string
	Name        string
	Symbol      string
	Type        string
	Sector      string
}

// EntityCreate registers a new entity in the resolver.
func (a *App) EntityCreate(ctx context.Context, opts EntityCreateOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := a.loadRegistry(ctx, store)
	if err != nil {
		return err
	}

	created, err := registry.Create(ctx, storage.Entity{
		CanonicalID: opts.CanonicalID,
		Name:        opts.Name,
		Symbol:      opts.Symbol,
		Type:        opts.Type,
		Sector:      opts.Sector,
		Active:      true,
	})
	if err != nil {
		return err
	}

	a.Logger.Info().Str("canonical_id", created.CanonicalID).Int64("entity_id", created.ID).Msg("entity created")
	return nil
}

// EntityRegister maps a feed-local identifier onto an entity, then stamps
// the entity reference onto any rows written before the mapping existed.
func (a *App) EntityRegister(ctx context.Context, canonicalID, feed, sourceID string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := a.loadRegistry(ctx, store)
	if err != nil {
		return err
	}

	if err := registry.Register(ctx, canonicalID, feed, sourceID); err != nil {
		return err
	}

	updated, err := store.AttachEntityRefs(ctx, feed)
	if err != nil {
		return fmt.Errorf("attach entity refs: %w", err)
	}

	a.Logger.Info().
		Str("canonical_id", canonicalID).
		Str("feed", feed).
		Str("source_id", sourceID).
		Int64("rows_linked", updated).
		Msg("mapping registered")
	return nil
}

// EntityMerge folds a duplicate entity into a survivor.
func (a *App) EntityMerge(ctx context.Context, duplicateID, survivorID string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := a.loadRegistry(ctx, store)
	if err != nil {
		return err
	}

	if err := registry.Merge(ctx, duplicateID, survivorID); err != nil {
		return err
	}

	a.Logger.Info().Str("duplicate", duplicateID).Str("survivor", survivorID).Msg("entities merged")
	return nil
}

// EntityResolve prints the feed mappings for one entity, or the whole
// entity table when no canonical id is given.
func (a *App) EntityResolve(ctx context.Context, canonicalID string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := a.loadRegistry(ctx, store)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	if canonicalID != "" {
		e, err := registry.Get(canonicalID)
		if err != nil {
			return err
		}
		mappings, err := registry.Resolve(canonicalID)
		if err != nil {
			return err
		}

		fmt.Fprintf(writer, "Entity\t%s (%s)\n", e.CanonicalID, e.Name)
		feeds := make([]string, 0, len(mappings))
		for feed := range mappings {
			feeds = append(feeds, feed)
		}
		sort.Strings(feeds)
		for _, feed := range feeds {
			fmt.Fprintf(writer, "%s\t%s\n", feed, mappings[feed])
		}
		return nil
	}

	fmt.Fprintln(writer, "Canonical ID\tName\tSymbol\tType\tActive")
	for _, e := range registry.Entities() {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\n", e.CanonicalID, e.Name, e.Symbol, e.Type, e.Active)
	}
	return nil
}

// EntityReconcile drops source mappings whose entity no longer exists.
func (a *App) EntityReconcile(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := entity.NewRegistry(store)
	if err := registry.Load(ctx); err != nil {
		return err
	}

	removed, err := registry.Reconcile(ctx)
	if err != nil {
		return err
	}

	a.Logger.Info().Int64("removed", removed).Msg("orphan mappings reconciled")
	return nil
}
