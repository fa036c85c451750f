package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"metrics-pipeline/internal/api"
)

// Serve runs only the query API, without the ingestion scheduler. Useful
// for read replicas and local inspection.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := a.loadRegistry(ctx, store)
	if err != nil {
		return err
	}

	norm, err := a.newNormalizer(store, registry)
	if err != nil {
		return err
	}

	server := api.NewServer(a.Config.API, a.Logger, store, store, store, registry, norm)

	err = server.ListenAndServe(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
