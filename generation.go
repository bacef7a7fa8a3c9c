package cachefirst

import (
	"context"
	"fmt"

	"github.com/always-cache/cachefirst/cache"
	"github.com/rs/zerolog"
)

// Reconcile deletes every store whose name is not the active generation.
// Deletion failures are logged and skipped: a leftover store only wastes space.
// An error is returned only if the stores cannot be enumerated at all.
func Reconcile(ctx context.Context, storage cache.Storage, active string, logger zerolog.Logger) error {
	_, err := reconcile(ctx, storage, active, logger)
	return err
}

func reconcile(ctx context.Context, storage cache.Storage, active string, logger zerolog.Logger) (int, error) {
	names, err := storage.Names(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not list stores: %w", err)
	}
	deleted := 0
	for _, name := range names {
		if name == active {
			continue
		}
		ok, err := storage.Delete(ctx, name)
		if err != nil {
			logger.Warn().Err(err).Str("store", name).Msg("Could not delete obsolete store")
			continue
		}
		if ok {
			deleted++
			logger.Info().Str("store", name).Msg("Deleted obsolete store")
		}
	}
	return deleted, nil
}
