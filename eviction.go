package cachefirst

import (
	"context"
	"fmt"

	"github.com/always-cache/cachefirst/cache"
)

// ErrInvalidBound is returned for a negative eviction bound.
var ErrInvalidBound = fmt.Errorf("Eviction bound must not be negative")

// EnforceLimit removes the oldest entry of the store until it holds at most maxEntries.
// Keys are enumerated afresh before every removal, so entries put concurrently are
// accounted for on the next pass instead of being overshot.
// It returns the number of entries removed by this call.
func EnforceLimit(ctx context.Context, store cache.Store, maxEntries int) (int, error) {
	if maxEntries < 0 {
		return 0, ErrInvalidBound
	}
	removed := 0
	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return removed, fmt.Errorf("could not list keys of %s: %w", store.Name(), err)
		}
		if len(keys) <= maxEntries {
			return removed, nil
		}
		// a concurrent evictor may have removed it already, the next pass sorts that out
		deleted, err := store.Delete(ctx, keys[0])
		if err != nil {
			return removed, fmt.Errorf("could not delete %s from %s: %w", keys[0], store.Name(), err)
		}
		if deleted {
			removed++
		}
	}
}
