package cachefirst

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	serializer "github.com/always-cache/cachefirst/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

var (
	ErrManifestEntry          = fmt.Errorf("Manifest entry could not be stored")
	ErrDuplicateManifestEntry = fmt.Errorf("Duplicate manifest entry")
	ErrNoOrigin               = fmt.Errorf("Relative manifest entry without origin")
)

// Install pre-populates the active store with the manifest.
// It is all or nothing: if any entry cannot be fetched with a 2xx status,
// nothing is stored and the error is returned.
func (e *Engine) Install(ctx context.Context) error {
	if err := e.install(ctx); err != nil {
		e.log.Error().Err(err).Msg("Install failed")
		return err
	}
	e.log.Info().Int("entries", len(e.manifest)).Msg("Installed manifest")
	return nil
}

func (e *Engine) install(ctx context.Context) error {
	targets := make([]*url.URL, len(e.manifest))
	keys := make([]string, len(e.manifest))
	seen := make(map[string]bool, len(e.manifest))
	for i, entry := range e.manifest {
		target, err := e.resolve(entry)
		if err != nil {
			return err
		}
		key := e.keyer.GetKey(http.MethodGet, target)
		if seen[key] {
			return fmt.Errorf("%w: %s", ErrDuplicateManifestEntry, entry)
		}
		seen[key] = true
		targets[i] = target
		keys[i] = key
	}

	snapshots := make([][]byte, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, target.String(), nil)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrManifestEntry, target.String(), err)
			}
			res, err := e.fetcher.Do(req)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrManifestEntry, target.String(), err)
			}
			if res == nil {
				return fmt.Errorf("%w: %s: %w", ErrManifestEntry, target.String(), ErrNoResponse)
			}
			if res.StatusCode < 200 || res.StatusCode > 299 {
				res.Body.Close()
				return fmt.Errorf("%w: %s returned %d", ErrManifestEntry, target.String(), res.StatusCode)
			}
			snapshot, err := serializer.Snapshot(res)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrManifestEntry, target.String(), err)
			}
			snapshots[i] = snapshot
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	store, err := e.storage.Open(ctx, e.generation)
	if err != nil {
		return fmt.Errorf("could not open store %s: %w", e.generation, err)
	}
	for i, key := range keys {
		if err := store.Put(ctx, key, snapshots[i]); err != nil {
			// roll back what this batch already wrote
			for _, written := range keys[:i] {
				if _, err := store.Delete(ctx, written); err != nil {
					e.log.Warn().Err(err).Str("key", written).Msg("Could not roll back manifest entry")
				}
			}
			return fmt.Errorf("%w: %s: %w", ErrManifestEntry, key, err)
		}
		e.log.Trace().Str("key", key).Msg("Stored manifest entry")
	}
	return nil
}

// resolve turns a manifest entry into an absolute URL on the origin.
func (e *Engine) resolve(entry string) (*url.URL, error) {
	u, err := url.Parse(entry)
	if err != nil {
		return nil, fmt.Errorf("could not parse manifest entry %s: %w", entry, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	origin := e.keyer.Origin
	if origin.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoOrigin, entry)
	}
	return origin.ResolveReference(u), nil
}

// Activate deletes all stores of other generations.
func (e *Engine) Activate(ctx context.Context) error {
	deleted, err := reconcile(ctx, e.storage, e.generation, e.log)
	e.metrics.storesDeleted.Add(float64(deleted))
	if err != nil {
		e.log.Error().Err(err).Msg("Activation failed")
		return err
	}
	e.log.Info().Int("deleted", deleted).Msg("Activated generation")
	return nil
}
