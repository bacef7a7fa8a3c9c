package cachefirst

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	serializer "github.com/always-cache/cachefirst/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// Handle runs the retrieval policy for a request and returns the response to send.
//
// Foreign images go straight to the network. Otherwise a stored response is returned
// if there is one, without any freshness check. On a miss the network response is
// returned as soon as its headers arrive. If it is a basic 200, its body is copied
// while the caller reads it; once read to the end, the copy is stored and the store
// is shrunk to its bound in the background. A body closed early is not stored.
// A failed fetch is returned as an error.
func (e *Engine) Handle(ctx context.Context, r *http.Request) (*http.Response, error) {
	res, _, err := e.handle(ctx, r, e.fetcher)
	return res, err
}

func (e *Engine) handle(ctx context.Context, r *http.Request, fetcher Fetcher) (*http.Response, CacheStatus, error) {
	logger := e.requestLogger(r)
	cs := CacheStatus{}
	target := e.keyer.Target(r)
	serving := e.keyer.Serving(r)

	if e.classifier.ShouldBypass(target, r.Header.Get("Sec-Fetch-Dest"), serving.Hostname()) {
		logger.Trace().Str("url", target.String()).Msg("Bypassing cache for foreign image")
		cs.Forward(CacheStatusFwdBypass)
		e.metrics.requests.WithLabelValues(resultBypass).Inc()
		res, err := e.fetch(ctx, fetcher, r, target)
		return res, cs, err
	}

	// only GET requests can be stored, everything else is passed along
	if r.Method != http.MethodGet {
		cs.Forward(CacheStatusFwdMethod)
		e.metrics.requests.WithLabelValues(resultMethod).Inc()
		res, err := e.fetch(ctx, fetcher, r, target)
		return res, cs, err
	}

	key := e.keyer.GetKey(r.Method, target)
	if res, ok := e.lookup(ctx, key, r, logger); ok {
		logger.Trace().Str("key", key).Msg("Cache hit and serving")
		cs.Hit()
		e.metrics.requests.WithLabelValues(resultHit).Inc()
		return res, cs, nil
	}

	cs.Forward(CacheStatusFwdUriMiss)
	e.metrics.requests.WithLabelValues(resultMiss).Inc()
	res, err := e.fetch(ctx, fetcher, r, target)
	if err != nil {
		return nil, cs, err
	}
	if !isCacheable(serving, res) {
		logger.Trace().
			Str("key", key).
			Int("http-status", res.StatusCode).
			Str("type", string(GetResponseType(serving, res))).
			Msg("Non-cacheable response")
		cs.Detail("uncacheable")
		return res, cs, nil
	}
	// the caller gets the body as it streams in, a copy is saved once it is complete
	res.Body = e.storeOnRead(ctx, key, res)
	cs.Stored = true
	return res, cs, nil
}

var errIncompleteBody = errors.New("response body closed before the end")

// storingBody passes the network body through to the caller and keeps a copy.
// Reading it to the end hands the copy to complete. If reading fails or the
// body is closed early, abort is called instead and nothing is kept.
type storingBody struct {
	body     io.ReadCloser
	buf      bytes.Buffer
	mutex    sync.Mutex
	done     bool
	complete func(body []byte)
	abort    func(err error)
}

func (b *storingBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.done {
		return n, err
	}
	b.buf.Write(p[:n])
	if err == io.EOF {
		b.done = true
		b.complete(b.buf.Bytes())
	} else if err != nil {
		b.done = true
		b.abort(err)
	}
	return n, err
}

func (b *storingBody) Close() error {
	b.mutex.Lock()
	if !b.done {
		b.done = true
		b.abort(errIncompleteBody)
	}
	b.mutex.Unlock()
	return b.body.Close()
}

// storeOnRead wraps the body of a cacheable response so that it is stored,
// in the background, once the caller has read all of it.
func (e *Engine) storeOnRead(ctx context.Context, key string, res *http.Response) io.ReadCloser {
	head := *res
	head.Header = res.Header.Clone()
	head.Body = nil
	body := res.Body
	if body == nil {
		body = http.NoBody
	}
	return &storingBody{
		body: body,
		complete: func(body []byte) {
			snapshot, err := serializer.Encode(&head, body)
			if err != nil {
				e.stored(key, fmt.Errorf("could not copy response for %s: %w", key, err))
				return
			}
			e.storeInBackground(ctx, key, snapshot)
		},
		abort: func(err error) {
			e.metrics.storeWrites.WithLabelValues("incomplete").Inc()
			e.log.Trace().Err(err).Str("key", key).Msg("Response body not read to the end, not storing")
		},
	}
}

// isCacheable checks if a fetched response may be stored:
// only verifiably successful responses from the serving origin are.
func isCacheable(serving *url.URL, res *http.Response) bool {
	return res.StatusCode == http.StatusOK && GetResponseType(serving, res) == ResponseTypeBasic
}

// lookup returns the stored response for the key, if there is a usable one.
// Errors are logged and reported as a miss.
func (e *Engine) lookup(ctx context.Context, key string, r *http.Request, logger *zerolog.Logger) (*http.Response, bool) {
	store, err := e.storage.Open(ctx, e.generation)
	if err != nil {
		logger.Error().Err(err).Str("store", e.generation).Msg("Could not open store")
		return nil, false
	}
	b, ok, err := store.Get(ctx, key)
	if err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := serializer.Restore(b, r)
	if err != nil {
		// in case we have a corrupted cache entry, we delete it and serve the request
		logger.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		if _, err := store.Delete(ctx, key); err != nil {
			logger.Error().Err(err).Str("key", key).Msg("Could not delete corrupted entry")
		}
		return nil, false
	}
	return res, true
}

// storeInBackground writes the snapshot and enforces the bound without the caller waiting.
// The write outlives the request, so it does not inherit its cancellation.
func (e *Engine) storeInBackground(ctx context.Context, key string, snapshot []byte) {
	ctx = context.WithoutCancel(ctx)
	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		e.stored(key, e.store(ctx, key, snapshot))
	}()
}

func (e *Engine) store(ctx context.Context, key string, snapshot []byte) error {
	store, err := e.storage.Open(ctx, e.generation)
	if err != nil {
		return fmt.Errorf("could not open store %s: %w", e.generation, err)
	}
	if err := store.Put(ctx, key, snapshot); err != nil {
		return fmt.Errorf("could not put %s: %w", key, err)
	}
	removed, err := EnforceLimit(ctx, store, e.maxEntries)
	e.metrics.evictions.Add(float64(removed))
	if removed > 0 {
		e.log.Trace().Int("removed", removed).Int("max", e.maxEntries).Msg("Evicted oldest entries")
	}
	if err != nil {
		return fmt.Errorf("could not enforce store limit: %w", err)
	}
	return nil
}

// stored is the completion callback of a background write.
func (e *Engine) stored(key string, err error) {
	if err != nil {
		e.metrics.storeWrites.WithLabelValues("error").Inc()
		e.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
	} else {
		e.metrics.storeWrites.WithLabelValues("ok").Inc()
		e.log.Trace().Str("key", key).Msg("Cache write")
	}
	if e.onStored != nil {
		e.onStored(key, err)
	}
}
