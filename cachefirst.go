package cachefirst

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/always-cache/cachefirst/cache"
	cachekey "github.com/always-cache/cachefirst/pkg/cache-key"
	tee "github.com/always-cache/cachefirst/pkg/response-writer-tee"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const (
	// DefaultGeneration names the active store when none is configured.
	DefaultGeneration = "cachefirst-v1"
	// DefaultMaxEntries bounds the active store when no bound is configured.
	DefaultMaxEntries = 100
)

// DefaultManifest is stored on install when no manifest is configured.
var DefaultManifest = []string{"/", "/index.html"}

// ErrNoResponse is returned when a fetcher returns neither a response nor an error.
var ErrNoResponse = fmt.Errorf("Fetcher returned no response")

// Fetcher performs network fetches. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// HandlerFetcher fetches by running an http.Handler in process.
// It is what makes the engine usable as a middleware in front of a handler.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Do(req *http.Request) (*http.Response, error) {
	rw := tee.NewResponseSaver(nil)
	f.Handler.ServeHTTP(rw, req)
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(rw.Response())), req)
}

type Config struct {
	// Storage for cache stores. An in-memory storage is used if nil.
	Storage cache.Storage
	// Name of the active cache generation.
	// Changing it invalidates everything stored under other names on the next activation.
	Generation string
	// Maximum number of entries in the active store.
	MaxEntries int
	// Paths (relative to the origin) or absolute URLs stored on install.
	Manifest []string
	// Path extensions that mark a request as an image, without the dot.
	ImageExtensions []string
	// URL of the serving origin.
	// Origins with paths are not supported.
	// If empty, the Host of each incoming request is the serving origin.
	OriginURL url.URL
	// Network to fetch from. A plain http.Client is used if nil.
	Fetcher Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Registerer for the engine's Prometheus metrics. Metrics are not exported if nil.
	Registerer prometheus.Registerer
	// Optional function called whenever a background cache write has finished.
	OnStored func(key string, err error)
}

type Engine struct {
	storage    cache.Storage
	keyer      cachekey.CacheKeyer
	classifier *Classifier
	generation string
	maxEntries int
	manifest   []string
	fetcher    Fetcher
	log        zerolog.Logger
	metrics    *metrics
	onStored   func(key string, err error)
	writes     sync.WaitGroup
}

// New initializes the cache engine, filling in defaults for everything not configured.
// The engine serves requests right away; call Install and Activate to run the lifecycle.
func New(config Config) *Engine {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	e := &Engine{
		storage:    config.Storage,
		keyer:      cachekey.NewCacheKeyer(config.OriginURL),
		classifier: NewClassifier(config.ImageExtensions),
		generation: config.Generation,
		maxEntries: config.MaxEntries,
		manifest:   config.Manifest,
		fetcher:    config.Fetcher,
		onStored:   config.OnStored,
	}
	if e.storage == nil {
		e.storage = cache.NewMemoryStorage()
	}
	if e.generation == "" {
		e.generation = DefaultGeneration
	}
	if e.maxEntries <= 0 {
		e.maxEntries = DefaultMaxEntries
	}
	if e.manifest == nil {
		e.manifest = DefaultManifest
	}
	if e.fetcher == nil {
		e.fetcher = &http.Client{}
	}

	// create a child logger and add defaults
	e.log = logger.With().
		Str("generation", e.generation).
		Logger()
	e.metrics = newMetrics(config.Registerer, e.log)

	return e
}

// Generation returns the name of the active store.
func (e *Engine) Generation() string {
	return e.generation
}

// ServeHTTP implements the http.Handler interface.
// Every intercepted request goes through the retrieval policy.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.serve(w, r, e.fetcher)
}

// Middleware returns a handler that caches the responses of next,
// using it in place of the network.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	fetcher := HandlerFetcher{Handler: next}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.serve(w, r, fetcher)
	})
}

// Wait blocks until all background cache writes started so far have finished.
func (e *Engine) Wait() {
	e.writes.Wait()
}

func (e *Engine) serve(w http.ResponseWriter, r *http.Request, fetcher Fetcher) {
	res, cs, err := e.handle(r.Context(), r, fetcher)
	if err != nil {
		e.requestLogger(r).Error().Err(err).Str("url", r.URL.String()).Msg("Could not get response")
		w.Header().Add("Cache-Status", cs.String())
		http.Error(w, "Could not get response", http.StatusBadGateway)
		e.logRequest(r, http.StatusBadGateway, cs)
		return
	}
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		e.requestLogger(r).Error().Err(err).Msg("Could not write response body to client")
	}
	e.logRequest(r, res.StatusCode, cs)
	e.requestLogger(r).Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// fetch sends a copy of the incoming request to the network.
func (e *Engine) fetch(ctx context.Context, fetcher Fetcher, r *http.Request, target *url.URL) (*http.Response, error) {
	req, err := newOutboundRequest(ctx, r, target)
	if err != nil {
		return nil, err
	}
	e.requestLogger(r).Trace().Msgf("fetching %s", target.String())
	res, err := fetcher.Do(req)
	if err != nil {
		e.metrics.fetchErrors.Inc()
		return nil, fmt.Errorf("could not fetch %s: %w", target.String(), err)
	}
	if res == nil {
		e.metrics.fetchErrors.Inc()
		return nil, fmt.Errorf("%w: %s", ErrNoResponse, target.String())
	}
	return res, nil
}

// newOutboundRequest copies the incoming request for the network.
// A request body is buffered and handed to both requests, so the incoming one
// can still be read afterwards.
func newOutboundRequest(ctx context.Context, r *http.Request, target *url.URL) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("could not read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(b))
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("could not create request for %s: %w", target.String(), err)
	}
	copyHeader(req.Header, r.Header)
	req.Host = target.Host
	return req, nil
}

// requestLogger returns the logger from the request context.
// If no logger is found, it will return the engine logger.
func (e *Engine) requestLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &e.log
	}
	return logger
}

func (e *Engine) logRequest(r *http.Request, statusCode int, cs CacheStatus) {
	isHit := 0
	if cs.Status == CacheStatusHit {
		isHit = 1
	}
	e.requestLogger(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", statusCode).
		Str("cache", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
