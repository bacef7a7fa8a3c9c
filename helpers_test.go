package cachefirst

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/always-cache/cachefirst/cache"
	"github.com/rs/zerolog"
)

var errBroken = errors.New("broken on purpose")

func testLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

// countingFetcher counts the requests that reach the network.
type countingFetcher struct {
	mutex sync.Mutex
	calls int
	next  Fetcher
}

func (f *countingFetcher) Do(req *http.Request) (*http.Response, error) {
	f.mutex.Lock()
	f.calls++
	f.mutex.Unlock()
	return f.next.Do(req)
}

func (f *countingFetcher) Calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls
}

type fetcherFunc func(req *http.Request) (*http.Response, error)

func (f fetcherFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// newTestEngine creates an engine serving http://app.localhost with the handler as network.
func newTestEngine(t *testing.T, handler http.Handler, config Config) (*Engine, *countingFetcher) {
	t.Helper()
	fetcher := &countingFetcher{next: HandlerFetcher{Handler: handler}}
	if config.Fetcher != nil {
		fetcher.next = config.Fetcher
	}
	config.Fetcher = fetcher
	if config.OriginURL.Host == "" {
		config.OriginURL = url.URL{Scheme: "http", Host: "app.localhost"}
	}
	if config.Logger == nil {
		config.Logger = testLogger()
	}
	e := New(config)
	t.Cleanup(e.Wait)
	return e, fetcher
}

func serve(e *Engine, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

// storedKeys waits for background writes and lists the active store.
func storedKeys(t *testing.T, e *Engine) []string {
	t.Helper()
	e.Wait()
	store, err := e.storage.Open(context.Background(), e.generation)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

// faultyStorage wraps a storage and fails selected operations.
type faultyStorage struct {
	cache.Storage
	failNames  bool
	failDelete map[string]bool
	putGate    chan struct{}
	failPutAt  int
	mutex      sync.Mutex
	puts       int
	failKeys   bool
}

func (s *faultyStorage) Names(ctx context.Context) ([]string, error) {
	if s.failNames {
		return nil, errBroken
	}
	return s.Storage.Names(ctx)
}

func (s *faultyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.failDelete[name] {
		return false, errBroken
	}
	return s.Storage.Delete(ctx, name)
}

func (s *faultyStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	store, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyStore{Store: store, storage: s}, nil
}

type faultyStore struct {
	cache.Store
	storage *faultyStorage
}

func (s *faultyStore) Put(ctx context.Context, key string, value []byte) error {
	if s.storage.putGate != nil {
		<-s.storage.putGate
	}
	s.storage.mutex.Lock()
	s.storage.puts++
	puts := s.storage.puts
	s.storage.mutex.Unlock()
	if s.storage.failPutAt > 0 && puts >= s.storage.failPutAt {
		return errBroken
	}
	return s.Store.Put(ctx, key, value)
}

func (s *faultyStore) Keys(ctx context.Context) ([]string, error) {
	if s.storage.failKeys {
		return nil, errBroken
	}
	return s.Store.Keys(ctx)
}
