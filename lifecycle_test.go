package cachefirst

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/always-cache/cachefirst/cache"
)

func TestInstallStoresManifest(t *testing.T) {
	var generated atomic.Int32
	e, fetcher := newTestEngine(t, originHandler(&generated), Config{
		Manifest: []string{"/", "/index.html", "/fonts/inter.woff2"},
	})

	if err := e.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if keys := storedKeys(t, e); len(keys) != 3 {
		t.Fatalf("Expected 3 manifest entries, got %v", keys)
	}

	calls := fetcher.Calls()
	_, body := handle(t, e, httptest.NewRequest("GET", "/index.html", nil))
	if body != "content of /index.html" {
		t.Fatalf("Unexpected body %q", body)
	}
	if fetcher.Calls() != calls {
		t.Fatal("Installed entry fetched again")
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	var generated atomic.Int32
	e, _ := newTestEngine(t, originHandler(&generated), Config{
		Manifest: []string{"/", "/missing", "/index.html"},
	})

	err := e.Install(context.Background())
	if !errors.Is(err, ErrManifestEntry) {
		t.Fatalf("Expected ErrManifestEntry, got %v", err)
	}
	if keys := storedKeys(t, e); len(keys) != 0 {
		t.Fatalf("Partial install stored: %v", keys)
	}
}

func TestInstallFetchFailure(t *testing.T) {
	fetcher := fetcherFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errBroken
	})
	e, _ := newTestEngine(t, nil, Config{Fetcher: fetcher})

	if err := e.Install(context.Background()); !errors.Is(err, ErrManifestEntry) || !errors.Is(err, errBroken) {
		t.Fatalf("Expected wrapped fetch error, got %v", err)
	}
}

func TestInstallRollsBackOnWriteFailure(t *testing.T) {
	var generated atomic.Int32
	storage := &faultyStorage{Storage: cache.NewMemoryStorage(), failPutAt: 2}
	e, _ := newTestEngine(t, originHandler(&generated), Config{
		Storage:  storage,
		Manifest: []string{"/a", "/b", "/c"},
	})

	if err := e.Install(context.Background()); !errors.Is(err, errBroken) {
		t.Fatalf("Expected write error, got %v", err)
	}
	if keys := storedKeys(t, e); len(keys) != 0 {
		t.Fatalf("Install not rolled back: %v", keys)
	}
}

func TestInstallDuplicateEntries(t *testing.T) {
	var generated atomic.Int32
	e, fetcher := newTestEngine(t, originHandler(&generated), Config{
		Manifest: []string{"/index.html", "http://app.localhost/index.html"},
	})

	if err := e.Install(context.Background()); !errors.Is(err, ErrDuplicateManifestEntry) {
		t.Fatalf("Expected ErrDuplicateManifestEntry, got %v", err)
	}
	if fetcher.Calls() != 0 {
		t.Fatal("Duplicate manifest fetched")
	}
}

func TestInstallWithoutOrigin(t *testing.T) {
	e := New(Config{
		Fetcher:  fetcherFunc(func(req *http.Request) (*http.Response, error) { return nil, errBroken }),
		Logger:   testLogger(),
		Manifest: []string{"/"},
	})

	if err := e.Install(context.Background()); !errors.Is(err, ErrNoOrigin) {
		t.Fatalf("Expected ErrNoOrigin, got %v", err)
	}
}

func TestInstallAbsoluteEntries(t *testing.T) {
	var generated atomic.Int32
	e, _ := newTestEngine(t, originHandler(&generated), Config{
		Manifest: []string{"https://fonts.example.com/inter.css"},
	})

	if err := e.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	keys := storedKeys(t, e)
	if fmt.Sprint(keys) != "[GET:https://fonts.example.com/inter.css]" {
		t.Fatalf("Unexpected keys %v", keys)
	}
}

func TestInstallEmptyManifest(t *testing.T) {
	e, fetcher := newTestEngine(t, nil, Config{Manifest: []string{}})

	if err := e.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fetcher.Calls() != 0 {
		t.Fatal("Empty manifest fetched")
	}
}

func TestActivateIsolatesGenerations(t *testing.T) {
	var generated atomic.Int32
	storage := cache.NewMemoryStorage()
	origin := url.URL{Scheme: "http", Host: "app.localhost"}

	v1, _ := newTestEngine(t, originHandler(&generated), Config{Storage: storage, Generation: "v1", OriginURL: origin})
	handle(t, v1, httptest.NewRequest("GET", "/page", nil))
	v1.Wait()

	v2, fetcher := newTestEngine(t, originHandler(&generated), Config{Storage: storage, Generation: "v2", OriginURL: origin})
	if err := v2.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := v2.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	names, _ := storage.Names(context.Background())
	if fmt.Sprint(names) != "[v2]" {
		t.Fatalf("Expected only v2 after activation, got %v", names)
	}
	calls := fetcher.Calls()
	handle(t, v2, httptest.NewRequest("GET", "/page", nil))
	if fetcher.Calls() != calls+1 {
		t.Fatal("Response of old generation served")
	}
}

func TestActivateNamesError(t *testing.T) {
	storage := &faultyStorage{Storage: cache.NewMemoryStorage(), failNames: true}
	e, _ := newTestEngine(t, nil, Config{Storage: storage})

	if err := e.Activate(context.Background()); !errors.Is(err, errBroken) {
		t.Fatalf("Expected enumeration error, got %v", err)
	}
}
