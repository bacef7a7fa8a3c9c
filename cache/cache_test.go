package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newSQLiteStorage(t *testing.T) SQLiteStorage {
	t.Helper()
	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func redisAvailable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func newRedisStorage(t *testing.T) *RedisStorage {
	t.Helper()
	client := redisAvailable(t)
	prefix := fmt.Sprintf("cachefirst:test:%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		var cursor uint64
		for {
			keys, next, err := client.Scan(ctx, cursor, prefix+"*", 100).Result()
			if err != nil {
				return
			}
			if len(keys) > 0 {
				client.Del(ctx, keys...)
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
		client.Close()
	})
	return NewRedisStorage(client, prefix)
}

// forEachStorage runs the given test against every storage implementation.
func forEachStorage(t *testing.T, test func(t *testing.T, storage Storage)) {
	t.Run("memory", func(t *testing.T) {
		test(t, NewMemoryStorage())
	})
	t.Run("sqlite", func(t *testing.T) {
		test(t, newSQLiteStorage(t))
	})
	t.Run("redis", func(t *testing.T) {
		test(t, newRedisStorage(t))
	})
}

func mustOpen(t *testing.T, storage Storage, name string) Store {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("Could not open store %s: %v", name, err)
	}
	return store
}

func mustKeys(t *testing.T, store Store) []string {
	t.Helper()
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("Could not list keys: %v", err)
	}
	return keys
}

func TestPutGet(t *testing.T) {
	forEachStorage(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "v1")
		if err := store.Put(ctx, "GET:http://example.com/", []byte("hello")); err != nil {
			t.Fatal(err)
		}
		value, ok, err := store.Get(ctx, "GET:http://example.com/")
		if err != nil || !ok {
			t.Fatalf("Get returned ok=%v err=%v", ok, err)
		}
		if string(value) != "hello" {
			t.Fatalf("Value is %s", value)
		}
		if _, ok, err := store.Get(ctx, "GET:http://example.com/missing"); ok || err != nil {
			t.Fatalf("Missing key returned ok=%v err=%v", ok, err)
		}
	})
}

func TestKeysInInsertionOrder(t *testing.T) {
	forEachStorage(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "v1")
		for _, key := range []string{"c", "a", "b"} {
			if err := store.Put(ctx, key, []byte(key)); err != nil {
				t.Fatal(err)
			}
		}
		if keys := mustKeys(t, store); !reflect.DeepEqual(keys, []string{"c", "a", "b"}) {
			t.Fatalf("Keys are %v", keys)
		}
	})
}

func TestPutExistingKeyMovesToEnd(t *testing.T) {
	forEachStorage(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "v1")
		store.Put(ctx, "a", []byte("1"))
		store.Put(ctx, "b", []byte("2"))
		store.Put(ctx, "a", []byte("3"))
		if keys := mustKeys(t, store); !reflect.DeepEqual(keys, []string{"b", "a"}) {
			t.Fatalf("Keys are %v", keys)
		}
		if value, _, _ := store.Get(ctx, "a"); string(value) != "3" {
			t.Fatalf("Value is %s", value)
		}
	})
}

func TestGetDoesNotReorder(t *testing.T) {
	forEachStorage(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "v1")
		store.Put(ctx, "a", []byte("1"))
		store.Put(ctx, "b", []byte("2"))
		store.Get(ctx, "a")
		if keys := mustKeys(t, store); !reflect.DeepEqual(keys, []string{"a", "b"}) {
			t.Fatalf("Keys are %v", keys)
		}
	})
}

func TestDeleteKey(t *testing.T) {
	forEachStorage(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "v1")
		store.Put(ctx, "a", []byte("1"))
		if deleted, err := store.Delete(ctx, "a"); !deleted || err != nil {
			t.Fatalf("Delete returned %v, %v", deleted, err)
		}
		if deleted, err := store.Delete(ctx, "a"); deleted || err != nil {
			t.Fatalf("Second delete returned %v, %v", deleted, err)
		}
		if keys := mustKeys(t, store); len(keys) != 0 {
			t.Fatalf("Keys are %v", keys)
		}
	})
}

func TestStoresAreIsolated(t *testing.T) {
	forEachStorage(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		v1 := mustOpen(t, storage, "v1")
		v2 := mustOpen(t, storage, "v2")
		v1.Put(ctx, "a", []byte("from v1"))
		if _, ok, _ := v2.Get(ctx, "a"); ok {
			t.Fatal("Entry leaked into other store")
		}
		if keys := mustKeys(t, v2); len(keys) != 0 {
			t.Fatalf("Keys of v2 are %v", keys)
		}
	})
}

func TestNamesAndDeleteStore(t *testing.T) {
	forEachStorage(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		mustOpen(t, storage, "v1").Put(ctx, "a", []byte("1"))
		mustOpen(t, storage, "v2")
		mustOpen(t, storage, "v1")

		names, err := storage.Names(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(names, []string{"v1", "v2"}) {
			t.Fatalf("Names are %v", names)
		}

		if deleted, err := storage.Delete(ctx, "v1"); !deleted || err != nil {
			t.Fatalf("Delete returned %v, %v", deleted, err)
		}
		if deleted, err := storage.Delete(ctx, "v1"); deleted || err != nil {
			t.Fatalf("Second delete returned %v, %v", deleted, err)
		}
		if names, _ := storage.Names(ctx); !reflect.DeepEqual(names, []string{"v2"}) {
			t.Fatalf("Names after delete are %v", names)
		}
		// reopening gives an empty store
		if keys := mustKeys(t, mustOpen(t, storage, "v1")); len(keys) != 0 {
			t.Fatalf("Recreated store has keys %v", keys)
		}
	})
}

func TestValuesAreNotAliased(t *testing.T) {
	forEachStorage(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "v1")
		value := []byte("original")
		store.Put(ctx, "a", value)
		value[0] = 'X'
		got, _, _ := store.Get(ctx, "a")
		if string(got) != "original" {
			t.Fatalf("Stored value changed to %s", got)
		}
		got[0] = 'Y'
		again, _, _ := store.Get(ctx, "a")
		if string(again) != "original" {
			t.Fatalf("Stored value changed to %s", again)
		}
	})
}

func TestConcurrentPuts(t *testing.T) {
	forEachStorage(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "v1")
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := store.Put(ctx, fmt.Sprintf("key-%d", i), []byte("v")); err != nil {
					t.Errorf("Put failed: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if keys := mustKeys(t, store); len(keys) != 20 {
			t.Fatalf("Store has %d keys", len(keys))
		}
	})
}

func TestSQLiteInMemoryStoragesAreSeparate(t *testing.T) {
	first, err := NewSQLiteStorage("")
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := NewSQLiteStorage("")
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	store := mustOpen(t, first, "v1")
	if err := store.Put(context.Background(), "k", []byte("v")); err != nil {
		t.Fatal(err)
	}

	names, err := second.Names(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("In-memory storages share stores: %v", names)
	}
	if _, ok, _ := mustOpen(t, second, "v1").Get(context.Background(), "k"); ok {
		t.Fatal("In-memory storages share entries")
	}
}
