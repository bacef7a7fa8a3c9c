package cache

import (
	"context"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// MemoryStorage keeps stores in process memory.
// Nothing survives a restart, which makes it suitable for tests and ephemeral deployments.
type MemoryStorage struct {
	mutex  sync.Mutex
	stores map[string]*memoryStore
	order  []string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		stores: make(map[string]*memoryStore),
	}
}

func (m *MemoryStorage) Open(ctx context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if store, ok := m.stores[name]; ok {
		return store, nil
	}
	store, err := newMemoryStore(name)
	if err != nil {
		return nil, err
	}
	m.stores[name] = store
	m.order = append(m.order, name)
	return store, nil
}

func (m *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

type memoryStore struct {
	name    string
	mutex   sync.Mutex
	entries *simplelru.LRU[string, []byte]
}

func newMemoryStore(name string) (*memoryStore, error) {
	// the LRU is only used as an insertion ordered map, so it is unbounded
	entries, err := simplelru.NewLRU[string, []byte](math.MaxInt, nil)
	if err != nil {
		return nil, err
	}
	return &memoryStore{name: name, entries: entries}, nil
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.entries.Keys(), nil
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	// Peek does not touch the order, reads must not affect eviction
	value, ok := s.entries.Peek(key)
	if !ok {
		return nil, false, nil
	}
	return clone(value), true, nil
}

func (s *memoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries.Add(key, clone(value))
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.entries.Remove(key), nil
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
