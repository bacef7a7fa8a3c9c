package cache

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps stores in Redis.
//
// Layout, relative to the configured prefix:
//
//	stores          sorted set of store names, scored by creation sequence
//	seq             global sequence used for all scores
//	store:NAME:keys sorted set of entry keys, scored by insertion sequence
//	store:NAME:vals hash of entry key -> serialized response
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage creates a new Redis-backed storage.
// prefix namespaces all keys, e.g. "cachefirst:".
func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStorage) storesKey() string {
	return s.prefix + "stores"
}

func (s *RedisStorage) seqKey() string {
	return s.prefix + "seq"
}

func (s *RedisStorage) Open(ctx context.Context, name string) (Store, error) {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return nil, err
	}
	if err := s.client.ZAddNX(ctx, s.storesKey(), redis.Z{Score: float64(seq), Member: name}).Err(); err != nil {
		return nil, err
	}
	return &redisStore{storage: s, name: name}, nil
}

func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	return s.client.ZRange(ctx, s.storesKey(), 0, -1).Result()
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	store := redisStore{storage: s, name: name}
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.storesKey(), name)
		pipe.Del(ctx, store.keysKey(), store.valuesKey())
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

type redisStore struct {
	storage *RedisStorage
	name    string
}

func (s *redisStore) keysKey() string {
	return s.storage.prefix + "store:" + s.name + ":keys"
}

func (s *redisStore) valuesKey() string {
	return s.storage.prefix + "store:" + s.name + ":vals"
}

func (s *redisStore) Name() string {
	return s.name
}

func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	return s.storage.client.ZRange(ctx, s.keysKey(), 0, -1).Result()
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.storage.client.HGet(ctx, s.valuesKey(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put rescores an existing key with a fresh sequence, moving it to the end.
func (s *redisStore) Put(ctx context.Context, key string, value []byte) error {
	client := s.storage.client
	seq, err := client.Incr(ctx, s.storage.seqKey()).Result()
	if err != nil {
		return err
	}
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.keysKey(), redis.Z{Score: float64(seq), Member: key})
		pipe.HSet(ctx, s.valuesKey(), key, value)
		return nil
	})
	return err
}

func (s *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.keysKey(), key)
		pipe.HDel(ctx, s.valuesKey(), key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}
