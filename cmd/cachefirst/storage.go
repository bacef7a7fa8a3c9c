package main

import (
	"context"
	"fmt"
	"time"

	"github.com/always-cache/cachefirst/cache"

	"github.com/redis/go-redis/v9"
)

// newStorage opens the configured provider. The returned function releases it.
func newStorage(config Config) (cache.Storage, func() error, error) {
	switch config.Provider {
	case "memory":
		return cache.NewMemoryStorage(), func() error { return nil }, nil
	case "sqlite":
		// set up sqlite memory provider
		dbFilename := config.DB
		if dbFilename == "memory" {
			dbFilename = ""
		}
		storage, err := cache.NewSQLiteStorage(dbFilename)
		if err != nil {
			return nil, nil, err
		}
		return storage, storage.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("could not reach redis at %s: %w", config.Redis.Addr, err)
		}
		return cache.NewRedisStorage(client, config.Redis.Prefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("Unsupported cache provider: %s", config.Provider)
	}
}
