// Package storage provides the key-value persistence behind the session manager.
// Every backend stores plain string values under short keys ("token",
// "refreshToken", "tokenExpiresAt", "user"), mirroring browser local storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snapy/snapy/backend/go-session/internal/config"
)

var (
	ErrUnknownBackend = errors.New("unknown session store backend")
	ErrLockTimeout    = errors.New("timed out waiting for session lock")
)

// Store is the injectable key-value store the session manager persists to.
type Store interface {
	// Get returns the value and true, or "" and false when the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Locker is implemented by stores shared between processes. Lock blocks until
// the named lock is held or ctx is done; the lock expires after ttl if the
// holder never unlocks.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (unlock func(), err error)
}

// Open builds the store selected by cfg.Store.Backend. The returned close
// function releases backend connections and is never nil.
func Open(ctx context.Context, cfg *config.Config) (Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store.Backend {
	case "", "memory":
		return NewMemoryStore(), noop, nil
	case "file":
		return NewFileStore(nil, cfg.Store.File), noop, nil
	case "redis":
		if cfg.Redis.Addr() == "" {
			return nil, noop, fmt.Errorf("redis store: REDIS_HOST is not set")
		}
		client := newRedisClient(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("redis store: ping %s: %w", cfg.Redis.Addr(), err)
		}
		return NewRedisStore(client, cfg.Redis.Prefix), client.Close, nil
	case "mongo", "mongodb":
		if cfg.MongoDB.URI == "" {
			return nil, noop, fmt.Errorf("mongo store: MONGODB_URI is not set")
		}
		client, err := ConnectMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout)
		if err != nil {
			return nil, noop, err
		}
		col := client.Database(cfg.MongoDB.Database).Collection(cfg.MongoDB.Collection)
		return NewMongoStore(col), func() error { return client.Disconnect(context.Background()) }, nil
	case "minio", "s3":
		s, err := NewObjectStore(ctx, &cfg.MinIO)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	}
	return nil, noop, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Store.Backend)
}
