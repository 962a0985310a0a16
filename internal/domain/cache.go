package domain

import (
	"context"
	"time"
)

// Cache holds short-lived derived state: the per-tenant analytics snapshot
// and batch run locks. Keys are always scoped by tenant.
type Cache interface {
	// Get returns nil, nil on a miss or an expired entry.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, tenantID string, key string) error

	// AcquireLock takes key for ttl if nobody holds it. On success it returns
	// an owner token for ReleaseLock; ok is false when the lock is taken.
	AcquireLock(ctx context.Context, tenantID string, key string, ttl time.Duration) (token string, ok bool, err error)

	// ReleaseLock frees key only while token still owns it. Releasing an
	// expired or foreign lock is a no-op.
	ReleaseLock(ctx context.Context, tenantID string, key string, token string) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and sizes the cache backend.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string

	// In-process LRU, also the near tier of the two-phase cache.
	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase fronts Redis with the in-process LRU.
	EnableTwoPhase bool
}
