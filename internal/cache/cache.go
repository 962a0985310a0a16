package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/fieldpay/internal/domain"
)

// New builds the cache named by cfg.Type. A redis cache is fronted by the
// in-process LRU when cfg.EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache reads through a near cache to a shared one. The near tier
// never outlives nearTTL, which bounds how stale a replica's analytics can
// be after another replica invalidates them. Locks always go to the shared
// tier.
type TwoPhaseCache struct {
	near    domain.Cache
	shared  domain.Cache
	nearTTL time.Duration
}

// NewTwoPhaseCache combines near and shared. nearTTL defaults to 30s.
func NewTwoPhaseCache(near, shared domain.Cache, nearTTL time.Duration) *TwoPhaseCache {
	if nearTTL <= 0 {
		nearTTL = 30 * time.Second
	}
	return &TwoPhaseCache{near: near, shared: shared, nearTTL: nearTTL}
}

func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, err := c.near.Get(ctx, tenantID, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.shared.Get(ctx, tenantID, key)
	if err != nil || val == nil {
		return val, err
	}
	_ = c.near.Set(ctx, tenantID, key, val, c.nearTTL)
	return val, nil
}

func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.shared.Set(ctx, tenantID, key, value, ttl); err != nil {
		return err
	}
	return c.near.Set(ctx, tenantID, key, value, min(ttl, c.nearTTL))
}

// Delete clears the shared tier first so a failure there leaves the near copy
// to expire on its own.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.shared.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.near.Delete(ctx, tenantID, key)
}

func (c *TwoPhaseCache) AcquireLock(ctx context.Context, tenantID string, key string, ttl time.Duration) (string, bool, error) {
	return c.shared.AcquireLock(ctx, tenantID, key, ttl)
}

func (c *TwoPhaseCache) ReleaseLock(ctx context.Context, tenantID string, key string, token string) error {
	return c.shared.ReleaseLock(ctx, tenantID, key, token)
}

func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.shared.Ping(ctx); err != nil {
		return fmt.Errorf("shared cache: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	_ = c.near.Close()
	return c.shared.Close()
}

// GetJSON decodes a cached JSON value into dst. It reports false on a miss.
func GetJSON(ctx context.Context, c domain.Cache, tenantID, key string, dst any) (bool, error) {
	data, err := c.Get(ctx, tenantID, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON caches v encoded as JSON.
func SetJSON(ctx context.Context, c domain.Cache, tenantID, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s for cache: %w", key, err)
	}
	return c.Set(ctx, tenantID, key, data, ttl)
}
