package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a lock only while the caller's token still owns it.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisCache shares analytics snapshots and run locks between replicas.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to cfg.RedisAddr and fails fast when Redis does not
// answer a ping within five seconds.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}

	val, err := c.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return errNoTenant
	}
	return c.client.Set(ctx, redisKey(tenantID, key), value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return errNoTenant
	}
	return c.client.Del(ctx, redisKey(tenantID, key)).Err()
}

// AcquireLock uses SET NX PX so the lock expires even if its holder dies.
func (c *RedisCache) AcquireLock(ctx context.Context, tenantID string, key string, ttl time.Duration) (string, bool, error) {
	if tenantID == "" {
		return "", false, errNoTenant
	}

	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, redisLockKey(tenantID, key), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (c *RedisCache) ReleaseLock(ctx context.Context, tenantID string, key string, token string) error {
	if tenantID == "" {
		return errNoTenant
	}
	return releaseScript.Run(ctx, c.client, []string{redisLockKey(tenantID, key)}, token).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func redisKey(tenantID, key string) string {
	return "fieldpay:" + tenantID + ":" + key
}

func redisLockKey(tenantID, key string) string {
	return "fieldpay:" + tenantID + ":lock:" + key
}
