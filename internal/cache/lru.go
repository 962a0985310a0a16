// Package cache provides the in-process and Redis caches used for analytics
// snapshots and batch run locks.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errNoTenant = errors.New("tenantID is required")

// LRUCache is an in-process cache bounded by entry count. Entries expire
// lazily on read. Locks live outside the LRU so eviction never frees one.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	recency *list.List
	locks   map[string]heldLock
	now     func() time.Time
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type heldLock struct {
	token     string
	expiresAt time.Time
}

// NewLRUCache creates an LRU holding at most maxSize entries (10000 when
// maxSize is not positive).
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		recency: list.New(),
		locks:   make(map[string]heldLock),
		now:     time.Now,
	}
}

func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[scopedKey(tenantID, key)]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if !c.now().Before(entry.expiresAt) {
		c.evict(elem)
		return nil, nil
	}
	c.recency.MoveToFront(elem)
	return entry.value, nil
}

func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return errNoTenant
	}

	full := scopedKey(tenantID, key)
	expiresAt := c.now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[full]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.recency.MoveToFront(elem)
		return nil
	}

	c.entries[full] = c.recency.PushFront(&lruEntry{key: full, value: value, expiresAt: expiresAt})
	for c.recency.Len() > c.maxSize {
		c.evict(c.recency.Back())
	}
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return errNoTenant
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[scopedKey(tenantID, key)]; ok {
		c.evict(elem)
	}
	return nil
}

// AcquireLock takes key when it is free or its previous holder expired.
// Expired locks of every key are dropped on the way.
func (c *LRUCache) AcquireLock(ctx context.Context, tenantID string, key string, ttl time.Duration) (string, bool, error) {
	if tenantID == "" {
		return "", false, errNoTenant
	}

	full := scopedKey(tenantID, key)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, held := range c.locks {
		if !now.Before(held.expiresAt) {
			delete(c.locks, k)
		}
	}
	if _, ok := c.locks[full]; ok {
		return "", false, nil
	}
	token := uuid.NewString()
	c.locks[full] = heldLock{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (c *LRUCache) ReleaseLock(ctx context.Context, tenantID string, key string, token string) error {
	if tenantID == "" {
		return errNoTenant
	}

	full := scopedKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if held, ok := c.locks[full]; ok && held.token == token {
		delete(c.locks, full)
	}
	return nil
}

func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry and lock.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.recency.Init()
	c.locks = make(map[string]heldLock)
	return nil
}

// Len reports the number of cached entries, expired ones included.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}

func (c *LRUCache) evict(elem *list.Element) {
	if elem == nil {
		return
	}
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*lruEntry).key)
}

func scopedKey(tenantID, key string) string {
	return tenantID + ":" + key
}
