package policy

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cache is a short-TTL in-memory cache for PolicyFilter results. It
// eliminates a repeated ACL join for a principal issuing the same query
// (or a retried request) within the cache window.
//
// Key: "org_id:principal_id:candidate_hash". Value: the filtered span ID
// set plus an expiry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cachedEntry
	ttl     time.Duration
	done    chan struct{}
}

type cachedEntry struct {
	allowed   []uuid.UUID
	expiresAt time.Time
}

// NewCache creates a policy filter cache with the given TTL. Call Close to
// stop the background eviction goroutine.
func NewCache(ttl time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]cachedEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

func (c *Cache) get(key string) ([]uuid.UUID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.allowed, true
}

func (c *Cache) set(key string, allowed []uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedEntry{allowed: allowed, expiresAt: time.Now().Add(c.ttl)}
}

// Close stops the background eviction goroutine.
func (c *Cache) Close() {
	close(c.done)
}

func (c *Cache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
