package dispatch

import (
	"sync"
	"time"
)

type idemEntry struct {
	rideID string
	expiry time.Time
}

// idemCache maps request idempotency keys to the ride they created. It sits
// in front of the durable IdempotencyStore, if any.
type idemCache struct {
	mu    sync.Mutex
	byKey map[string]idemEntry
	ttl   time.Duration
	now   func() time.Time
}

func newIdemCache() *idemCache {
	return &idemCache{
		byKey: make(map[string]idemEntry),
		ttl:   30 * time.Minute,
		now:   time.Now,
	}
}

func (c *idemCache) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		c.mu.Lock()
		c.ttl = ttl
		c.mu.Unlock()
	}
}

func (c *idemCache) Remember(key, rideID string) {
	if key == "" || rideID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.byKey) >= 1024 {
		c.evictExpired(now)
	}
	c.byKey[key] = idemEntry{rideID: rideID, expiry: now.Add(c.ttl)}
}

func (c *idemCache) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byKey[key]
	if !ok {
		return "", false
	}
	if c.now().After(entry.expiry) {
		delete(c.byKey, key)
		return "", false
	}
	return entry.rideID, true
}

// evictExpired must be called with mu held.
func (c *idemCache) evictExpired(now time.Time) {
	for k, e := range c.byKey {
		if now.After(e.expiry) {
			delete(c.byKey, k)
		}
	}
}
