package tokencache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryCache is the in-process cache used by tests and by dev runs without
// a REDIS_URL. Entries past expiry are treated as misses on read; there is
// no background eviction.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the time source for expiry checks.
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

func (c *MemoryCache) Get(ctx context.Context, principal string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(principal)]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return "", false, nil
	}
	return entry.token, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, principal, token string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !expiresAt.After(c.clock()) {
		return nil
	}
	c.entries[cacheKey(principal)] = memoryEntry{token: token, expiresAt: expiresAt}
	return nil
}
