package secrets

import (
	"context"
	"sync"
	"time"
)

// cache keeps resolved secrets for a TTL so per-study exports do not hammer
// the vault. Stores write through.
type cache struct {
	next Resolver
	ttl  time.Duration

	mtx     sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   string
	expires time.Time
}

func newCache(next Resolver, ttl time.Duration) *cache {
	return &cache{
		next:    next,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *cache) Secret(ctx context.Context, name string) (string, error) {
	c.mtx.Lock()
	if e, ok := c.entries[name]; ok && time.Now().Before(e.expires) {
		c.mtx.Unlock()
		return e.value, nil
	}
	c.mtx.Unlock()

	value, err := c.next.Secret(ctx, name)
	if err != nil {
		return "", err
	}
	c.put(name, value)
	return value, nil
}

func (c *cache) StoreSecret(ctx context.Context, name, value string) error {
	if err := c.next.StoreSecret(ctx, name, value); err != nil {
		return err
	}
	c.put(name, value)
	return nil
}

func (c *cache) put(name, value string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.entries[name] = cacheEntry{value: value, expires: time.Now().Add(c.ttl)}
}
