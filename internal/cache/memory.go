package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const defaultMemoryTTL = 5 * time.Minute

// MemoryCache is the embedded SharedCache for single-process deployments and
// tests. It also implements InvalidationBus with synchronous in-process
// delivery, so the daemon wires the same fan-out path regardless of backend.
type MemoryCache struct {
	items *ttlcache.Cache[string, []byte]

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(Invalidation)
}

func NewMemory() *MemoryCache {
	c := &MemoryCache{
		items: ttlcache.New(
			ttlcache.WithTTL[string, []byte](defaultMemoryTTL),
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		),
		subs: make(map[uint64]func(Invalidation)),
	}
	go c.items.Start()
	return c
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	item := c.items.Get(key)
	if item == nil {
		return nil, false, nil
	}
	return item.Value(), true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultMemoryTTL
	}
	c.items.Set(key, value, ttl)
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		c.items.Delete(key)
	}
	return nil
}

func (c *MemoryCache) Healthy(ctx context.Context) error {
	return nil
}

func (c *MemoryCache) Close() error {
	c.items.Stop()
	c.items.DeleteAll()
	return nil
}

// Publish delivers inv synchronously to every subscriber.
func (c *MemoryCache) Publish(ctx context.Context, inv Invalidation) error {
	c.mu.RLock()
	handlers := make([]func(Invalidation), 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(inv)
	}
	return nil
}

func (c *MemoryCache) Subscribe(ctx context.Context, handler func(Invalidation)) error {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = handler
	c.mu.Unlock()

	<-ctx.Done()

	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
	return nil
}
