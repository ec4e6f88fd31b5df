package cache

import (
	"container/list"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianlabs/gazetteer/internal/metrics"
)

// Cache namespaces. Every L1/L2 key is scoped to one of these so a whole
// class of resolutions can be dropped by bumping the namespace generation.
const (
	NamespaceEntity      = "entity"
	NamespaceAncestors   = "ancestors"
	NamespaceDescendants = "descendants"
	NamespaceStats       = "stats"
)

// Namespaces returns all cache namespaces.
func Namespaces() []string {
	return []string{NamespaceEntity, NamespaceAncestors, NamespaceDescendants, NamespaceStats}
}

// Generation maps are pruned wholesale once they outgrow the entry bound by
// this factor, which also flushes the entries they version.
const genHighWaterFactor = 8

// L1Cache is the in-process tier: a size-bounded LRU with no TTL. Keys embed
// the namespace and entity generation current at build time, so invalidation
// is a generation bump that strands the old keys; stranded entries age out of
// the LRU tail like any other.
//
// Every method takes the caller's ownership token and acquires the one
// re-entrant lock, so compound sections built with WithLock may call the
// primitives freely.
type L1Cache struct {
	lock       *ReentrantLock
	maxEntries int

	ll    *list.List
	items map[string]*list.Element

	entityGens map[uuid.UUID]uint64
	nsGens     map[string]uint64
}

type l1Entry struct {
	key   string
	value any
}

func NewL1(maxEntries int) *L1Cache {
	return &L1Cache{
		lock:       NewReentrantLock(),
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		entityGens: make(map[uuid.UUID]uint64),
		nsGens:     make(map[string]uint64),
	}
}

// WithLock runs fn while holding the L1 lock on behalf of tok. Primitive
// calls inside fn re-enter with the same token instead of deadlocking.
func (c *L1Cache) WithLock(tok *Token, fn func()) {
	c.lock.Lock(tok)
	defer c.lock.Unlock(tok)
	fn()
}

func (c *L1Cache) Get(tok *Token, key string) (any, bool) {
	c.lock.Lock(tok)
	defer c.lock.Unlock(tok)
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*l1Entry).value, true
}

func (c *L1Cache) Set(tok *Token, key string, value any) {
	c.lock.Lock(tok)
	defer c.lock.Unlock(tok)
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*l1Entry).value = value
		return
	}
	c.items[key] = c.ll.PushFront(&l1Entry{key: key, value: value})
	for c.ll.Len() > c.maxEntries {
		c.evictOldest()
	}
}

func (c *L1Cache) Delete(tok *Token, key string) {
	c.lock.Lock(tok)
	defer c.lock.Unlock(tok)
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Flush drops every entry while leaving the generation maps intact.
func (c *L1Cache) Flush(tok *Token) {
	c.lock.Lock(tok)
	defer c.lock.Unlock(tok)
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

func (c *L1Cache) Len(tok *Token) int {
	c.lock.Lock(tok)
	defer c.lock.Unlock(tok)
	return c.ll.Len()
}

// EntityGen returns the entity's current generation, zero if never bumped.
func (c *L1Cache) EntityGen(tok *Token, id uuid.UUID) uint64 {
	c.lock.Lock(tok)
	defer c.lock.Unlock(tok)
	return c.entityGens[id]
}

// BumpEntityGen advances the entity's generation, stranding every key built
// against the previous one.
func (c *L1Cache) BumpEntityGen(tok *Token, id uuid.UUID) uint64 {
	c.lock.Lock(tok)
	defer c.lock.Unlock(tok)
	gen := c.entityGens[id] + 1
	c.entityGens[id] = gen
	if len(c.entityGens) > c.maxEntries*genHighWaterFactor {
		c.pruneGens()
	}
	return gen
}

// NamespaceGen returns the namespace's current generation.
func (c *L1Cache) NamespaceGen(tok *Token, ns string) uint64 {
	c.lock.Lock(tok)
	defer c.lock.Unlock(tok)
	return c.nsGens[ns]
}

// BumpNamespaceGen advances the namespace's generation, stranding every key
// in the namespace.
func (c *L1Cache) BumpNamespaceGen(tok *Token, ns string) uint64 {
	c.lock.Lock(tok)
	defer c.lock.Unlock(tok)
	gen := c.nsGens[ns] + 1
	c.nsGens[ns] = gen
	return gen
}

// Key builds the versioned cache key for an entity-scoped resolution. The
// same shape is used verbatim in L2 so one invalidation covers both tiers.
func Key(ns string, nsGen uint64, id uuid.UUID, entGen uint64, variant string) string {
	if variant == "" {
		return fmt.Sprintf("%s:%d:%s:%d", ns, nsGen, id, entGen)
	}
	return fmt.Sprintf("%s:%d:%s:%d:%s", ns, nsGen, id, entGen, variant)
}

// pruneGens resets both generation maps and flushes the entries versioned by
// them. Restarting generations at zero is only sound with no surviving keys.
// Caller holds the lock.
func (c *L1Cache) pruneGens() {
	c.entityGens = make(map[uuid.UUID]uint64)
	c.nsGens = make(map[string]uint64)
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

func (c *L1Cache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.removeElement(el)
	metrics.CacheEvictionsTotal.Inc()
}

func (c *L1Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*l1Entry).key)
}
