// Package cache coordinates entity resolution across four tiers: an
// in-process LRU (L1), a shared byte cache (L2), the store's buffered
// base-table reads (L3), and materialized projections (L4), falling back to
// an authoritative resolve when every tier declines. Lower-tier answers
// populate the tiers above them; invalidation is a generation bump that
// strands the old keys in L1 and L2 alike.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/meridianlabs/gazetteer/internal/hierarchy"
	"github.com/meridianlabs/gazetteer/internal/metrics"
	"github.com/meridianlabs/gazetteer/internal/pool"
	"github.com/meridianlabs/gazetteer/internal/store"
)

var (
	ErrStoreRequired  = errors.New("store is required")
	ErrPoolRequired   = errors.New("pool is required")
	ErrSharedRequired = errors.New("shared cache is required")
)

const (
	defaultL1MaxEntries       = 4096
	defaultSharedTTL          = 5 * time.Minute
	defaultResolveConcurrency = 8

	resubscribeDelay = time.Second
)

// Status is the aggregate health of the resolution path.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// Health is the snapshot served by the daemon's health listener.
type Health struct {
	Status           Status             `json:"status"`
	PoolHealthy      bool               `json:"pool_healthy"`
	Pool             pool.Stats         `json:"pool"`
	SharedHealthy    bool               `json:"shared_healthy"`
	L1Entries        int                `json:"l1_entries"`
	HitRates         map[string]float64 `json:"hit_rates"`
	StaleProjections []string           `json:"stale_projections"`
}

// EntityStore is the store surface the coordinator consumes. The Buffered
// reads are L3; the Read methods are L4 projection reads; the Get/Count
// methods are the authoritative resolve path.
type EntityStore interface {
	BufferedEntity(ctx context.Context, id uuid.UUID) (hierarchy.Entity, error)
	BufferedAncestors(ctx context.Context, id uuid.UUID) ([]hierarchy.Entity, error)
	BufferedDescendants(ctx context.Context, id uuid.UUID, maxDepth int) ([]hierarchy.Entity, error)
	GetEntity(ctx context.Context, id uuid.UUID) (hierarchy.Entity, error)
	GetAncestors(ctx context.Context, id uuid.UUID) ([]hierarchy.Entity, error)
	GetDescendants(ctx context.Context, id uuid.UUID, maxDepth int) ([]hierarchy.Entity, error)
	CountDescendants(ctx context.Context, base hierarchy.Path) (int64, error)
	ReadAncestry(ctx context.Context, id uuid.UUID) (hierarchy.Ancestry, error)
	ReadProjectedDescendants(ctx context.Context, base hierarchy.Path, maxDepth int) ([]hierarchy.Entity, error)
	ReadHierarchyStats(ctx context.Context) ([]hierarchy.DepthStats, error)
	ComputeHierarchyStats(ctx context.Context) ([]hierarchy.DepthStats, error)
	InvalidateBuffered(id uuid.UUID, path hierarchy.Path)
	FlushBuffer()
}

// PoolHealth is the slice of pool.Manager the health snapshot needs.
type PoolHealth interface {
	Healthy() bool
	Stats() pool.Stats
}

type Config struct {
	Logger *slog.Logger
	Store  EntityStore
	Pool   PoolHealth
	Shared SharedCache

	// Bus fans invalidations out to sibling processes. Optional; without it
	// coherence is in-process only.
	Bus InvalidationBus

	Clock clockwork.Clock

	L1MaxEntries int
	SharedTTL    time.Duration

	// ResolveConcurrency bounds concurrent authoritative resolves. Size it
	// to the connection pool's MaxConns.
	ResolveConcurrency int

	// InstanceID distinguishes this process on the invalidation bus.
	InstanceID string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Store == nil {
		return ErrStoreRequired
	}
	if c.Pool == nil {
		return ErrPoolRequired
	}
	if c.Shared == nil {
		return ErrSharedRequired
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.L1MaxEntries == 0 {
		c.L1MaxEntries = defaultL1MaxEntries
	}
	if c.SharedTTL == 0 {
		c.SharedTTL = defaultSharedTTL
	}
	if c.ResolveConcurrency == 0 {
		c.ResolveConcurrency = defaultResolveConcurrency
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return nil
}

type hitMiss struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

func (h *hitMiss) rate() float64 {
	hits := h.hits.Load()
	total := hits + h.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Coordinator owns the tiered lookup state machine and the invalidation
// paths that keep the tiers coherent.
type Coordinator struct {
	log        *slog.Logger
	cfg        *Config
	store      EntityStore
	pool       PoolHealth
	shared     SharedCache
	bus        InvalidationBus
	clock      clockwork.Clock
	instanceID string

	l1          *L1Cache
	flight      singleflight.Group
	resolvePool pond.ResultPool[any]

	staleMu sync.Mutex
	stale   map[string]bool

	tierL1 hitMiss
	tierL2 hitMiss
	tierL3 hitMiss
	tierL4 hitMiss
}

func New(cfg *Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Coordinator{
		log:         cfg.Logger,
		cfg:         cfg,
		store:       cfg.Store,
		pool:        cfg.Pool,
		shared:      cfg.Shared,
		bus:         cfg.Bus,
		clock:       cfg.Clock,
		instanceID:  cfg.InstanceID,
		l1:          NewL1(cfg.L1MaxEntries),
		resolvePool: pond.NewResultPool[any](cfg.ResolveConcurrency),
		stale:       make(map[string]bool),
	}, nil
}

// envelope is the serialized L2 entry shape.
type envelope struct {
	WrittenAt time.Time       `json:"written_at"`
	Value     json.RawMessage `json:"value"`
}

// query describes one tiered lookup. fromL3 and fromL4 may be nil when the
// resolution has no read at that tier; resolve is always set.
type query[T any] struct {
	op      string
	ns      string
	entity  uuid.UUID
	variant string

	fromL3  func(ctx context.Context) (T, error)
	fromL4  func(ctx context.Context) (T, error)
	resolve func(ctx context.Context) (T, error)
}

// lookup walks the tiers in order. Tier errors degrade to the next tier;
// hierarchy.ErrNotFound and pool.ErrPoolExhausted surface immediately since
// no later tier can answer them better. The generation snapshot taken before
// the first tier read gates every populate, so a value read before an
// invalidation can never overwrite that invalidation.
func lookup[T any](ctx context.Context, c *Coordinator, q query[T]) (T, error) {
	var zero T
	start := time.Now()
	ctx, tok := WithToken(ctx)

	var (
		key           string
		nsGen, entGen uint64
		cached        any
		l1Hit         bool
	)
	c.l1.WithLock(tok, func() {
		nsGen = c.l1.NamespaceGen(tok, q.ns)
		entGen = c.l1.EntityGen(tok, q.entity)
		key = Key(q.ns, nsGen, q.entity, entGen, q.variant)
		cached, l1Hit = c.l1.Get(tok, key)
	})
	if l1Hit {
		if v, ok := cached.(T); ok {
			c.tierL1.hits.Add(1)
			metrics.CacheHitsTotal.WithLabelValues("l1", q.op).Inc()
			metrics.ResolveDuration.WithLabelValues(q.op, "l1").Observe(time.Since(start).Seconds())
			return v, nil
		}
		c.l1.Delete(tok, key)
	}
	c.tierL1.misses.Add(1)
	metrics.CacheMissesTotal.WithLabelValues("l1", q.op).Inc()

	if raw, found, err := c.shared.Get(ctx, key); err != nil {
		c.degrade("l2", q.op, err)
	} else if found {
		if v, ok := decodeEnvelope[T](raw); ok {
			c.tierL2.hits.Add(1)
			metrics.CacheHitsTotal.WithLabelValues("l2", q.op).Inc()
			c.populateL1(tok, q.ns, q.entity, q.variant, nsGen, entGen, v)
			metrics.ResolveDuration.WithLabelValues(q.op, "l2").Observe(time.Since(start).Seconds())
			return v, nil
		}
		// Undecodable entry, likely written by an incompatible version.
		_ = c.shared.Delete(ctx, key)
	}
	c.tierL2.misses.Add(1)
	metrics.CacheMissesTotal.WithLabelValues("l2", q.op).Inc()

	if q.fromL3 != nil {
		v, err := q.fromL3(ctx)
		switch {
		case err == nil:
			c.tierL3.hits.Add(1)
			metrics.CacheHitsTotal.WithLabelValues("l3", q.op).Inc()
			c.populate(ctx, tok, q.ns, q.entity, q.variant, nsGen, entGen, v)
			metrics.ResolveDuration.WithLabelValues(q.op, "l3").Observe(time.Since(start).Seconds())
			return v, nil
		case errors.Is(err, hierarchy.ErrNotFound), errors.Is(err, pool.ErrPoolExhausted):
			return zero, err
		default:
			if ctx.Err() != nil {
				return zero, err
			}
			c.tierL3.misses.Add(1)
			c.degrade("l3", q.op, err)
		}
	}

	if q.fromL4 != nil {
		v, err := q.fromL4(ctx)
		switch {
		case err == nil:
			c.tierL4.hits.Add(1)
			metrics.CacheHitsTotal.WithLabelValues("l4", q.op).Inc()
			c.populate(ctx, tok, q.ns, q.entity, q.variant, nsGen, entGen, v)
			metrics.ResolveDuration.WithLabelValues(q.op, "l4").Observe(time.Since(start).Seconds())
			return v, nil
		case errors.Is(err, hierarchy.ErrNotFound):
			// Not projected yet; the authoritative resolve decides.
			c.tierL4.misses.Add(1)
			metrics.CacheMissesTotal.WithLabelValues("l4", q.op).Inc()
		case errors.Is(err, pool.ErrPoolExhausted):
			return zero, err
		default:
			if ctx.Err() != nil {
				return zero, err
			}
			c.tierL4.misses.Add(1)
			c.degrade("l4", q.op, err)
		}
	}

	flightKey := q.ns + "/" + q.entity.String()
	if q.variant != "" {
		flightKey += "/" + q.variant
	}
	res, err, _ := c.flight.Do(flightKey, func() (any, error) {
		task := c.resolvePool.SubmitErr(func() (any, error) {
			v, err := q.resolve(ctx)
			if err != nil {
				return nil, err
			}
			return v, nil
		})
		v, err := task.Wait()
		if err != nil {
			return nil, err
		}
		// One L2 write per resolve, under the executing caller's snapshot.
		c.populate(ctx, tok, q.ns, q.entity, q.variant, nsGen, entGen, v)
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("resolve %s: unexpected result type %T", flightKey, res)
	}
	// Callers that shared the flight re-check their own snapshot.
	c.populateL1(tok, q.ns, q.entity, q.variant, nsGen, entGen, v)
	metrics.ResolveDuration.WithLabelValues(q.op, "resolve").Observe(time.Since(start).Seconds())
	return v, nil
}

func decodeEnvelope[T any](raw []byte) (T, bool) {
	var zero T
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(env.Value, &v); err != nil {
		return zero, false
	}
	return v, true
}

// populate writes v to L1 and L2 under the generation snapshot taken when
// the lookup began. If either generation moved since, an invalidation beat
// this read and the value is discarded.
func (c *Coordinator) populate(ctx context.Context, tok *Token, ns string, entity uuid.UUID, variant string, nsGen, entGen uint64, v any) {
	if !c.populateL1(tok, ns, entity, variant, nsGen, entGen, v) {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("Dropping unserializable cache value", "namespace", ns, "entity", entity, "error", err)
		return
	}
	env, err := json.Marshal(envelope{WrittenAt: c.clock.Now().UTC(), Value: raw})
	if err != nil {
		return
	}
	key := Key(ns, nsGen, entity, entGen, variant)
	if err := c.shared.Set(ctx, key, env, c.cfg.SharedTTL); err != nil {
		c.degrade("l2", "populate", err)
	}
}

func (c *Coordinator) populateL1(tok *Token, ns string, entity uuid.UUID, variant string, nsGen, entGen uint64, v any) bool {
	populated := false
	c.l1.WithLock(tok, func() {
		if c.l1.NamespaceGen(tok, ns) != nsGen || c.l1.EntityGen(tok, entity) != entGen {
			return
		}
		c.l1.Set(tok, Key(ns, nsGen, entity, entGen, variant), v)
		populated = true
	})
	return populated
}

func (c *Coordinator) degrade(tier, op string, err error) {
	c.log.Warn("Cache tier degraded, falling through", "tier", tier, "op", op, "error", err)
	metrics.CacheTierErrorsTotal.WithLabelValues(tier, op).Inc()
}

// Resolve returns the entity by id, walking L1 → L2 → L3 → L4 → store.
func (c *Coordinator) Resolve(ctx context.Context, id uuid.UUID) (hierarchy.Entity, error) {
	return lookup(ctx, c, query[hierarchy.Entity]{
		op:     "entity",
		ns:     NamespaceEntity,
		entity: id,
		fromL3: func(ctx context.Context) (hierarchy.Entity, error) {
			return c.store.BufferedEntity(ctx, id)
		},
		fromL4: func(ctx context.Context) (hierarchy.Entity, error) {
			a, err := c.store.ReadAncestry(ctx, id)
			if err != nil {
				return hierarchy.Entity{}, err
			}
			self, ok := a.Self()
			if !ok {
				return hierarchy.Entity{}, fmt.Errorf("projected lineage for %s is empty: %w", id, hierarchy.ErrNotFound)
			}
			return self, nil
		},
		resolve: func(ctx context.Context) (hierarchy.Entity, error) {
			return c.store.GetEntity(ctx, id)
		},
	})
}

// ResolveAncestors returns the entity's full ancestry: the root-first
// lineage ending with the entity itself plus its descendant count.
func (c *Coordinator) ResolveAncestors(ctx context.Context, id uuid.UUID) (hierarchy.Ancestry, error) {
	return lookup(ctx, c, query[hierarchy.Ancestry]{
		op:     "ancestry",
		ns:     NamespaceAncestors,
		entity: id,
		fromL3: func(ctx context.Context) (hierarchy.Ancestry, error) {
			lineage, err := c.store.BufferedAncestors(ctx, id)
			if err != nil {
				return hierarchy.Ancestry{}, err
			}
			return c.assembleAncestry(ctx, id, lineage)
		},
		fromL4: func(ctx context.Context) (hierarchy.Ancestry, error) {
			return c.store.ReadAncestry(ctx, id)
		},
		resolve: func(ctx context.Context) (hierarchy.Ancestry, error) {
			lineage, err := c.store.GetAncestors(ctx, id)
			if err != nil {
				return hierarchy.Ancestry{}, err
			}
			return c.assembleAncestry(ctx, id, lineage)
		},
	})
}

// ResolveDescendants returns the live subtree under the entity, bounded to
// maxDepth levels below it when maxDepth > 0.
func (c *Coordinator) ResolveDescendants(ctx context.Context, id uuid.UUID, maxDepth int) ([]hierarchy.Entity, error) {
	return lookup(ctx, c, query[[]hierarchy.Entity]{
		op:      "descendants",
		ns:      NamespaceDescendants,
		entity:  id,
		variant: fmt.Sprintf("d%d", maxDepth),
		fromL3: func(ctx context.Context) ([]hierarchy.Entity, error) {
			return c.store.BufferedDescendants(ctx, id, maxDepth)
		},
		fromL4: func(ctx context.Context) ([]hierarchy.Entity, error) {
			a, err := c.store.ReadAncestry(ctx, id)
			if err != nil {
				return nil, err
			}
			return c.store.ReadProjectedDescendants(ctx, a.Path, maxDepth)
		},
		resolve: func(ctx context.Context) ([]hierarchy.Entity, error) {
			return c.store.GetDescendants(ctx, id, maxDepth)
		},
	})
}

// ResolveStats returns the per-depth aggregates. There is no buffered
// base-table read for aggregates, so the projection is the first tier below
// the caches.
func (c *Coordinator) ResolveStats(ctx context.Context) ([]hierarchy.DepthStats, error) {
	return lookup(ctx, c, query[[]hierarchy.DepthStats]{
		op: "stats",
		ns: NamespaceStats,
		fromL4: func(ctx context.Context) ([]hierarchy.DepthStats, error) {
			return c.store.ReadHierarchyStats(ctx)
		},
		resolve: func(ctx context.Context) ([]hierarchy.DepthStats, error) {
			return c.store.ComputeHierarchyStats(ctx)
		},
	})
}

func (c *Coordinator) assembleAncestry(ctx context.Context, id uuid.UUID, lineage []hierarchy.Entity) (hierarchy.Ancestry, error) {
	if len(lineage) == 0 {
		return hierarchy.Ancestry{}, fmt.Errorf("lineage for %s: %w", id, hierarchy.ErrNotFound)
	}
	self := lineage[len(lineage)-1]
	count, err := c.store.CountDescendants(ctx, self.Path)
	if err != nil {
		return hierarchy.Ancestry{}, err
	}
	return hierarchy.Ancestry{
		EntityID:        id,
		Path:            self.Path,
		Depth:           self.Path.Depth(),
		Lineage:         lineage,
		DescendantCount: count,
	}, nil
}

// InvalidateEntity drops every cached resolution scoped to the entity and
// marks the projections covering it stale. The local generation bump is
// synchronous; fan-out to sibling processes is best effort.
func (c *Coordinator) InvalidateEntity(ctx context.Context, id uuid.UUID, path hierarchy.Path) {
	_, tok := WithToken(ctx)
	c.l1.BumpEntityGen(tok, id)
	c.store.InvalidateBuffered(id, path)
	c.markStale(store.ProjectionNames()...)
	metrics.CacheInvalidationsTotal.WithLabelValues("local").Inc()

	if c.bus == nil {
		return
	}
	inv := Invalidation{Origin: c.instanceID, Kind: InvalidationEntity, EntityID: id, Path: path}
	if err := c.bus.Publish(ctx, inv); err != nil {
		c.log.Warn("Invalidation fan-out failed", "entity", id, "error", err)
		metrics.CacheTierErrorsTotal.WithLabelValues("bus", "publish").Inc()
	}
}

// InvalidateNamespaces drops every cached resolution in the given
// namespaces by bumping their generations.
func (c *Coordinator) InvalidateNamespaces(ctx context.Context, namespaces ...string) {
	if len(namespaces) == 0 {
		return
	}
	_, tok := WithToken(ctx)
	c.l1.WithLock(tok, func() {
		for _, ns := range namespaces {
			c.l1.BumpNamespaceGen(tok, ns)
		}
	})
	metrics.CacheInvalidationsTotal.WithLabelValues("local").Inc()

	if c.bus == nil {
		return
	}
	inv := Invalidation{Origin: c.instanceID, Kind: InvalidationNamespaces, Namespaces: namespaces}
	if err := c.bus.Publish(ctx, inv); err != nil {
		c.log.Warn("Invalidation fan-out failed", "namespaces", namespaces, "error", err)
		metrics.CacheTierErrorsTotal.WithLabelValues("bus", "publish").Inc()
	}
}

// HandleRefreshCompleted is the refresher's success hook: it clears the
// projection's stale flag and drops cached resolutions that may have been
// served from the pre-refresh projection.
func (c *Coordinator) HandleRefreshCompleted(ctx context.Context, projection string) {
	c.clearStale(projection)
	c.InvalidateNamespaces(ctx, namespacesForProjection(projection)...)
}

// namespacesForProjection maps a projection to the cache namespaces its
// refresh may have changed.
func namespacesForProjection(projection string) []string {
	switch projection {
	case store.ProjectionEntityAncestry:
		return []string{NamespaceEntity, NamespaceAncestors, NamespaceDescendants}
	case store.ProjectionHierarchyStats:
		return []string{NamespaceStats}
	default:
		// descendant_counts feeds no cached resolution directly.
		return nil
	}
}

func (c *Coordinator) markStale(projections ...string) {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	for _, p := range projections {
		c.stale[p] = true
	}
}

func (c *Coordinator) clearStale(projection string) {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	delete(c.stale, projection)
}

// StaleProjections lists projections awaiting a refresh since the last
// mutation, sorted for stable output.
func (c *Coordinator) StaleProjections() []string {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	out := make([]string, 0, len(c.stale))
	for p := range c.stale {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Run consumes the invalidation bus until ctx is done, resubscribing after
// interruptions. With no bus configured it just waits for ctx.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.bus == nil {
		<-ctx.Done()
		return nil
	}
	for {
		err := c.bus.Subscribe(ctx, c.applyRemote)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.Warn("Invalidation subscription interrupted, resubscribing", "error", err)
			metrics.CacheTierErrorsTotal.WithLabelValues("bus", "subscribe").Inc()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(resubscribeDelay):
		}
	}
}

// applyRemote applies a sibling process's invalidation locally. Messages
// published by this process already took effect synchronously.
func (c *Coordinator) applyRemote(inv Invalidation) {
	if inv.Origin == c.instanceID {
		return
	}
	tok := NewToken()
	switch inv.Kind {
	case InvalidationEntity:
		c.l1.BumpEntityGen(tok, inv.EntityID)
		c.store.InvalidateBuffered(inv.EntityID, inv.Path)
		metrics.CacheInvalidationsTotal.WithLabelValues("remote").Inc()
	case InvalidationNamespaces:
		c.l1.WithLock(tok, func() {
			for _, ns := range inv.Namespaces {
				c.l1.BumpNamespaceGen(tok, ns)
			}
		})
		metrics.CacheInvalidationsTotal.WithLabelValues("remote").Inc()
	default:
		c.log.Warn("Dropping invalidation of unknown kind", "kind", inv.Kind, "origin", inv.Origin)
	}
}

// HitRates returns the per-tier hit rates since startup.
func (c *Coordinator) HitRates() map[string]float64 {
	return map[string]float64{
		"l1": c.tierL1.rate(),
		"l2": c.tierL2.rate(),
		"l3": c.tierL3.rate(),
		"l4": c.tierL4.rate(),
	}
}

// Health derives the aggregate status: no usable connection pool means
// unavailable; a degraded L2 or an unrefreshed projection caps the status
// at degraded.
func (c *Coordinator) Health(ctx context.Context) Health {
	h := Health{
		PoolHealthy:      c.pool.Healthy(),
		Pool:             c.pool.Stats(),
		SharedHealthy:    c.shared.Healthy(ctx) == nil,
		L1Entries:        c.l1.Len(NewToken()),
		HitRates:         c.HitRates(),
		StaleProjections: c.StaleProjections(),
	}
	switch {
	case !h.PoolHealthy:
		h.Status = StatusUnavailable
	case !h.SharedHealthy || len(h.StaleProjections) > 0:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
	}
	return h
}

// Close stops the resolve pool. The shared cache is owned by the caller.
func (c *Coordinator) Close() error {
	c.resolvePool.StopAndWait()
	return nil
}
