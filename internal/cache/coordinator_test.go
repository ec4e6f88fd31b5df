package cache_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/gazetteer/internal/cache"
	"github.com/meridianlabs/gazetteer/internal/hierarchy"
	"github.com/meridianlabs/gazetteer/internal/pool"
	"github.com/meridianlabs/gazetteer/internal/store"
)

type fakeStore struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]hierarchy.Entity
	byPath map[hierarchy.Path]hierarchy.Entity
	calls  map[string]int

	bufferErr         error
	bufferedEntityFn  func(ctx context.Context, id uuid.UUID) (hierarchy.Entity, error)
	getEntityFn       func(ctx context.Context, id uuid.UUID) (hierarchy.Entity, error)
	readAncestryFn    func(ctx context.Context, id uuid.UUID) (hierarchy.Ancestry, error)
	readProjDescFn    func(ctx context.Context, base hierarchy.Path, maxDepth int) ([]hierarchy.Entity, error)
	readStatsFn       func(ctx context.Context) ([]hierarchy.DepthStats, error)
	computeStatsFn    func(ctx context.Context) ([]hierarchy.DepthStats, error)
	invalidatedIDs    []uuid.UUID
	bufferFlushes     int
}

var _ cache.EntityStore = (*fakeStore)(nil)

func newFakeStore(entities ...hierarchy.Entity) *fakeStore {
	f := &fakeStore{
		byID:   make(map[uuid.UUID]hierarchy.Entity),
		byPath: make(map[hierarchy.Path]hierarchy.Entity),
		calls:  make(map[string]int),
	}
	for _, e := range entities {
		f.put(e)
	}
	return f
}

func (f *fakeStore) put(e hierarchy.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[e.ID] = e
	f.byPath[e.Path] = e
}

func (f *fakeStore) bump(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeStore) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeStore) entity(id uuid.UUID) (hierarchy.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return hierarchy.Entity{}, fmt.Errorf("entity %s: %w", id, hierarchy.ErrNotFound)
	}
	return e, nil
}

func (f *fakeStore) lineage(id uuid.UUID) ([]hierarchy.Entity, error) {
	e, err := f.entity(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hierarchy.Entity, 0, e.Path.Depth())
	for _, p := range e.Path.Ancestors() {
		if a, ok := f.byPath[p]; ok {
			out = append(out, a)
		}
	}
	return append(out, e), nil
}

func (f *fakeStore) descendants(id uuid.UUID, maxDepth int) ([]hierarchy.Entity, error) {
	e, err := f.entity(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []hierarchy.Entity{}
	for _, o := range f.byID {
		if !e.Path.IsAncestorOf(o.Path) {
			continue
		}
		if maxDepth > 0 && o.Path.Depth() > e.Path.Depth()+maxDepth {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *fakeStore) BufferedEntity(ctx context.Context, id uuid.UUID) (hierarchy.Entity, error) {
	f.bump("BufferedEntity")
	f.mu.Lock()
	fn, bufErr := f.bufferedEntityFn, f.bufferErr
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}
	if bufErr != nil {
		return hierarchy.Entity{}, bufErr
	}
	return f.entity(id)
}

func (f *fakeStore) BufferedAncestors(ctx context.Context, id uuid.UUID) ([]hierarchy.Entity, error) {
	f.bump("BufferedAncestors")
	f.mu.Lock()
	bufErr := f.bufferErr
	f.mu.Unlock()
	if bufErr != nil {
		return nil, bufErr
	}
	return f.lineage(id)
}

func (f *fakeStore) BufferedDescendants(ctx context.Context, id uuid.UUID, maxDepth int) ([]hierarchy.Entity, error) {
	f.bump("BufferedDescendants")
	f.mu.Lock()
	bufErr := f.bufferErr
	f.mu.Unlock()
	if bufErr != nil {
		return nil, bufErr
	}
	return f.descendants(id, maxDepth)
}

func (f *fakeStore) GetEntity(ctx context.Context, id uuid.UUID) (hierarchy.Entity, error) {
	f.bump("GetEntity")
	f.mu.Lock()
	fn := f.getEntityFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}
	return f.entity(id)
}

func (f *fakeStore) GetAncestors(ctx context.Context, id uuid.UUID) ([]hierarchy.Entity, error) {
	f.bump("GetAncestors")
	return f.lineage(id)
}

func (f *fakeStore) GetDescendants(ctx context.Context, id uuid.UUID, maxDepth int) ([]hierarchy.Entity, error) {
	f.bump("GetDescendants")
	return f.descendants(id, maxDepth)
}

func (f *fakeStore) CountDescendants(ctx context.Context, base hierarchy.Path) (int64, error) {
	f.bump("CountDescendants")
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, o := range f.byID {
		if base.IsAncestorOf(o.Path) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ReadAncestry(ctx context.Context, id uuid.UUID) (hierarchy.Ancestry, error) {
	f.bump("ReadAncestry")
	f.mu.Lock()
	fn := f.readAncestryFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}
	return hierarchy.Ancestry{}, fmt.Errorf("ancestry for %s: %w", id, hierarchy.ErrNotFound)
}

func (f *fakeStore) ReadProjectedDescendants(ctx context.Context, base hierarchy.Path, maxDepth int) ([]hierarchy.Entity, error) {
	f.bump("ReadProjectedDescendants")
	f.mu.Lock()
	fn := f.readProjDescFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, base, maxDepth)
	}
	return nil, fmt.Errorf("projected descendants of %s: %w", base, hierarchy.ErrNotFound)
}

func (f *fakeStore) ReadHierarchyStats(ctx context.Context) ([]hierarchy.DepthStats, error) {
	f.bump("ReadHierarchyStats")
	f.mu.Lock()
	fn := f.readStatsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil, errors.New("materialized view hierarchy_stats has not been populated")
}

func (f *fakeStore) ComputeHierarchyStats(ctx context.Context) ([]hierarchy.DepthStats, error) {
	f.bump("ComputeHierarchyStats")
	f.mu.Lock()
	fn := f.computeStatsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	byDepth := make(map[int][]float64)
	for _, e := range f.byID {
		byDepth[e.Path.Depth()] = append(byDepth[e.Path.Depth()], e.Confidence)
	}
	depths := make([]int, 0, len(byDepth))
	for d := range byDepth {
		depths = append(depths, d)
	}
	sort.Ints(depths)
	out := make([]hierarchy.DepthStats, 0, len(depths))
	for _, d := range depths {
		confs := byDepth[d]
		stat := hierarchy.DepthStats{Depth: d, EntityCount: int64(len(confs)), MinConfidence: confs[0], MaxConfidence: confs[0]}
		var sum float64
		for _, c := range confs {
			sum += c
			if c < stat.MinConfidence {
				stat.MinConfidence = c
			}
			if c > stat.MaxConfidence {
				stat.MaxConfidence = c
			}
		}
		stat.MeanConfidence = sum / float64(len(confs))
		out = append(out, stat)
	}
	return out, nil
}

func (f *fakeStore) InvalidateBuffered(id uuid.UUID, path hierarchy.Path) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["InvalidateBuffered"]++
	f.invalidatedIDs = append(f.invalidatedIDs, id)
}

func (f *fakeStore) FlushBuffer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["FlushBuffer"]++
	f.bufferFlushes++
}

type stubPool struct {
	healthy bool
	stats   pool.Stats
}

func (p stubPool) Healthy() bool     { return p.healthy }
func (p stubPool) Stats() pool.Stats { return p.stats }

// flakyShared wraps the embedded shared cache with a switchable outage.
type flakyShared struct {
	inner *cache.MemoryCache
	fail  atomic.Bool
}

var _ cache.SharedCache = (*flakyShared)(nil)

func (s *flakyShared) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.fail.Load() {
		return nil, false, errors.New("connection refused")
	}
	return s.inner.Get(ctx, key)
}

func (s *flakyShared) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.fail.Load() {
		return errors.New("connection refused")
	}
	return s.inner.Set(ctx, key, value, ttl)
}

func (s *flakyShared) Delete(ctx context.Context, keys ...string) error {
	if s.fail.Load() {
		return errors.New("connection refused")
	}
	return s.inner.Delete(ctx, keys...)
}

func (s *flakyShared) Healthy(ctx context.Context) error {
	if s.fail.Load() {
		return errors.New("connection refused")
	}
	return s.inner.Healthy(ctx)
}

func (s *flakyShared) Close() error { return s.inner.Close() }

func worldEntities() []hierarchy.Entity {
	mk := func(path hierarchy.Path, name string, conf float64) hierarchy.Entity {
		return hierarchy.Entity{ID: uuid.New(), Path: path, Name: name, Kind: "region", Confidence: conf}
	}
	return []hierarchy.Entity{
		mk("world", "World", 1.0),
		mk("world.europe", "Europe", 0.99),
		mk("world.europe.ukraine", "Ukraine", 0.98),
		mk("world.europe.ukraine.kyiv", "Kyiv", 0.95),
	}
}

func testCoordinator(t *testing.T, st cache.EntityStore, shared cache.SharedCache, bus cache.InvalidationBus) *cache.Coordinator {
	t.Helper()
	c, err := cache.New(&cache.Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:      st,
		Pool:       stubPool{healthy: true},
		Shared:     shared,
		Bus:        bus,
		InstanceID: "test-" + uuid.NewString(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func TestCache_Coordinator_ConfigValidation(t *testing.T) {
	t.Parallel()

	valid := func() *cache.Config {
		return &cache.Config{
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
			Store:  newFakeStore(),
			Pool:   stubPool{healthy: true},
			Shared: cache.NewMemory(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*cache.Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*cache.Config) {}},
		{name: "missing logger", mutate: func(c *cache.Config) { c.Logger = nil }, wantErr: cache.ErrLoggerRequired},
		{name: "missing store", mutate: func(c *cache.Config) { c.Store = nil }, wantErr: cache.ErrStoreRequired},
		{name: "missing pool", mutate: func(c *cache.Config) { c.Pool = nil }, wantErr: cache.ErrPoolRequired},
		{name: "missing shared", mutate: func(c *cache.Config) { c.Shared = nil }, wantErr: cache.ErrSharedRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			_, err := cache.New(cfg)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotZero(t, cfg.L1MaxEntries)
			require.NotZero(t, cfg.SharedTTL)
			require.NotZero(t, cfg.ResolveConcurrency)
			require.NotEmpty(t, cfg.InstanceID)
		})
	}
}

func TestCache_Coordinator_ColdStartThenFastPath(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	kyiv := world[3]
	st := newFakeStore(world...)
	c := testCoordinator(t, st, cache.NewMemory(), nil)
	ctx := context.Background()

	a, err := c.ResolveAncestors(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Equal(t, kyiv.ID, a.EntityID)
	require.Equal(t, 4, a.Depth)
	require.Len(t, a.Lineage, 4)
	require.Equal(t, hierarchy.Path("world"), a.Lineage[0].Path)
	require.Equal(t, hierarchy.Path("world.europe.ukraine.kyiv"), a.Lineage[3].Path)
	require.Zero(t, a.DescendantCount)
	require.Equal(t, 1, st.callCount("BufferedAncestors"))

	// Second call is served from L1 without touching the store.
	again, err := c.ResolveAncestors(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(a, again))
	require.Equal(t, 1, st.callCount("BufferedAncestors"))
	require.Equal(t, 1, st.callCount("CountDescendants"))
	require.Greater(t, c.HitRates()["l1"], 0.0)
}

func TestCache_Coordinator_SecondProcessServedFromShared(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	kyiv := world[3]
	shared := cache.NewMemory()
	t.Cleanup(func() { _ = shared.Close() })
	ctx := context.Background()

	first := testCoordinator(t, newFakeStore(world...), shared, nil)
	resolved, err := first.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)

	// A sibling with an empty store answers entirely from L2.
	emptyStore := newFakeStore()
	second := testCoordinator(t, emptyStore, shared, nil)
	got, err := second.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(resolved, got))
	require.Equal(t, 0, emptyStore.callCount("BufferedEntity"))
	require.Equal(t, 0, emptyStore.callCount("GetEntity"))
}

func TestCache_Coordinator_InvalidationCoherence(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	kyiv := world[3]
	st := newFakeStore(world...)
	c := testCoordinator(t, st, cache.NewMemory(), nil)
	ctx := context.Background()

	got, err := c.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Equal(t, "Kyiv", got.Name)

	renamed := kyiv
	renamed.Name = "Kyiv (official)"
	st.put(renamed)

	// Without invalidation the cached resolution is still served.
	got, err = c.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Equal(t, "Kyiv", got.Name)

	c.InvalidateEntity(ctx, kyiv.ID, kyiv.Path)
	require.Contains(t, st.invalidatedIDs, kyiv.ID)
	require.Equal(t, []string{
		store.ProjectionDescendantCounts,
		store.ProjectionEntityAncestry,
		store.ProjectionHierarchyStats,
	}, c.StaleProjections())

	got, err = c.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Equal(t, "Kyiv (official)", got.Name, "post-invalidation resolve must not resurrect the old value")

	for _, p := range store.ProjectionNames() {
		c.HandleRefreshCompleted(ctx, p)
	}
	require.Empty(t, c.StaleProjections())
}

func TestCache_Coordinator_MidFlightInvalidationDiscardsPopulate(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	kyiv := world[3]
	st := newFakeStore(world...)
	c := testCoordinator(t, st, cache.NewMemory(), nil)
	ctx := context.Background()

	// The L3 read invalidates its own entity mid-flight, as a concurrent
	// mutation would. The returned value must not be cached.
	st.mu.Lock()
	st.bufferedEntityFn = func(ctx context.Context, id uuid.UUID) (hierarchy.Entity, error) {
		c.InvalidateEntity(ctx, id, kyiv.Path)
		return st.entity(id)
	}
	st.mu.Unlock()

	got, err := c.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Equal(t, kyiv.ID, got.ID)
	require.Equal(t, 1, st.callCount("BufferedEntity"))

	_, err = c.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Equal(t, 2, st.callCount("BufferedEntity"), "discarded populate must force a fresh read")

	st.mu.Lock()
	st.bufferedEntityFn = nil
	st.mu.Unlock()

	_, err = c.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Equal(t, 3, st.callCount("BufferedEntity"))
	_, err = c.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Equal(t, 3, st.callCount("BufferedEntity"), "undisturbed populate must serve from L1")
}

func TestCache_Coordinator_SharedOutageDegradesNotFails(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	kyiv := world[3]
	st := newFakeStore(world...)
	shared := &flakyShared{inner: cache.NewMemory()}
	shared.fail.Store(true)
	c := testCoordinator(t, st, shared, nil)
	ctx := context.Background()

	got, err := c.Resolve(ctx, kyiv.ID)
	require.NoError(t, err, "an unreachable shared tier must not fail the lookup")
	require.Equal(t, kyiv.ID, got.ID)

	h := c.Health(ctx)
	require.False(t, h.SharedHealthy)
	require.Equal(t, cache.StatusDegraded, h.Status)

	// L1 is unaffected by the outage.
	_, err = c.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Equal(t, 1, st.callCount("BufferedEntity"))

	shared.fail.Store(false)
	h = c.Health(ctx)
	require.True(t, h.SharedHealthy)
	require.Equal(t, cache.StatusHealthy, h.Status)
}

func TestCache_Coordinator_NotFoundSurfacesImmediately(t *testing.T) {
	t.Parallel()

	st := newFakeStore(worldEntities()...)
	c := testCoordinator(t, st, cache.NewMemory(), nil)

	_, err := c.Resolve(context.Background(), uuid.New())
	require.ErrorIs(t, err, hierarchy.ErrNotFound)
	require.Equal(t, 0, st.callCount("ReadAncestry"), "a missing entity must not probe lower tiers")
	require.Equal(t, 0, st.callCount("GetEntity"))
}

func TestCache_Coordinator_PoolExhaustionSurfacesImmediately(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	st := newFakeStore(world...)
	st.mu.Lock()
	st.bufferErr = fmt.Errorf("acquire: %w", pool.ErrPoolExhausted)
	st.mu.Unlock()
	c := testCoordinator(t, st, cache.NewMemory(), nil)

	_, err := c.Resolve(context.Background(), world[3].ID)
	require.ErrorIs(t, err, pool.ErrPoolExhausted)
	require.Equal(t, 0, st.callCount("ReadAncestry"), "exhaustion must not fan out more store work")
	require.Equal(t, 0, st.callCount("GetEntity"))
}

func TestCache_Coordinator_ProjectionServesWhenBufferedReadFails(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	europe, kyiv := world[1], world[3]
	st := newFakeStore(world...)
	st.mu.Lock()
	st.bufferErr = errors.New("statement timeout")
	st.readAncestryFn = func(ctx context.Context, id uuid.UUID) (hierarchy.Ancestry, error) {
		switch id {
		case kyiv.ID:
			return hierarchy.Ancestry{
				EntityID:        kyiv.ID,
				Path:            kyiv.Path,
				Depth:           kyiv.Path.Depth(),
				Lineage:         []hierarchy.Entity{world[0], world[1], world[2], kyiv},
				DescendantCount: 0,
			}, nil
		case europe.ID:
			return hierarchy.Ancestry{
				EntityID:        europe.ID,
				Path:            europe.Path,
				Depth:           europe.Path.Depth(),
				Lineage:         []hierarchy.Entity{world[0], europe},
				DescendantCount: 2,
			}, nil
		default:
			return hierarchy.Ancestry{}, fmt.Errorf("ancestry for %s: %w", id, hierarchy.ErrNotFound)
		}
	}
	st.readProjDescFn = func(ctx context.Context, base hierarchy.Path, maxDepth int) ([]hierarchy.Entity, error) {
		if base != europe.Path {
			return nil, fmt.Errorf("projected descendants of %s: %w", base, hierarchy.ErrNotFound)
		}
		return []hierarchy.Entity{world[2], kyiv}, nil
	}
	st.mu.Unlock()
	c := testCoordinator(t, st, cache.NewMemory(), nil)
	ctx := context.Background()

	got, err := c.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Equal(t, kyiv.ID, got.ID)
	require.Equal(t, 0, st.callCount("GetEntity"), "projection answered; no authoritative resolve needed")

	a, err := c.ResolveAncestors(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Len(t, a.Lineage, 4)
	require.Equal(t, 0, st.callCount("GetAncestors"))

	desc, err := c.ResolveDescendants(ctx, europe.ID, 0)
	require.NoError(t, err)
	require.Len(t, desc, 2)
	require.Equal(t, 0, st.callCount("GetDescendants"))
}

func TestCache_Coordinator_FullResolveWhenProjectionMissing(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	kyiv := world[3]
	st := newFakeStore(world...)
	st.mu.Lock()
	st.bufferErr = errors.New("statement timeout")
	st.mu.Unlock()
	c := testCoordinator(t, st, cache.NewMemory(), nil)

	// L3 fails, L4 has nothing projected: the authoritative read answers.
	got, err := c.Resolve(context.Background(), kyiv.ID)
	require.NoError(t, err)
	require.Equal(t, kyiv.ID, got.ID)
	require.Equal(t, 1, st.callCount("ReadAncestry"))
	require.Equal(t, 1, st.callCount("GetEntity"))
}

func TestCache_Coordinator_StampedeCollapsesToOneResolve(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	kyiv := world[3]
	st := newFakeStore(world...)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	st.mu.Lock()
	st.bufferErr = errors.New("statement timeout")
	st.getEntityFn = func(ctx context.Context, id uuid.UUID) (hierarchy.Entity, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
		return st.entity(id)
	}
	st.mu.Unlock()
	c := testCoordinator(t, st, cache.NewMemory(), nil)
	ctx := context.Background()

	const callers = 10
	results := make(chan error, callers)
	run := func() {
		_, err := c.Resolve(ctx, kyiv.ID)
		results <- err
	}

	go run()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("leader never reached the authoritative resolve")
	}
	for i := 1; i < callers; i++ {
		go run()
	}
	// Give the followers time to reach the in-flight resolve.
	time.Sleep(100 * time.Millisecond)
	close(gate)

	for i := 0; i < callers; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("resolve did not complete")
		}
	}
	require.Equal(t, 1, st.callCount("GetEntity"), "concurrent misses must share one resolve")
}

func TestCache_Coordinator_StatsFallBackAndRefresh(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	st := newFakeStore(world...)
	c := testCoordinator(t, st, cache.NewMemory(), nil)
	ctx := context.Background()

	// The stats projection starts unpopulated; the base aggregate answers.
	stats, err := c.ResolveStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 4)
	require.Equal(t, int64(1), stats[0].EntityCount)
	require.InDelta(t, 1.0, stats[0].MeanConfidence, 1e-9)
	require.Equal(t, 1, st.callCount("ReadHierarchyStats"))
	require.Equal(t, 1, st.callCount("ComputeHierarchyStats"))

	// Cached now.
	_, err = c.ResolveStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.callCount("ComputeHierarchyStats"))

	// After a refresh the projection serves and the cached copy is dropped.
	projected := []hierarchy.DepthStats{{Depth: 1, EntityCount: 4, MeanConfidence: 0.98, MinConfidence: 0.95, MaxConfidence: 1.0}}
	st.mu.Lock()
	st.readStatsFn = func(ctx context.Context) ([]hierarchy.DepthStats, error) { return projected, nil }
	st.mu.Unlock()
	c.HandleRefreshCompleted(ctx, store.ProjectionHierarchyStats)

	stats, err = c.ResolveStats(ctx)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(projected, stats))
	require.Equal(t, 1, st.callCount("ComputeHierarchyStats"), "projection hit must not recompute")
}

func TestCache_Coordinator_DescendantVariantsCachedSeparately(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	europe := world[1]
	st := newFakeStore(world...)
	c := testCoordinator(t, st, cache.NewMemory(), nil)
	ctx := context.Background()

	all, err := c.ResolveDescendants(ctx, europe.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 2) // ukraine, kyiv

	direct, err := c.ResolveDescendants(ctx, europe.ID, 1)
	require.NoError(t, err)
	require.Len(t, direct, 1) // ukraine
	require.Equal(t, 2, st.callCount("BufferedDescendants"), "depth-bounded lookups are distinct cache entries")

	_, err = c.ResolveDescendants(ctx, europe.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 2, st.callCount("BufferedDescendants"))
}

func TestCache_Coordinator_RunAppliesRemoteInvalidations(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	kyiv := world[3]
	st := newFakeStore(world...)
	shared := cache.NewMemory()
	t.Cleanup(func() { _ = shared.Close() })

	c, err := cache.New(&cache.Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:      st,
		Pool:       stubPool{healthy: true},
		Shared:     shared,
		Bus:        shared,
		InstanceID: "local-1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	_, err = c.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)
	before := st.callCount("BufferedEntity")

	// A sibling's invalidation must evict the local entry once the
	// subscription is live.
	require.Eventually(t, func() bool {
		require.NoError(t, shared.Publish(ctx, cache.Invalidation{
			Origin:   "remote-1",
			Kind:     cache.InvalidationEntity,
			EntityID: kyiv.ID,
			Path:     kyiv.Path,
		}))
		_, err := c.Resolve(ctx, kyiv.ID)
		require.NoError(t, err)
		return st.callCount("BufferedEntity") > before
	}, 2*time.Second, 20*time.Millisecond)

	// Messages from this instance are already applied and must be skipped.
	count := st.callCount("BufferedEntity")
	require.NoError(t, shared.Publish(ctx, cache.Invalidation{
		Origin:   "local-1",
		Kind:     cache.InvalidationEntity,
		EntityID: kyiv.ID,
		Path:     kyiv.Path,
	}))
	_, err = c.Resolve(ctx, kyiv.ID)
	require.NoError(t, err)
	require.Equal(t, count, st.callCount("BufferedEntity"))

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop with its context")
	}
}

func TestCache_Coordinator_HealthStatuses(t *testing.T) {
	t.Parallel()

	world := worldEntities()
	st := newFakeStore(world...)
	ctx := context.Background()

	t.Run("unavailable without pool", func(t *testing.T) {
		t.Parallel()
		c, err := cache.New(&cache.Config{
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
			Store:  st,
			Pool:   stubPool{healthy: false},
			Shared: cache.NewMemory(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, c.Close()) })
		require.Equal(t, cache.StatusUnavailable, c.Health(ctx).Status)
	})

	t.Run("degraded while projections stale", func(t *testing.T) {
		t.Parallel()
		c := testCoordinator(t, newFakeStore(world...), cache.NewMemory(), nil)
		kyiv := world[3]
		c.InvalidateEntity(ctx, kyiv.ID, kyiv.Path)
		h := c.Health(ctx)
		require.Equal(t, cache.StatusDegraded, h.Status)
		require.NotEmpty(t, h.StaleProjections)

		for _, p := range store.ProjectionNames() {
			c.HandleRefreshCompleted(ctx, p)
		}
		require.Equal(t, cache.StatusHealthy, c.Health(ctx).Status)
	})
}
