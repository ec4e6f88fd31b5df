package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianlabs/gazetteer/internal/hierarchy"
	"github.com/meridianlabs/gazetteer/internal/metrics"
)

// The row buffer amortizes repeated keyed reads of hot entities. Entries
// carry a short TTL so staleness is bounded even without invalidation.

func bufferEntityKey(id uuid.UUID) string    { return "e:" + id.String() }
func bufferPathKey(p hierarchy.Path) string  { return "p:" + p.String() }
func bufferAncestorsKey(id uuid.UUID) string { return "a:" + id.String() }

// Descendant-list keys embed a per-entity generation because the buffered
// depth variants cannot be enumerated at invalidation time. Bumping the
// generation orphans them; orphans age out via TTL and eviction.
func (s *Store) bufferDescendantsKey(id uuid.UUID, maxDepth int) string {
	return fmt.Sprintf("d:%s:%d:%d", id, s.bufferGen(id), maxDepth)
}

func (s *Store) bufferGen(id uuid.UUID) uint64 {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.bufGens[id]
}

func (s *Store) bumpBufferGen(id uuid.UUID) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	s.bufGens[id]++
}

// BufferedEntity is GetEntity through the row buffer.
func (s *Store) BufferedEntity(ctx context.Context, id uuid.UUID) (hierarchy.Entity, error) {
	key := bufferEntityKey(id)
	if v, ok := s.buffer.Get(key); ok {
		metrics.CacheHitsTotal.WithLabelValues("buffer", "entity").Inc()
		return v.(hierarchy.Entity), nil
	}
	metrics.CacheMissesTotal.WithLabelValues("buffer", "entity").Inc()

	e, err := s.GetEntity(ctx, id)
	if err != nil {
		return hierarchy.Entity{}, err
	}
	s.buffer.SetWithTTL(key, e, 1, s.cfg.BufferTTL)
	return e, nil
}

// BufferedEntityByPath is GetEntityByPath through the row buffer.
func (s *Store) BufferedEntityByPath(ctx context.Context, path hierarchy.Path) (hierarchy.Entity, error) {
	key := bufferPathKey(path)
	if v, ok := s.buffer.Get(key); ok {
		metrics.CacheHitsTotal.WithLabelValues("buffer", "entity_by_path").Inc()
		return v.(hierarchy.Entity), nil
	}
	metrics.CacheMissesTotal.WithLabelValues("buffer", "entity_by_path").Inc()

	e, err := s.GetEntityByPath(ctx, path)
	if err != nil {
		return hierarchy.Entity{}, err
	}
	s.buffer.SetWithTTL(key, e, 1, s.cfg.BufferTTL)
	return e, nil
}

// BufferedAncestors is GetAncestors through the row buffer.
func (s *Store) BufferedAncestors(ctx context.Context, id uuid.UUID) ([]hierarchy.Entity, error) {
	key := bufferAncestorsKey(id)
	if v, ok := s.buffer.Get(key); ok {
		metrics.CacheHitsTotal.WithLabelValues("buffer", "ancestors").Inc()
		return v.([]hierarchy.Entity), nil
	}
	metrics.CacheMissesTotal.WithLabelValues("buffer", "ancestors").Inc()

	ancestors, err := s.GetAncestors(ctx, id)
	if err != nil {
		return nil, err
	}
	s.buffer.SetWithTTL(key, ancestors, int64(1+len(ancestors)), s.cfg.BufferTTL)
	return ancestors, nil
}

// BufferedDescendants is GetDescendants through the row buffer.
func (s *Store) BufferedDescendants(ctx context.Context, id uuid.UUID, maxDepth int) ([]hierarchy.Entity, error) {
	key := s.bufferDescendantsKey(id, maxDepth)
	if v, ok := s.buffer.Get(key); ok {
		metrics.CacheHitsTotal.WithLabelValues("buffer", "descendants").Inc()
		return v.([]hierarchy.Entity), nil
	}
	metrics.CacheMissesTotal.WithLabelValues("buffer", "descendants").Inc()

	descendants, err := s.GetDescendants(ctx, id, maxDepth)
	if err != nil {
		return nil, err
	}
	s.buffer.SetWithTTL(key, descendants, int64(1+len(descendants)), s.cfg.BufferTTL)
	return descendants, nil
}

// InvalidateBuffered drops an entity's keyed entries from the row buffer
// and orphans its buffered descendant lists. Derived lists held for other
// entities age out via the buffer TTL.
func (s *Store) InvalidateBuffered(id uuid.UUID, path hierarchy.Path) {
	s.buffer.Del(bufferEntityKey(id))
	s.buffer.Del(bufferAncestorsKey(id))
	if path != "" {
		s.buffer.Del(bufferPathKey(path))
	}
	s.bumpBufferGen(id)
}

// FlushBuffer drops every buffered row and resets the descendant-key
// generations. Used when derived namespaces are rebuilt wholesale.
func (s *Store) FlushBuffer() {
	s.buffer.Clear()
	s.bufMu.Lock()
	s.bufGens = make(map[uuid.UUID]uint64)
	s.bufMu.Unlock()
}
