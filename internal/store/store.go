// Package store provides PostgreSQL persistence for the entity hierarchy:
// materialized-path queries, attribute matching, mutations, schema
// management, and the materialized projections derived from the base table.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlabs/gazetteer/internal/hierarchy"
	"github.com/meridianlabs/gazetteer/internal/metrics"
	"github.com/meridianlabs/gazetteer/internal/pool"
)

var (
	ErrLoggerRequired = errors.New("logger is required")
	ErrPoolRequired   = errors.New("pool is required")
)

const (
	defaultBufferMaxCost = 64 << 10 // row-equivalents
	defaultBufferTTL     = 15 * time.Second

	bufferNumCountersFactor = 10
)

type Config struct {
	Logger *slog.Logger
	Pool   *pool.Manager

	// Scorer ranks attribute-match candidates. Defaults to LexicalScorer.
	Scorer Scorer

	// BufferMaxCost bounds the read-through row buffer, measured in
	// row-equivalents (one entity costs 1, a list costs 1 per element).
	BufferMaxCost int64
	// BufferTTL bounds staleness of buffered rows.
	BufferTTL time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Pool == nil {
		return ErrPoolRequired
	}
	if c.Scorer == nil {
		c.Scorer = LexicalScorer{}
	}
	if c.BufferMaxCost <= 0 {
		c.BufferMaxCost = defaultBufferMaxCost
	}
	if c.BufferTTL <= 0 {
		c.BufferTTL = defaultBufferTTL
	}
	return nil
}

type Store struct {
	log    *slog.Logger
	cfg    Config
	pool   *pool.Manager
	buffer *ristretto.Cache

	bufMu   sync.Mutex
	bufGens map[uuid.UUID]uint64
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	buffer, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.BufferMaxCost * bufferNumCountersFactor,
		MaxCost:     cfg.BufferMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create row buffer: %w", err)
	}

	return &Store{
		log:     cfg.Logger,
		cfg:     cfg,
		pool:    cfg.Pool,
		buffer:  buffer,
		bufGens: make(map[uuid.UUID]uint64),
	}, nil
}

func (s *Store) Close() {
	s.buffer.Close()
}

// Pool exposes the underlying connection pool manager for health reporting.
func (s *Store) Pool() *pool.Manager { return s.pool }

const entityColumns = `id, path, name, kind, metadata, confidence, latitude, longitude, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (hierarchy.Entity, error) {
	var (
		e        hierarchy.Entity
		pathStr  string
		lat, lon *float64
	)
	err := row.Scan(&e.ID, &pathStr, &e.Name, &e.Kind, &e.Metadata, &e.Confidence, &lat, &lon, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return hierarchy.Entity{}, err
	}
	e.Path = hierarchy.Path(pathStr)
	if lat != nil && lon != nil {
		e.Location = &hierarchy.Coordinate{Latitude: *lat, Longitude: *lon}
	}
	return e, nil
}

func scanEntities(rows pgx.Rows) ([]hierarchy.Entity, error) {
	defer rows.Close()
	var out []hierarchy.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func observeQuery(query string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, hierarchy.ErrNotFound) || errors.Is(err, pgx.ErrNoRows):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	metrics.StoreQueriesTotal.WithLabelValues(query, result).Inc()
}

// GetEntity reads one live entity by id straight from the base table.
func (s *Store) GetEntity(ctx context.Context, id uuid.UUID) (hierarchy.Entity, error) {
	var e hierarchy.Entity
	err := s.pool.Retry(ctx, "get_entity", func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
			row := conn.QueryRow(ctx,
				`SELECT `+entityColumns+` FROM entities WHERE id = $1 AND deleted_at IS NULL`, id)
			var scanErr error
			e, scanErr = scanEntity(row)
			return scanErr
		})
	})
	observeQuery("get_entity", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return hierarchy.Entity{}, fmt.Errorf("entity %s: %w", id, hierarchy.ErrNotFound)
		}
		return hierarchy.Entity{}, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// GetEntityByPath reads one live entity by its materialized path.
func (s *Store) GetEntityByPath(ctx context.Context, path hierarchy.Path) (hierarchy.Entity, error) {
	var e hierarchy.Entity
	err := s.pool.Retry(ctx, "get_entity_by_path", func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
			row := conn.QueryRow(ctx,
				`SELECT `+entityColumns+` FROM entities WHERE path = $1 AND deleted_at IS NULL`, path.String())
			var scanErr error
			e, scanErr = scanEntity(row)
			return scanErr
		})
	})
	observeQuery("get_entity_by_path", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return hierarchy.Entity{}, fmt.Errorf("path %s: %w", path, hierarchy.ErrNotFound)
		}
		return hierarchy.Entity{}, fmt.Errorf("get entity by path: %w", err)
	}
	return e, nil
}

// GetAncestors returns the root-first chain ending with the entity itself.
// A root entity yields only itself; for a well-formed hierarchy the result
// length equals the entity's depth.
func (s *Store) GetAncestors(ctx context.Context, id uuid.UUID) ([]hierarchy.Entity, error) {
	e, err := s.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}

	prefixes := e.Path.Ancestors()
	if len(prefixes) == 0 {
		return []hierarchy.Entity{e}, nil
	}
	paths := make([]string, len(prefixes))
	for i, p := range prefixes {
		paths[i] = p.String()
	}

	var ancestors []hierarchy.Entity
	err = s.pool.Retry(ctx, "get_ancestors", func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
			rows, err := conn.Query(ctx,
				`SELECT `+entityColumns+` FROM entities WHERE path = ANY($1) AND deleted_at IS NULL`, paths)
			if err != nil {
				return err
			}
			ancestors, err = scanEntities(rows)
			return err
		})
	})
	observeQuery("get_ancestors", err)
	if err != nil {
		return nil, fmt.Errorf("get ancestors: %w", err)
	}

	sort.Slice(ancestors, func(i, j int) bool {
		return ancestors[i].Path.Depth() < ancestors[j].Path.Depth()
	})
	if len(ancestors) != len(prefixes) {
		s.log.Warn("Ancestor chain has gaps", "entity", id, "path", e.Path, "found", len(ancestors), "expected", len(prefixes))
	}
	return append(ancestors, e), nil
}

// GetDescendants returns every live entity under the given entity's subtree,
// ordered by path. maxDepth limits how many levels below the entity are
// included; zero or negative means unbounded. The entity itself is excluded.
func (s *Store) GetDescendants(ctx context.Context, id uuid.UUID, maxDepth int) ([]hierarchy.Entity, error) {
	e, err := s.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + entityColumns + ` FROM entities WHERE path LIKE $1 ESCAPE '\' AND deleted_at IS NULL`
	args := []any{likePrefix(e.Path)}
	if maxDepth > 0 {
		query += ` AND cardinality(string_to_array(path, '.')) <= $2`
		args = append(args, e.Path.Depth()+maxDepth)
	}
	query += ` ORDER BY path`

	var descendants []hierarchy.Entity
	err = s.pool.Retry(ctx, "get_descendants", func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
			rows, err := conn.Query(ctx, query, args...)
			if err != nil {
				return err
			}
			descendants, err = scanEntities(rows)
			return err
		})
	})
	observeQuery("get_descendants", err)
	if err != nil {
		return nil, fmt.Errorf("get descendants: %w", err)
	}
	if descendants == nil {
		descendants = []hierarchy.Entity{}
	}
	return descendants, nil
}

// CountEntities returns the number of live entities.
func (s *Store) CountEntities(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.Retry(ctx, "count_entities", func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
			return conn.QueryRow(ctx, `SELECT count(*) FROM entities WHERE deleted_at IS NULL`).Scan(&n)
		})
	})
	observeQuery("count_entities", err)
	if err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}

// CountDescendants counts the live entities strictly under base.
func (s *Store) CountDescendants(ctx context.Context, base hierarchy.Path) (int64, error) {
	var n int64
	err := s.pool.Retry(ctx, "count_descendants", func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
			return conn.QueryRow(ctx,
				`SELECT count(*) FROM entities WHERE path LIKE $1 ESCAPE '\' AND deleted_at IS NULL`,
				likePrefix(base)).Scan(&n)
		})
	})
	observeQuery("count_descendants", err)
	if err != nil {
		return 0, fmt.Errorf("count descendants: %w", err)
	}
	return n, nil
}

// likePrefix builds a LIKE pattern matching strict descendants of p,
// escaping pattern metacharacters that may appear in segments.
func likePrefix(p hierarchy.Path) string {
	escaped := make([]byte, 0, len(p)+8)
	for i := 0; i < len(p); i++ {
		switch c := p[i]; c {
		case '\\', '%', '_':
			escaped = append(escaped, '\\', c)
		default:
			escaped = append(escaped, c)
		}
	}
	return string(escaped) + hierarchy.Delimiter + "%"
}
