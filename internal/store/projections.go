package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlabs/gazetteer/internal/hierarchy"
)

const (
	ProjectionEntityAncestry   = "entity_ancestry"
	ProjectionDescendantCounts = "descendant_counts"
	ProjectionHierarchyStats   = "hierarchy_stats"
)

var (
	ErrUnknownProjection = errors.New("unknown projection")

	// ErrConcurrentRefreshUnsupported marks refreshes the database refused
	// to run non-blocking: unpopulated views and views without a unique
	// index. Callers fall back to a blocking refresh.
	ErrConcurrentRefreshUnsupported = errors.New("concurrent refresh unsupported")
)

func ProjectionNames() []string {
	return []string{ProjectionEntityAncestry, ProjectionDescendantCounts, ProjectionHierarchyStats}
}

func KnownProjection(name string) bool {
	switch name {
	case ProjectionEntityAncestry, ProjectionDescendantCounts, ProjectionHierarchyStats:
		return true
	}
	return false
}

// RefreshMaterializedView rebuilds one projection. With concurrently set,
// readers are not blocked during the rebuild; the database rejects that
// mode with ErrConcurrentRefreshUnsupported when prerequisites are unmet.
// No automatic retry here: rebuilds are expensive and the refresher owns
// the fallback policy.
func (s *Store) RefreshMaterializedView(ctx context.Context, name string, concurrently bool) error {
	if !KnownProjection(name) {
		return fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}

	stmt := "REFRESH MATERIALIZED VIEW "
	if concurrently {
		stmt += "CONCURRENTLY "
	}
	stmt += pgx.Identifier{name}.Sanitize()

	err := s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, stmt)
		return err
	})
	observeQuery("refresh_materialized_view", err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "0A000", // feature_not_supported: no unique index
				"55000": // object_not_in_prerequisite_state: not yet populated
				return fmt.Errorf("%w: %s: %s", ErrConcurrentRefreshUnsupported, name, pgErr.Message)
			}
		}
		return fmt.Errorf("refresh %s: %w", name, err)
	}
	return nil
}

// ReadAncestry reads one entity's row from the ancestry projection. A
// missing row (entity created after the last rebuild) is ErrNotFound.
func (s *Store) ReadAncestry(ctx context.Context, id uuid.UUID) (hierarchy.Ancestry, error) {
	var (
		a          hierarchy.Ancestry
		pathStr    string
		lineageRaw []byte
	)
	err := s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT entity_id, path, depth, lineage, descendant_count
			FROM entity_ancestry WHERE entity_id = $1`, id).
			Scan(&a.EntityID, &pathStr, &a.Depth, &lineageRaw, &a.DescendantCount)
	})
	observeQuery("read_ancestry", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return hierarchy.Ancestry{}, fmt.Errorf("ancestry for %s: %w", id, hierarchy.ErrNotFound)
		}
		return hierarchy.Ancestry{}, fmt.Errorf("read ancestry: %w", err)
	}
	a.Path = hierarchy.Path(pathStr)
	if err := json.Unmarshal(lineageRaw, &a.Lineage); err != nil {
		return hierarchy.Ancestry{}, fmt.Errorf("decode lineage for %s: %w", id, err)
	}
	return a, nil
}

// ReadProjectedDescendants lists an entity's descendants from the ancestry
// projection, each row's own entity record extracted from its lineage.
// Results reflect the last rebuild, ordered by path.
func (s *Store) ReadProjectedDescendants(ctx context.Context, base hierarchy.Path, maxDepth int) ([]hierarchy.Entity, error) {
	query := `
		SELECT lineage -> -1
		FROM entity_ancestry
		WHERE left(path, length($1::text) + 1) = $1::text || '.'`
	args := []any{base.String()}
	if maxDepth > 0 {
		query += ` AND depth <= $2`
		args = append(args, base.Depth()+maxDepth)
	}
	query += ` ORDER BY path`

	var out []hierarchy.Entity
	err := s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			var e hierarchy.Entity
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("decode projected entity: %w", err)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	observeQuery("read_projected_descendants", err)
	if err != nil {
		return nil, fmt.Errorf("read projected descendants: %w", err)
	}
	if out == nil {
		out = []hierarchy.Entity{}
	}
	return out, nil
}

// ReadDescendantCount reads one entity's subtree size from the
// descendant-count projection.
func (s *Store) ReadDescendantCount(ctx context.Context, id uuid.UUID) (int64, error) {
	var n int64
	err := s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT descendant_count FROM descendant_counts WHERE entity_id = $1`, id).Scan(&n)
	})
	observeQuery("read_descendant_count", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("descendant count for %s: %w", id, hierarchy.ErrNotFound)
		}
		return 0, fmt.Errorf("read descendant count: %w", err)
	}
	return n, nil
}

// ReadHierarchyStats reads the per-depth aggregate projection.
func (s *Store) ReadHierarchyStats(ctx context.Context) ([]hierarchy.DepthStats, error) {
	var out []hierarchy.DepthStats
	err := s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT depth, entity_count, mean_confidence, min_confidence, max_confidence
			FROM hierarchy_stats ORDER BY depth`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d hierarchy.DepthStats
			if err := rows.Scan(&d.Depth, &d.EntityCount, &d.MeanConfidence, &d.MinConfidence, &d.MaxConfidence); err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	observeQuery("read_hierarchy_stats", err)
	if err != nil {
		return nil, fmt.Errorf("read hierarchy stats: %w", err)
	}
	return out, nil
}

// ComputeHierarchyStats aggregates the per-depth stats directly from the
// base table. It is the authoritative fallback for callers that cannot
// tolerate hierarchy_stats lagging (or being unpopulated).
func (s *Store) ComputeHierarchyStats(ctx context.Context) ([]hierarchy.DepthStats, error) {
	var out []hierarchy.DepthStats
	err := s.pool.Retry(ctx, "compute_hierarchy_stats", func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
			rows, err := conn.Query(ctx, `
				SELECT
					cardinality(string_to_array(path, '.')) AS depth,
					count(*)        AS entity_count,
					avg(confidence) AS mean_confidence,
					min(confidence) AS min_confidence,
					max(confidence) AS max_confidence
				FROM entities
				WHERE deleted_at IS NULL
				GROUP BY 1
				ORDER BY 1`)
			if err != nil {
				return err
			}
			defer rows.Close()
			out = out[:0]
			for rows.Next() {
				var d hierarchy.DepthStats
				if err := rows.Scan(&d.Depth, &d.EntityCount, &d.MeanConfidence, &d.MinConfidence, &d.MaxConfidence); err != nil {
					return err
				}
				out = append(out, d)
			}
			return rows.Err()
		})
	})
	observeQuery("compute_hierarchy_stats", err)
	if err != nil {
		return nil, fmt.Errorf("compute hierarchy stats: %w", err)
	}
	return out, nil
}
