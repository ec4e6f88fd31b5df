package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSchemaMismatch reports drift between the live database schema and what
// this build expects. Treated as fatal at startup: serving queries against
// a drifted schema corrupts caches and projections silently.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Migrations run in order and are individually idempotent. The projections
// are created WITH NO DATA; the first refresh populates them.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		id         UUID PRIMARY KEY,
		path       TEXT NOT NULL,
		name       TEXT NOT NULL,
		kind       TEXT NOT NULL DEFAULT '',
		metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0
			CHECK (confidence >= 0.0 AND confidence <= 1.0),
		latitude   DOUBLE PRECISION,
		longitude  DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at TIMESTAMPTZ
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS entities_live_path_idx
		ON entities (path) WHERE deleted_at IS NULL`,

	`CREATE INDEX IF NOT EXISTS entities_live_path_prefix_idx
		ON entities (path text_pattern_ops) WHERE deleted_at IS NULL`,

	`CREATE INDEX IF NOT EXISTS entities_live_kind_idx
		ON entities (kind) WHERE deleted_at IS NULL`,

	`CREATE INDEX IF NOT EXISTS entities_live_name_idx
		ON entities (lower(name)) WHERE deleted_at IS NULL`,

	`CREATE INDEX IF NOT EXISTS entities_live_metadata_idx
		ON entities USING gin (metadata) WHERE deleted_at IS NULL`,

	// Lineage objects mirror the entity JSON shape so rows deserialize
	// directly into entity records.
	`CREATE MATERIALIZED VIEW IF NOT EXISTS entity_ancestry AS
		SELECT
			e.id   AS entity_id,
			e.path AS path,
			cardinality(string_to_array(e.path, '.')) AS depth,
			(
				SELECT COALESCE(jsonb_agg(jsonb_build_object(
					'id', a.id,
					'path', a.path,
					'name', a.name,
					'kind', a.kind,
					'metadata', a.metadata,
					'confidence', a.confidence,
					'location', CASE
						WHEN a.latitude IS NOT NULL AND a.longitude IS NOT NULL
						THEN jsonb_build_object('latitude', a.latitude, 'longitude', a.longitude)
						ELSE NULL
					END,
					'created_at', a.created_at,
					'updated_at', a.updated_at
				) ORDER BY cardinality(string_to_array(a.path, '.'))), '[]'::jsonb)
				FROM entities a
				WHERE a.deleted_at IS NULL
				  AND (a.path = e.path OR left(e.path, length(a.path) + 1) = a.path || '.')
			) AS lineage,
			(
				SELECT count(*) FROM entities d
				WHERE d.deleted_at IS NULL AND left(d.path, length(e.path) + 1) = e.path || '.'
			) AS descendant_count
		FROM entities e
		WHERE e.deleted_at IS NULL
	WITH NO DATA`,

	`CREATE UNIQUE INDEX IF NOT EXISTS entity_ancestry_entity_id_idx
		ON entity_ancestry (entity_id)`,

	`CREATE MATERIALIZED VIEW IF NOT EXISTS descendant_counts AS
		SELECT
			e.id   AS entity_id,
			e.path AS path,
			(
				SELECT count(*) FROM entities d
				WHERE d.deleted_at IS NULL AND left(d.path, length(e.path) + 1) = e.path || '.'
			) AS descendant_count
		FROM entities e
		WHERE e.deleted_at IS NULL
	WITH NO DATA`,

	`CREATE UNIQUE INDEX IF NOT EXISTS descendant_counts_entity_id_idx
		ON descendant_counts (entity_id)`,

	// Aggregate view keyed by depth; refreshed blocking since it carries
	// no unique index.
	`CREATE MATERIALIZED VIEW IF NOT EXISTS hierarchy_stats AS
		SELECT
			cardinality(string_to_array(path, '.')) AS depth,
			count(*)        AS entity_count,
			avg(confidence) AS mean_confidence,
			min(confidence) AS min_confidence,
			max(confidence) AS max_confidence
		FROM entities
		WHERE deleted_at IS NULL
		GROUP BY 1
	WITH NO DATA`,
}

// Migrate applies the schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	s.log.Info("Applying schema migrations", "statements", len(migrations))
	return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		for i, stmt := range migrations {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// expected column name -> information_schema data type.
var expectedEntityColumns = map[string]string{
	"id":         "uuid",
	"path":       "text",
	"name":       "text",
	"kind":       "text",
	"metadata":   "jsonb",
	"confidence": "double precision",
	"latitude":   "double precision",
	"longitude":  "double precision",
	"created_at": "timestamp with time zone",
	"updated_at": "timestamp with time zone",
	"deleted_at": "timestamp with time zone",
}

var expectedIndexes = []string{
	"entities_live_path_idx",
	"entity_ancestry_entity_id_idx",
	"descendant_counts_entity_id_idx",
}

// ValidateSchema compares the live schema against this build's
// expectations and returns ErrSchemaMismatch describing every deviation.
// Callers should treat a mismatch as fatal.
func (s *Store) ValidateSchema(ctx context.Context) error {
	var problems []string

	err := s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT column_name, data_type
			FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = 'entities'`)
		if err != nil {
			return fmt.Errorf("read entity columns: %w", err)
		}
		live := map[string]string{}
		for rows.Next() {
			var name, typ string
			if err := rows.Scan(&name, &typ); err != nil {
				rows.Close()
				return fmt.Errorf("scan entity column: %w", err)
			}
			live[name] = typ
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read entity columns: %w", err)
		}

		if len(live) == 0 {
			problems = append(problems, "table entities is missing")
		} else {
			for col, want := range expectedEntityColumns {
				got, ok := live[col]
				if !ok {
					problems = append(problems, fmt.Sprintf("entities.%s is missing", col))
					continue
				}
				if got != want {
					problems = append(problems, fmt.Sprintf("entities.%s has type %s, want %s", col, got, want))
				}
			}
		}

		for _, idx := range expectedIndexes {
			var exists bool
			err := conn.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM pg_indexes
					WHERE schemaname = current_schema() AND indexname = $1
				)`, idx).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check index %s: %w", idx, err)
			}
			if !exists {
				problems = append(problems, fmt.Sprintf("index %s is missing", idx))
			}
		}

		for _, name := range ProjectionNames() {
			var exists bool
			err := conn.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM pg_matviews
					WHERE schemaname = current_schema() AND matviewname = $1
				)`, name).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check projection %s: %w", name, err)
			}
			if !exists {
				problems = append(problems, fmt.Sprintf("projection %s is missing", name))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("validate schema: %w", err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrSchemaMismatch, strings.Join(problems, "; "))
	}
	return nil
}
