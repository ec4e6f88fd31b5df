package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlabs/gazetteer/internal/hierarchy"
)

var (
	ErrPathOccupied   = errors.New("path already occupied by a live entity")
	ErrParentMissing  = errors.New("parent path does not exist")
	ErrPathImmutable  = errors.New("entity path cannot change")
	ErrHasDescendants = errors.New("entity has live descendants")
)

// Insert creates one entity. Non-root paths require a live parent, and the
// path must not be occupied. A zero ID is assigned. Returns the stored row.
func (s *Store) Insert(ctx context.Context, e hierarchy.Entity) (hierarchy.Entity, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	if err := e.Validate(); err != nil {
		return hierarchy.Entity{}, fmt.Errorf("invalid entity: %w", err)
	}

	var stored hierarchy.Entity
	err := s.pool.Retry(ctx, "insert_entity", func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
			return s.inTx(ctx, conn, func(tx pgx.Tx) error {
				if parent, ok := e.Path.Parent(); ok {
					var exists bool
					err := tx.QueryRow(ctx,
						`SELECT EXISTS (SELECT 1 FROM entities WHERE path = $1 AND deleted_at IS NULL)`,
						parent.String()).Scan(&exists)
					if err != nil {
						return err
					}
					if !exists {
						return fmt.Errorf("%w: %s", ErrParentMissing, parent)
					}
				}

				var lat, lon *float64
				if e.Location != nil {
					lat, lon = &e.Location.Latitude, &e.Location.Longitude
				}
				row := tx.QueryRow(ctx, `
					INSERT INTO entities (id, path, name, kind, metadata, confidence, latitude, longitude)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
					RETURNING `+entityColumns,
					e.ID, e.Path.String(), e.Name, e.Kind, e.Metadata, e.Confidence, lat, lon)
				var scanErr error
				stored, scanErr = scanEntity(row)
				return scanErr
			})
		})
	})
	observeQuery("insert_entity", err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return hierarchy.Entity{}, fmt.Errorf("%w: %s", ErrPathOccupied, e.Path)
		}
		if errors.Is(err, ErrParentMissing) {
			return hierarchy.Entity{}, err
		}
		return hierarchy.Entity{}, fmt.Errorf("insert entity: %w", err)
	}
	return stored, nil
}

// Update rewrites an entity's attributes. The path is immutable; moving a
// node means inserting a new subtree.
func (s *Store) Update(ctx context.Context, e hierarchy.Entity) (hierarchy.Entity, error) {
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	if err := e.Validate(); err != nil {
		return hierarchy.Entity{}, fmt.Errorf("invalid entity: %w", err)
	}

	var stored hierarchy.Entity
	err := s.pool.Retry(ctx, "update_entity", func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
			var current string
			err := conn.QueryRow(ctx,
				`SELECT path FROM entities WHERE id = $1 AND deleted_at IS NULL`, e.ID).Scan(&current)
			if err != nil {
				return err
			}
			if current != e.Path.String() {
				return fmt.Errorf("%w: stored %s, got %s", ErrPathImmutable, current, e.Path)
			}

			var lat, lon *float64
			if e.Location != nil {
				lat, lon = &e.Location.Latitude, &e.Location.Longitude
			}
			row := conn.QueryRow(ctx, `
				UPDATE entities
				SET name = $2, kind = $3, metadata = $4, confidence = $5,
				    latitude = $6, longitude = $7, updated_at = now()
				WHERE id = $1 AND deleted_at IS NULL
				RETURNING `+entityColumns,
				e.ID, e.Name, e.Kind, e.Metadata, e.Confidence, lat, lon)
			var scanErr error
			stored, scanErr = scanEntity(row)
			return scanErr
		})
	})
	observeQuery("update_entity", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return hierarchy.Entity{}, fmt.Errorf("entity %s: %w", e.ID, hierarchy.ErrNotFound)
		}
		if errors.Is(err, ErrPathImmutable) {
			return hierarchy.Entity{}, err
		}
		return hierarchy.Entity{}, fmt.Errorf("update entity: %w", err)
	}
	s.InvalidateBuffered(stored.ID, stored.Path)
	return stored, nil
}

// Delete soft-deletes one leaf entity and returns its path. Entities with
// live descendants are refused; use DeleteSubtree for those.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) (hierarchy.Path, error) {
	var path hierarchy.Path
	err := s.pool.Retry(ctx, "delete_entity", func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
			return s.inTx(ctx, conn, func(tx pgx.Tx) error {
				var pathStr string
				err := tx.QueryRow(ctx,
					`SELECT path FROM entities WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id).Scan(&pathStr)
				if err != nil {
					return err
				}
				path = hierarchy.Path(pathStr)

				var hasChildren bool
				err = tx.QueryRow(ctx,
					`SELECT EXISTS (SELECT 1 FROM entities WHERE path LIKE $1 ESCAPE '\' AND deleted_at IS NULL)`,
					likePrefix(path)).Scan(&hasChildren)
				if err != nil {
					return err
				}
				if hasChildren {
					return fmt.Errorf("%w: %s", ErrHasDescendants, path)
				}

				_, err = tx.Exec(ctx, `UPDATE entities SET deleted_at = now() WHERE id = $1`, id)
				return err
			})
		})
	})
	observeQuery("delete_entity", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("entity %s: %w", id, hierarchy.ErrNotFound)
		}
		if errors.Is(err, ErrHasDescendants) {
			return "", err
		}
		return "", fmt.Errorf("delete entity: %w", err)
	}
	s.InvalidateBuffered(id, path)
	return path, nil
}

// DeleteSubtree soft-deletes an entity and every live descendant, returning
// the root path of the removed subtree and the number of rows affected.
func (s *Store) DeleteSubtree(ctx context.Context, id uuid.UUID) (hierarchy.Path, int64, error) {
	var (
		path    hierarchy.Path
		removed int64
	)
	err := s.pool.Retry(ctx, "delete_subtree", func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
			return s.inTx(ctx, conn, func(tx pgx.Tx) error {
				var pathStr string
				err := tx.QueryRow(ctx,
					`SELECT path FROM entities WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id).Scan(&pathStr)
				if err != nil {
					return err
				}
				path = hierarchy.Path(pathStr)

				tag, err := tx.Exec(ctx, `
					UPDATE entities SET deleted_at = now()
					WHERE (path = $1 OR path LIKE $2 ESCAPE '\') AND deleted_at IS NULL`,
					path.String(), likePrefix(path))
				if err != nil {
					return err
				}
				removed = tag.RowsAffected()
				return nil
			})
		})
	})
	observeQuery("delete_subtree", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, fmt.Errorf("entity %s: %w", id, hierarchy.ErrNotFound)
		}
		return "", 0, fmt.Errorf("delete subtree: %w", err)
	}
	s.InvalidateBuffered(id, path)
	s.FlushBuffer()
	return path, removed, nil
}

func (s *Store) inTx(ctx context.Context, conn *pgxpool.Conn, fn func(tx pgx.Tx) error) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
