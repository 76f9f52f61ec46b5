// Package catalog stores registered playbook versions. Versions are
// monotonic per path and immutable once written; execution always
// pins a specific version.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/playbook"
)

// ErrNotFound is returned when no catalog entry matches a lookup.
var ErrNotFound = errors.New("playbook not found")

// Store reads and writes the catalog table and keeps a cache of
// parsed playbooks. Cached entries never expire: a path@version pair
// is immutable.
type Store struct {
	db    *sqlx.DB
	cache *cache
}

// NewStore creates a catalog store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, cache: newCache()}
}

// Register validates and stores a new version of the playbook at
// path, returning the entry and any parse warnings. The version is
// allocated under the path's insertion lock, so concurrent
// registrations of the same path serialize and never collide.
func (s *Store) Register(ctx context.Context, path string, content []byte) (*models.CatalogEntry, []string, error) {
	pb, warnings, err := playbook.Parse(content)
	if err != nil {
		return nil, warnings, err
	}
	if pb.Metadata.Path != "" && pb.Metadata.Path != path {
		return nil, warnings, &playbook.ParseError{
			Message: fmt.Sprintf("metadata path %q does not match registration path %q", pb.Metadata.Path, path),
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, warnings, fmt.Errorf("register %s: %w", path, err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize version allocation per path.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, path); err != nil {
		return nil, warnings, fmt.Errorf("register %s: acquiring path lock: %w", path, err)
	}

	var entry models.CatalogEntry
	err = tx.GetContext(ctx, &entry, `
		INSERT INTO catalog (path, version, content)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2
		FROM catalog WHERE path = $1
		RETURNING path, version, content, created_at`,
		path, string(content))
	if err != nil {
		return nil, warnings, fmt.Errorf("register %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, warnings, fmt.Errorf("register %s: %w", path, err)
	}

	s.cache.put(path, entry.Version, pb)
	slog.Info("Playbook registered",
		"path", path, "version", entry.Version, "warnings", len(warnings))
	return &entry, warnings, nil
}

// Get returns one registered version. Version 0 means latest.
func (s *Store) Get(ctx context.Context, path string, version int) (*models.CatalogEntry, error) {
	var entry models.CatalogEntry
	var err error
	if version == 0 {
		err = s.db.GetContext(ctx, &entry, `
			SELECT path, version, content, created_at FROM catalog
			WHERE path = $1 ORDER BY version DESC LIMIT 1`, path)
	} else {
		err = s.db.GetContext(ctx, &entry, `
			SELECT path, version, content, created_at FROM catalog
			WHERE path = $1 AND version = $2`, path, version)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s version %d", ErrNotFound, path, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s version %d: %w", path, version, err)
	}
	return &entry, nil
}

// Resolve returns the parsed playbook for path@version, reading
// through the cache. Version 0 resolves to the latest version; the
// returned entry carries the concrete version for pinning.
func (s *Store) Resolve(ctx context.Context, path string, version int) (*playbook.Playbook, *models.CatalogEntry, error) {
	if version != 0 {
		if pb, ok := s.cache.get(path, version); ok {
			return pb, &models.CatalogEntry{Path: path, Version: version}, nil
		}
	}
	entry, err := s.Get(ctx, path, version)
	if err != nil {
		return nil, nil, err
	}
	if pb, ok := s.cache.get(path, entry.Version); ok {
		return pb, entry, nil
	}
	pb, _, err := playbook.Parse([]byte(entry.Content))
	if err != nil {
		// Registration validated this content; a parse failure here
		// means the stored copy was tampered with.
		return nil, nil, fmt.Errorf("stored playbook %s version %d no longer parses: %w",
			path, entry.Version, err)
	}
	s.cache.put(path, entry.Version, pb)
	return pb, entry, nil
}

// List returns the latest version of every registered path. A
// non-empty prefix narrows the listing to paths starting with it.
func (s *Store) List(ctx context.Context, prefix string) ([]models.CatalogEntry, error) {
	var entries []models.CatalogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT DISTINCT ON (path) path, version, content, created_at
		FROM catalog
		WHERE $1 = '' OR path LIKE $1 || '%'
		ORDER BY path, version DESC`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	return entries, nil
}

// Versions returns every registered version of one path, newest first.
func (s *Store) Versions(ctx context.Context, path string) ([]models.CatalogEntry, error) {
	var entries []models.CatalogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT path, version, content, created_at FROM catalog
		WHERE path = $1 ORDER BY version DESC`, path)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return entries, nil
}
