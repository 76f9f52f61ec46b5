// Package credential stores named, typed secret configuration and
// redacts secret material from anything that leaves the worker.
package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/maestro-run/maestro/pkg/models"
)

// ErrNotFound is returned when no credential matches a lookup.
var ErrNotFound = errors.New("credential not found")

// Store reads and writes the credential table.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a credential store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Put creates or replaces a named credential. The payload is written
// as-is; it never appears in logs, events, or API responses.
func (s *Store) Put(ctx context.Context, c *models.Credential) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("put credential %s: %w", c.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credential (name, kind, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET kind = EXCLUDED.kind, payload = EXCLUDED.payload`,
		c.Name, string(c.Kind), payload)
	if err != nil {
		return fmt.Errorf("put credential %s: %w", c.Name, err)
	}
	slog.Info("Credential stored", "name", c.Name, "kind", c.Kind)
	return nil
}

// Get returns one credential including its payload. Callers must not
// let the payload reach logs or the event stream.
func (s *Store) Get(ctx context.Context, name string) (*models.Credential, error) {
	var c models.Credential
	err := s.db.GetContext(ctx, &c,
		`SELECT name, kind, payload, created_at FROM credential WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s: %w", name, err)
	}
	return &c, nil
}

// List returns credential names and kinds, never payloads.
func (s *Store) List(ctx context.Context) ([]models.Credential, error) {
	var out []models.Credential
	err := s.db.SelectContext(ctx, &out,
		`SELECT name, kind, created_at FROM credential ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

// Delete removes a credential.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credential WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete credential %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}
