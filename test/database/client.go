// Package database provides test database clients backed by a
// per-test PostgreSQL schema.
package database

import (
	"testing"

	"github.com/maestro-run/maestro/pkg/database"
	"github.com/maestro-run/maestro/test/util"
)

// NewTestClient creates a database client against a fresh migrated
// schema. In CI (CI_DATABASE_URL set) it targets the external
// PostgreSQL service container; locally it uses a shared
// testcontainer. Cleanup is registered automatically.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	db, dsn := util.SetupTestDatabase(t)
	return database.NewClientFromDB(db, dsn)
}
