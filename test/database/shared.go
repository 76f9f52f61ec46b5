package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/database"
	"github.com/maestro-run/maestro/test/util"
)

// SharedTestDB creates a single PostgreSQL schema shared by multiple
// process replicas. Each replica gets its own connection pool via
// NewClient, but all pools point to the same schema — enabling
// multi-broker tests that exercise NOTIFY/LISTEN delivery and
// SKIP LOCKED lease contention.
type SharedTestDB struct {
	connStrWithSchema string
	schemaName        string
}

// NewSharedTestDB creates a shared test schema, runs migrations once,
// and registers t.Cleanup to drop the schema. Call NewClient to create
// an independent client per replica.
func NewSharedTestDB(t *testing.T) *SharedTestDB {
	t.Helper()
	ctx := context.Background()

	baseConnStr := util.GetBaseConnectionString(t)
	schemaName := util.GenerateSchemaName(t)

	raw, err := stdsql.Open("pgx", baseConnStr)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	t.Logf("SharedTestDB: created schema %s", schemaName)
	_ = raw.Close()

	connStrWithSchema := util.AddSearchPathToConnString(baseConnStr, schemaName)
	mig, err := stdsql.Open("pgx", connStrWithSchema)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(mig))
	_ = mig.Close()

	// Drop the schema after all replicas have shut down (LIFO cleanup
	// order guarantees replica cleanups run before this one).
	t.Cleanup(func() {
		cleanDB, err := stdsql.Open("pgx", baseConnStr)
		if err != nil {
			t.Logf("SharedTestDB: warning: could not connect to drop schema %s: %v", schemaName, err)
			return
		}
		defer func() { _ = cleanDB.Close() }()
		_, err = cleanDB.ExecContext(context.Background(),
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("SharedTestDB: warning: failed to drop schema %s: %v", schemaName, err)
		}
	})

	return &SharedTestDB{connStrWithSchema: connStrWithSchema, schemaName: schemaName}
}

// NewClient creates an independent client backed by a fresh connection
// pool to the shared schema, closed via t.Cleanup.
func (s *SharedTestDB) NewClient(t *testing.T) *database.Client {
	t.Helper()

	db, err := sqlx.Open("pgx", s.connStrWithSchema)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	t.Cleanup(func() { _ = db.Close() })

	return database.NewClientFromDB(db, s.connStrWithSchema)
}
