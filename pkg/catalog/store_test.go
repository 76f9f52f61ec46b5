package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/playbook"
)

const validPlaybook = `apiVersion: maestro/v1
kind: Playbook
metadata:
  name: demo
  path: demo/flow
workflow:
  - step: start
    next: end
  - step: end
`

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(sqlx.NewDb(db, "pgx")), mock
}

func TestRegisterAllocatesNextVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("demo/flow").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO catalog`).
		WithArgs("demo/flow", validPlaybook).
		WillReturnRows(sqlmock.NewRows([]string{"path", "version", "content", "created_at"}).
			AddRow("demo/flow", 3, validPlaybook, time.Now()))
	mock.ExpectCommit()

	entry, warnings, err := store.Register(context.Background(), "demo/flow", []byte(validPlaybook))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, 3, entry.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterRejectsInvalidPlaybook(t *testing.T) {
	store, mock := newMockStore(t)

	_, _, err := store.Register(context.Background(), "demo/flow", []byte("kind: NotAPlaybook\n"))
	require.Error(t, err)
	var perr *playbook.ParseError
	assert.ErrorAs(t, err, &perr)
	// Nothing reaches the database on a parse failure.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterRejectsPathMismatch(t *testing.T) {
	store, _ := newMockStore(t)

	_, _, err := store.Register(context.Background(), "other/path", []byte(validPlaybook))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match registration path")
}

func TestGetLatestVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`ORDER BY version DESC LIMIT 1`).
		WithArgs("demo/flow").
		WillReturnRows(sqlmock.NewRows([]string{"path", "version", "content", "created_at"}).
			AddRow("demo/flow", 7, validPlaybook, time.Now()))

	entry, err := store.Get(context.Background(), "demo/flow", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, entry.Version)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM catalog`).
		WithArgs("missing/flow", 2).
		WillReturnRows(sqlmock.NewRows([]string{"path", "version", "content", "created_at"}))

	_, err := store.Get(context.Background(), "missing/flow", 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveReadsThroughCache(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM catalog`).
		WithArgs("demo/flow", 2).
		WillReturnRows(sqlmock.NewRows([]string{"path", "version", "content", "created_at"}).
			AddRow("demo/flow", 2, validPlaybook, time.Now()))

	pb, entry, err := store.Resolve(context.Background(), "demo/flow", 2)
	require.NoError(t, err)
	assert.Equal(t, "demo", pb.Metadata.Name)
	assert.Equal(t, 2, entry.Version)

	// Second resolve of a pinned version hits the cache, no query.
	pb2, _, err := store.Resolve(context.Background(), "demo/flow", 2)
	require.NoError(t, err)
	assert.Same(t, pb, pb2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListFiltersByPrefix(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT DISTINCT ON \(path\)`).
		WithArgs("demo/").
		WillReturnRows(sqlmock.NewRows([]string{"path", "version", "content", "created_at"}).
			AddRow("demo/flow", 2, validPlaybook, time.Now()).
			AddRow("demo/other", 1, validPlaybook, time.Now()))

	entries, err := store.List(context.Background(), "demo/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "demo/flow", entries[0].Path)
	assert.Equal(t, 2, entries[0].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheKeyedByPathAndVersion(t *testing.T) {
	c := newCache()
	a := &playbook.Playbook{}
	b := &playbook.Playbook{}
	c.put("p", 1, a)
	c.put("p", 2, b)

	got, ok := c.get("p", 1)
	require.True(t, ok)
	assert.Same(t, a, got)
	_, ok = c.get("p", 3)
	assert.False(t, ok)
}
