package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/broker"
	"github.com/maestro-run/maestro/pkg/catalog"
	"github.com/maestro-run/maestro/pkg/database"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	db := database.NewClientFromDB(sqlx.NewDb(raw, "pgx"), "postgres://test")
	cat := catalog.NewStore(db.DB)
	b := broker.New(db, cat, broker.DefaultConfig())
	return NewServer(db, b, cat), mock
}

func do(s *Server, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRegisterRejectsInvalidPlaybook(t *testing.T) {
	s, mock := newTestServer(t)

	rec := do(s, http.MethodPost, "/api/v1/catalog/register", "application/yaml",
		"kind: NotAPlaybook\n")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "playbook validation")
	assert.NoError(t, mock.ExpectationsWereMet(), "invalid playbooks never reach the database")
}

func TestRegisterAcceptsRawYAML(t *testing.T) {
	s, mock := newTestServer(t)
	yaml := strings.Join([]string{
		"apiVersion: maestro/v1",
		"kind: Playbook",
		"metadata:",
		"  name: demo",
		"  path: team/demo",
		"workflow:",
		"  - step: start",
		"    next: end",
		"  - step: end",
		"",
	}, "\n")

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO catalog`).
		WithArgs("team/demo", yaml).
		WillReturnRows(sqlmock.NewRows([]string{"path", "version", "content", "created_at"}).
			AddRow("team/demo", 1, yaml, time.Now()))
	mock.ExpectCommit()

	rec := do(s, http.MethodPost, "/api/v1/catalog/register", "application/yaml", yaml)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "team/demo", resp["path"])
	assert.Equal(t, float64(1), resp["version"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogGetSplitsTrailingVersion(t *testing.T) {
	s, mock := newTestServer(t)
	yaml := strings.Join([]string{
		"apiVersion: maestro/v1",
		"kind: Playbook",
		"metadata:",
		"  name: demo",
		"  path: team/demo",
		"workflow:",
		"  - step: start",
		"",
	}, "\n")

	mock.ExpectQuery(`SELECT path, version, content, created_at FROM catalog\s+WHERE path = \$1 AND version = \$2`).
		WithArgs("team/demo", 3).
		WillReturnRows(sqlmock.NewRows([]string{"path", "version", "content", "created_at"}).
			AddRow("team/demo", 3, yaml, time.Now()))

	rec := do(s, http.MethodGet, "/api/v1/catalog/team/demo/3", "", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(3), resp["version"])
	summary := resp["parsed_summary"].(map[string]any)
	assert.Equal(t, "demo", summary["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogGetUnknownPathIs404(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT path, version, content, created_at FROM catalog`).
		WillReturnRows(sqlmock.NewRows([]string{"path", "version", "content", "created_at"}))

	rec := do(s, http.MethodGet, "/api/v1/catalog/no/such/playbook", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCredentialGetNeverReturnsPayload(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT name, kind, payload, created_at FROM credential`).
		WithArgs("prod-db").
		WillReturnRows(sqlmock.NewRows([]string{"name", "kind", "payload", "created_at"}).
			AddRow("prod-db", "postgres", []byte(`{"password":"hunter2"}`), time.Now()))

	rec := do(s, http.MethodGet, "/api/v1/credentials/prod-db", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.NotContains(t, rec.Body.String(), "payload")
	assert.Contains(t, rec.Body.String(), "prod-db")
}

func TestEventsRequiresExecutionID(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodGet, "/api/v1/events", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRejectsMalformedID(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodPost, "/api/v1/cancel/not-a-number", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteUnknownPlaybookIs404(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT path, version, content, created_at FROM catalog`).
		WillReturnRows(sqlmock.NewRows([]string{"path", "version", "content", "created_at"}))

	rec := do(s, http.MethodPost, "/api/v1/execute", "application/json",
		`{"path": "no/such/playbook"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostgresExecuteRequiresQuery(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodPost, "/api/v1/postgres/execute", "application/json",
		`{"connection_string": "postgres://u:p@localhost/db"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
