package action

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/models"
)

func TestDefaultRegistryCoversAllKinds(t *testing.T) {
	r := DefaultRegistry()
	for _, kind := range []string{
		"noop", "http", "postgres", "shell", "python", "secrets",
		"duckdb", "snowflake", "snowflake_transfer", "container",
	} {
		a, ok := r.Get(kind)
		require.True(t, ok, "kind %s missing", kind)
		assert.Equal(t, kind, a.Kind())
	}
	_, ok := r.Get("teleport")
	assert.False(t, ok)
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(&Noop{}, &Noop{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate action kind")
}

func TestNoopEchoesConfig(t *testing.T) {
	res, err := (&Noop{}).Invoke(context.Background(), &Invocation{
		Config: map[string]any{"message": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "hello"}, res.Data)
}

func TestClassify(t *testing.T) {
	serr := Classify(models.NewError(models.ErrorKindAuth, "nope"), 2)
	assert.Equal(t, models.ErrorKindAuth, serr.Kind)
	assert.Equal(t, 2, serr.AttemptCount)

	serr = Classify(context.DeadlineExceeded, 1)
	assert.Equal(t, models.ErrorKindTimeout, serr.Kind)
	assert.True(t, serr.Retryable)

	serr = Classify(errors.New("boom"), 1)
	assert.Equal(t, models.ErrorKindAction, serr.Kind)
	assert.False(t, serr.Retryable)
}

func TestEmitProgressWithoutHookIsNoop(t *testing.T) {
	inv := &Invocation{}
	inv.EmitProgress("checkpoint", nil)

	var gotKind string
	var gotPayload map[string]any
	inv.Progress = func(kind string, payload map[string]any) {
		gotKind, gotPayload = kind, payload
	}
	inv.EmitProgress("upload", map[string]any{"pct": 40})
	assert.Equal(t, "upload", gotKind)
	assert.Equal(t, 40, gotPayload["pct"])
}

func TestHTTPInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123456789012", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	res, err := NewHTTP().Invoke(context.Background(), &Invocation{
		Config: map[string]any{"url": srv.URL},
		Credentials: map[string]*models.Credential{
			"api": {Name: "api", Kind: models.CredentialBearer,
				Payload: models.JSONMap{"token": "tok-123456789012"}},
		},
	})
	require.NoError(t, err)
	data := res.Data.(map[string]any)
	assert.Equal(t, http.StatusOK, data["status"])
	assert.Equal(t, map[string]any{"ok": true}, data["body"])
}

func TestHTTPServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTP().Invoke(context.Background(), &Invocation{
		Config: map[string]any{"url": srv.URL},
	})
	require.Error(t, err)
	var serr *models.StructuredError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.ErrorKindAction, serr.Kind)
	assert.True(t, serr.Retryable)
}

func TestHTTPClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTP().Invoke(context.Background(), &Invocation{
		Config: map[string]any{"url": srv.URL},
	})
	var serr *models.StructuredError
	require.ErrorAs(t, err, &serr)
	assert.False(t, serr.Retryable)
}

func TestHTTPSafelyRetryable(t *testing.T) {
	h := NewHTTP()
	assert.True(t, h.SafelyRetryable(&Invocation{Config: map[string]any{"method": "GET"}}))
	assert.True(t, h.SafelyRetryable(&Invocation{Config: map[string]any{}}))
	assert.True(t, h.SafelyRetryable(&Invocation{Config: map[string]any{"method": "delete"}}))
	assert.False(t, h.SafelyRetryable(&Invocation{Config: map[string]any{"method": "POST"}}))
}

func TestShellInvoke(t *testing.T) {
	res, err := (&Shell{}).Invoke(context.Background(), &Invocation{
		Config: map[string]any{"command": "echo hello"},
	})
	require.NoError(t, err)
	data := res.Data.(map[string]any)
	assert.Equal(t, "hello\n", data["stdout"])
}

func TestShellFailureCarriesStderr(t *testing.T) {
	_, err := (&Shell{}).Invoke(context.Background(), &Invocation{
		Config: map[string]any{"command": "echo doom >&2; exit 3"},
	})
	require.Error(t, err)
	var serr *models.StructuredError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.ErrorKindAction, serr.Kind)
	assert.Contains(t, serr.Message, "doom")
	assert.False(t, serr.Retryable)
}

func TestSecretsResolvesWithoutExposingPayload(t *testing.T) {
	res, err := (&Secrets{}).Invoke(context.Background(), &Invocation{
		Config: map[string]any{"names": []any{"db"}},
		Credentials: map[string]*models.Credential{
			"db": {Name: "db", Kind: models.CredentialPostgres,
				Payload: models.JSONMap{"password": "supersecret"}},
		},
	})
	require.NoError(t, err)
	creds := res.Data.(map[string]any)["credentials"].([]map[string]any)
	require.Len(t, creds, 1)
	assert.Equal(t, "db", creds[0]["name"])
	assert.NotContains(t, creds[0], "payload")
}

func TestSecretsUnboundCredentialFails(t *testing.T) {
	_, err := (&Secrets{}).Invoke(context.Background(), &Invocation{
		Config: map[string]any{"names": []any{"missing"}},
	})
	var serr *models.StructuredError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.ErrorKindAuth, serr.Kind)
}

func TestUnsupportedKindFailsCleanly(t *testing.T) {
	a, ok := DefaultRegistry().Get("snowflake")
	require.True(t, ok)
	_, err := a.Invoke(context.Background(), &Invocation{})
	var serr *models.StructuredError
	require.ErrorAs(t, err, &serr)
	assert.False(t, serr.Retryable)
	assert.Contains(t, serr.Message, "snowflake")
}

func TestPostgresRequiresCredential(t *testing.T) {
	_, err := (&Postgres{}).Invoke(context.Background(), &Invocation{
		Config: map[string]any{"query": "SELECT 1"},
	})
	var serr *models.StructuredError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.ErrorKindAuth, serr.Kind)
}

func TestPostgresIsQueryInference(t *testing.T) {
	p := &Postgres{}
	assert.True(t, p.SafelyRetryable(&Invocation{Config: map[string]any{"query": "SELECT * FROM t"}}))
	assert.True(t, p.SafelyRetryable(&Invocation{Config: map[string]any{"query": "with x as (select 1) select * from x"}}))
	assert.False(t, p.SafelyRetryable(&Invocation{Config: map[string]any{"query": "DELETE FROM t"}}))
	assert.True(t, p.SafelyRetryable(&Invocation{Config: map[string]any{"query": "DELETE FROM t", "mode": "query"}}))
}
