// Package e2e runs full-stack scenarios: HTTP API, broker, worker and
// PostgreSQL queue against a real database.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/action"
	"github.com/maestro-run/maestro/pkg/api"
	"github.com/maestro-run/maestro/pkg/broker"
	"github.com/maestro-run/maestro/pkg/catalog"
	"github.com/maestro-run/maestro/pkg/credential"
	"github.com/maestro-run/maestro/pkg/database"
	"github.com/maestro-run/maestro/pkg/eventlog"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/worker"
	testdb "github.com/maestro-run/maestro/test/database"
)

// app is one complete maestro deployment: server, broker, one worker,
// all sharing a per-test schema.
type app struct {
	t      *testing.T
	DB     *database.Client
	Broker *broker.Broker
	Worker *worker.Worker
	HTTP   *httptest.Server
	Events *eventlog.Store
	Execs  *eventlog.ExecutionStore
	Creds  *credential.Store
}

func newApp(t *testing.T) *app {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	client := testdb.NewTestClient(t)
	cat := catalog.NewStore(client.DB)

	bcfg := broker.DefaultConfig()
	bcfg.PollInterval = 200 * time.Millisecond
	bcfg.ReapInterval = 500 * time.Millisecond
	bcfg.ReapBackoff = 100 * time.Millisecond
	b := broker.New(client, cat, bcfg)
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b.Stop(stopCtx)
	})

	wcfg := worker.DefaultConfig()
	wcfg.WorkerID = "e2e-worker-1"
	wcfg.LeaseDuration = 15 * time.Second
	wcfg.HeartbeatInterval = 3 * time.Second
	wcfg.PollInterval = 100 * time.Millisecond
	wcfg.RetryBackoffBase = 50 * time.Millisecond
	w := worker.New(client, action.DefaultRegistry(), wcfg)
	w.Start()
	t.Cleanup(w.Stop)

	srv := httptest.NewServer(api.NewServer(client, b, cat).Handler())
	t.Cleanup(srv.Close)

	return &app{
		t:      t,
		DB:     client,
		Broker: b,
		Worker: w,
		HTTP:   srv,
		Events: eventlog.NewStore(client.DB),
		Execs:  eventlog.NewExecutionStore(client.DB),
		Creds:  credential.NewStore(client.DB),
	}
}

// register submits raw playbook YAML through the API and returns the
// registered path.
func (a *app) register(yaml string) string {
	a.t.Helper()
	resp, err := http.Post(a.HTTP.URL+"/api/v1/catalog/register", "application/yaml",
		strings.NewReader(yaml))
	require.NoError(a.t, err)
	defer func() { _ = resp.Body.Close() }()

	var body map[string]any
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(a.t, http.StatusCreated, resp.StatusCode, "register: %v", body)
	return body["path"].(string)
}

// execute starts an execution through the API and returns its id.
func (a *app) execute(path string, payload map[string]any) int64 {
	a.t.Helper()
	req := map[string]any{"path": path}
	if payload != nil {
		req["payload"] = payload
	}
	buf, err := json.Marshal(req)
	require.NoError(a.t, err)

	resp, err := http.Post(a.HTTP.URL+"/api/v1/execute", "application/json", bytes.NewReader(buf))
	require.NoError(a.t, err)
	defer func() { _ = resp.Body.Close() }()

	var body map[string]any
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(a.t, http.StatusCreated, resp.StatusCode, "execute: %v", body)
	return int64(body["execution_id"].(float64))
}

// cancel requests cancellation through the API.
func (a *app) cancel(executionID int64) {
	a.t.Helper()
	resp, err := http.Post(
		fmt.Sprintf("%s/api/v1/cancel/%d", a.HTTP.URL, executionID), "", nil)
	require.NoError(a.t, err)
	_ = resp.Body.Close()
	require.Equal(a.t, http.StatusOK, resp.StatusCode)
}

// waitStatus polls until the execution reaches the wanted terminal
// status or the timeout expires.
func (a *app) waitStatus(executionID int64, want models.ExecutionStatus, timeout time.Duration) *models.Execution {
	a.t.Helper()
	var last *models.Execution
	require.Eventually(a.t, func() bool {
		e, err := a.Execs.Get(context.Background(), executionID)
		if err != nil {
			return false
		}
		last = e
		return e.Status == want
	}, timeout, 100*time.Millisecond,
		"execution %d did not reach %s (last: %+v)", executionID, want, last)
	return last
}

// events returns the execution's full event stream.
func (a *app) events(executionID int64) []models.Event {
	a.t.Helper()
	events, err := a.Events.Range(context.Background(), executionID, 0)
	require.NoError(a.t, err)
	return events
}

// eventTypes projects the stream to its type sequence.
func eventTypes(events []models.Event) []models.EventType {
	out := make([]models.EventType, len(events))
	for i := range events {
		out[i] = events[i].EventType
	}
	return out
}

// finalResult returns the execution's return value from its
// execution_completed event.
func (a *app) finalResult(executionID int64) any {
	a.t.Helper()
	e, err := a.Events.Latest(context.Background(), executionID, models.EventExecutionCompleted)
	require.NoError(a.t, err)
	return e.Payload[models.PayloadResult]
}
