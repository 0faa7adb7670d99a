package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildmesh-io/buildmesh/orchestrator/internal/audit"
	"github.com/buildmesh-io/buildmesh/orchestrator/internal/workerpool"
	"github.com/buildmesh-io/buildmesh/shared/identity"
	"github.com/buildmesh-io/buildmesh/shared/transport"
)

func TestHealthzReportsOK(t *testing.T) {
	r := NewRouter(Config{Pool: workerpool.New(nil)})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestListWorkersReturnsAttachedWorkers(t *testing.T) {
	pool := workerpool.New(nil)
	pool.Attach("worker-1:7090", nil)
	r := NewRouter(Config{Pool: pool})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var views []workerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "worker-1:7090", views[0].Location)
	assert.NotEmpty(t, views[0].LastContactHuman)
}

func TestWorkerFailuresReturnsCount(t *testing.T) {
	db, err := audit.Open(audit.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	store := audit.New(db, nil, 0)
	invocationID := identity.ID{RelatedActivityID: "activity-1", Environment: "default", EngineVersion: "v1"}
	require.NoError(t, store.RecordCallResult(context.Background(), "worker-1:7090", "Heartbeat", invocationID, transport.Result{
		State: transport.CallFailed,
	}))

	r := NewRouter(Config{Pool: workerpool.New(nil), Audit: store})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers/worker-1:7090/failures", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "worker-1:7090", body["location"])
	assert.EqualValues(t, 1, body["failures_last_24h"])
}

func TestMetricsEndpointIsServed(t *testing.T) {
	r := NewRouter(Config{Pool: workerpool.New(nil)})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
