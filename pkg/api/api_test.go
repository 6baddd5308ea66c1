package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/credential"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/events"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/runtime"
	"github.com/noetl/noetl/pkg/workload"
	"github.com/noetl/noetl/test/util"
)

func newTestServer(t *testing.T) (*httptest.Server, *catalog.Store) {
	t.Helper()
	pool := util.SetupTestDatabase(t)
	log := eventlog.New(pool)
	q := queue.New(pool)
	cat := catalog.New(pool)
	enc, err := credential.NewEncryptor("test-pass")
	require.NoError(t, err)
	creds := credential.New(pool, enc)
	wl := workload.New(pool)
	rt := runtime.New(pool)
	b := broker.New(pool, log, q, cat, creds)
	connManager := events.NewConnectionManager(events.NewEventLogAdapter(log), 5*time.Second)

	s := api.NewServer(b, q, log, wl, rt, connManager, model.DefaultRetryPolicy)
	return httptest.NewServer(s.Handler()), cat
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func TestRunExecutionStartsAndReportsStatus(t *testing.T) {
	srv, cat := newTestServer(t)
	defer srv.Close()
	ctx := context.Background()

	pb := playbook.Playbook{
		Path: "pipelines/api-run", Version: "v1", Start: "fetch",
		Steps: map[string]playbook.Step{
			"fetch": {Name: "fetch", Type: playbook.StepAction,
				Action: &playbook.ActionSpec{Type: "http", Config: map[string]any{"url": "{{ workload.url }}"}}},
		},
	}
	_, err := cat.Put(ctx, pb)
	require.NoError(t, err)

	resp := postJSON(t, srv, "/executions/run", map[string]any{
		"path": pb.Path, "version": pb.Version, "parameters": map[string]any{"url": "https://example.com"},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ExecutionID)
	require.Equal(t, "running", created.Status)

	getResp, err := http.Get(srv.URL + "/executions/" + created.ExecutionID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestRunExecutionRejectsMissingReference(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp := postJSON(t, srv, "/executions/run", map[string]any{"parameters": map[string]any{}})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetExecutionUnknownIDReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/executions/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueLeaseCompleteRoundTrip(t *testing.T) {
	srv, cat := newTestServer(t)
	defer srv.Close()
	ctx := context.Background()

	pb := playbook.Playbook{
		Path: "pipelines/api-lease", Version: "v1", Start: "fetch",
		Steps: map[string]playbook.Step{
			"fetch": {Name: "fetch", Type: playbook.StepAction,
				Action: &playbook.ActionSpec{Type: "http", Config: map[string]any{"url": "https://example.com"}}},
		},
	}
	_, err := cat.Put(ctx, pb)
	require.NoError(t, err)

	runResp := postJSON(t, srv, "/executions/run", map[string]any{"path": pb.Path, "version": pb.Version})
	defer runResp.Body.Close()
	require.Equal(t, http.StatusAccepted, runResp.StatusCode)

	leaseResp := postJSON(t, srv, "/queue/lease", map[string]any{
		"worker_id": "worker-1", "pool": "default", "capabilities": []string{"http"}, "lease_duration_seconds": 30,
	})
	defer leaseResp.Body.Close()
	require.Equal(t, http.StatusOK, leaseResp.StatusCode)

	var job struct {
		QueueID string `json:"queue_id"`
	}
	require.NoError(t, json.NewDecoder(leaseResp.Body).Decode(&job))
	require.NotEmpty(t, job.QueueID)

	completeResp := postJSON(t, srv, "/queue/"+job.QueueID+"/complete", map[string]any{
		"worker_id": "worker-1", "result": map[string]any{"status": 200},
	})
	defer completeResp.Body.Close()
	require.Equal(t, http.StatusOK, completeResp.StatusCode)
}

func TestQueueLeaseNoJobsReturnsNoContent(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp := postJSON(t, srv, "/queue/lease", map[string]any{
		"worker_id": "worker-1", "pool": "default", "capabilities": []string{"http"},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRuntimeRegisterAndHeartbeat(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	regResp := postJSON(t, srv, "/runtime/register", map[string]any{
		"pool_name": "default", "capabilities": []string{"http"},
	})
	defer regResp.Body.Close()
	require.Equal(t, http.StatusCreated, regResp.StatusCode)

	var rt struct {
		RuntimeID string `json:"runtime_id"`
	}
	require.NoError(t, json.NewDecoder(regResp.Body).Decode(&rt))
	require.NotEmpty(t, rt.RuntimeID)

	hbResp := postJSON(t, srv, "/runtime/heartbeat", map[string]any{
		"runtime_id": rt.RuntimeID, "pool_name": "default", "capabilities": []string{"http"}, "status": "ready",
	})
	defer hbResp.Body.Close()
	require.Equal(t, http.StatusOK, hbResp.StatusCode)
}

func TestReapExpiredReturnsCount(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/queue/reap-expired", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Reclaimed int `json:"reclaimed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 0, out.Reclaimed)
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	healthResp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer healthResp.Body.Close()
	require.Equal(t, http.StatusOK, healthResp.StatusCode)

	readyResp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer readyResp.Body.Close()
	require.Equal(t, http.StatusOK, readyResp.StatusCode)
}
