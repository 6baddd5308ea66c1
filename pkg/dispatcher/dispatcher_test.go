package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/credential"
	"github.com/noetl/noetl/pkg/dispatcher"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/executor"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/workload"
	"github.com/noetl/noetl/test/util"
)

func newDispatcher(t *testing.T, reg *executor.Registry) (*dispatcher.Dispatcher, *queue.Queue, *eventlog.Log, *pgxpool.Pool) {
	t.Helper()
	pool := util.SetupTestDatabase(t)
	q := queue.New(pool)
	log := eventlog.New(pool)
	enc, err := credential.NewEncryptor("test-pass")
	require.NoError(t, err)
	creds := credential.New(pool, enc)

	cfg := dispatcher.Config{
		WorkerID:          "worker-1",
		PoolLabel:         "default",
		Capabilities:      []string{"noop", "http"},
		LeaseDuration:     2 * time.Second,
		HeartbeatInterval: 500 * time.Millisecond,
		PollInterval:      20 * time.Millisecond,
		PollJitter:        5 * time.Millisecond,
		RetryPolicy:       model.DefaultRetryPolicy,
		Concurrency:       1,
	}
	wl := workload.New(pool)
	return dispatcher.New(cfg, q, log, creds, reg, wl), q, log, pool
}

func setupExecutionRow(t *testing.T, ctx context.Context, pool *pgxpool.Pool, executionID string) {
	t.Helper()
	_, err := pool.Exec(ctx, `INSERT INTO execution (execution_id, catalog_id, status) VALUES ($1, 'cat-1', 'running')`, executionID)
	require.NoError(t, err)
}

type fakeExecutor struct {
	result any
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, spec model.ActionSpec, renderedContext model.JSONObject, auth map[string]model.CredentialRef, reporter executor.Reporter) (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestProcessJobEmitsActionCompletedOnSuccess(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register("noop", &fakeExecutor{result: map[string]any{"ok": true}})
	d, q, log, pool := newDispatcher(t, reg)
	ctx := context.Background()

	execID := "exec-disp-1"
	setupExecutionRow(t, ctx, pool, execID)

	_, err := q.Enqueue(ctx, model.JobSpec{
		ExecutionID: execID,
		NodeID:      "step1",
		Action:      model.ActionSpec{Type: "noop", Config: model.JSONObject{}},
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	d.Start(ctx)
	defer d.Stop()
	require.Eventually(t, func() bool {
		events, err := log.Fetch(ctx, execID, 0)
		require.NoError(t, err)
		for _, e := range events {
			if e.EventType == model.EventActionCompleted && e.NodeID == "step1" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestProcessJobEmitsActionFailedOnPermanentFailure(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register("noop", &fakeExecutor{err: &executor.Error{Kind: executor.FailurePermanent, Message: "boom"}})
	d, q, log, pool := newDispatcher(t, reg)
	ctx := context.Background()

	execID := "exec-disp-2"
	setupExecutionRow(t, ctx, pool, execID)

	_, err := q.Enqueue(ctx, model.JobSpec{
		ExecutionID: execID,
		NodeID:      "step1",
		Action:      model.ActionSpec{Type: "noop", Config: model.JSONObject{}},
		MaxAttempts: 1,
	})
	require.NoError(t, err)

	d.Start(ctx)
	defer d.Stop()
	require.Eventually(t, func() bool {
		events, err := log.Fetch(ctx, execID, 0)
		require.NoError(t, err)
		for _, e := range events {
			if e.EventType == model.EventActionFailed && e.NodeID == "step1" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestProcessJobRequeuesOnTransientFailure(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register("noop", &fakeExecutor{err: &executor.Error{Kind: executor.FailureTransient, Message: "try again"}})
	d, q, log, pool := newDispatcher(t, reg)
	ctx := context.Background()

	execID := "exec-disp-3"
	setupExecutionRow(t, ctx, pool, execID)

	_, err := q.Enqueue(ctx, model.JobSpec{
		ExecutionID: execID,
		NodeID:      "step1",
		Action:      model.ActionSpec{Type: "noop", Config: model.JSONObject{}},
		MaxAttempts: 5,
	})
	require.NoError(t, err)

	d.Start(ctx)
	require.Eventually(t, func() bool {
		status, attempts, ok, err := q.LatestJobStatus(ctx, execID, "step1")
		require.NoError(t, err)
		return ok && status == model.JobQueued && attempts >= 1
	}, 3*time.Second, 20*time.Millisecond)
	d.Stop()

	events, err := log.Fetch(ctx, execID, 0)
	require.NoError(t, err)
	for _, e := range events {
		require.NotEqual(t, model.EventActionFailed, e.EventType, "transient failure must not emit action_failed")
	}
}

func TestResolveCredentialsAuthErrorFailsJobPermanently(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register("http", &fakeExecutor{result: "unreachable"})
	d, q, log, pool := newDispatcher(t, reg)
	ctx := context.Background()

	execID := "exec-disp-4"
	setupExecutionRow(t, ctx, pool, execID)

	_, err := q.Enqueue(ctx, model.JobSpec{
		ExecutionID: execID,
		NodeID:      "step1",
		Action:      model.ActionSpec{Type: "http", Config: model.JSONObject{}, Auth: []string{"missing-cred"}},
		MaxAttempts: 1,
	})
	require.NoError(t, err)

	d.Start(ctx)
	defer d.Stop()
	require.Eventually(t, func() bool {
		events, err := log.Fetch(ctx, execID, 0)
		require.NoError(t, err)
		for _, e := range events {
			if e.EventType == model.EventActionFailed && e.NodeID == "step1" {
				kind, _ := e.Payload["failure_kind"].(string)
				return model.FailureKind(kind) == model.FailureAuthError
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSaveBlockMergesResultIntoWorkload(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register("noop", &fakeExecutor{result: map[string]any{"rows": 3}})
	d, q, log, pool := newDispatcher(t, reg)
	ctx := context.Background()

	execID := "exec-disp-5"
	setupExecutionRow(t, ctx, pool, execID)

	_, err := q.Enqueue(ctx, model.JobSpec{
		ExecutionID: execID,
		NodeID:      "step1",
		Action: model.ActionSpec{
			Type:   "noop",
			Config: model.JSONObject{},
			Save: &model.SaveSpec{
				Target: "workload",
				Config: model.JSONObject{"last_row_count": "{{ result.rows }}"},
			},
		},
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	d.Start(ctx)
	defer d.Stop()
	require.Eventually(t, func() bool {
		events, err := log.Fetch(ctx, execID, 0)
		require.NoError(t, err)
		for _, e := range events {
			if e.EventType == model.EventActionCompleted && e.NodeID == "step1" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	wl := workload.New(pool)
	require.Eventually(t, func() bool {
		data, err := wl.Get(ctx, execID)
		require.NoError(t, err)
		count, ok := data["last_row_count"]
		return ok && count == float64(3)
	}, 2*time.Second, 20*time.Millisecond)
}
