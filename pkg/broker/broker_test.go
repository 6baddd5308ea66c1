package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/credential"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/test/util"
)

func newBroker(t *testing.T) (*broker.Broker, *catalog.Store, *queue.Queue, *eventlog.Log, *pgxpool.Pool) {
	t.Helper()
	pool := util.SetupTestDatabase(t)
	log := eventlog.New(pool)
	q := queue.New(pool)
	cat := catalog.New(pool)
	enc, err := credential.NewEncryptor("test-pass")
	require.NoError(t, err)
	creds := credential.New(pool, enc)
	return broker.New(pool, log, q, cat, creds), cat, q, log, pool
}

func TestStartExecutionLinearPlaybookEnqueuesStart(t *testing.T) {
	b, cat, q, _, _ := newBroker(t)
	ctx := context.Background()

	pb := playbook.Playbook{
		Path:    "pipelines/linear",
		Version: "v1",
		Start:   "fetch",
		Steps: map[string]playbook.Step{
			"fetch": {
				Name: "fetch", Type: playbook.StepAction,
				Action: &playbook.ActionSpec{Type: "http", Config: map[string]any{"url": "{{ workload.url }}"}},
			},
		},
	}
	_, err := cat.Put(ctx, pb)
	require.NoError(t, err)

	execID, err := b.StartExecution(ctx, model.CatalogReference{Path: pb.Path, Version: pb.Version}, model.JSONObject{"url": "https://example.com"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	job, err := q.Lease(ctx, "worker-1", "default", []string{"http"}, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "fetch", job.NodeID)
	require.Equal(t, "https://example.com", job.Action.Config["url"])
}

func TestEvaluateAdvancesAfterActionCompleted(t *testing.T) {
	b, cat, q, log, _ := newBroker(t)
	ctx := context.Background()

	pb := playbook.Playbook{
		Path:    "pipelines/chain",
		Version: "v1",
		Start:   "fetch",
		Steps: map[string]playbook.Step{
			"fetch": {
				Name: "fetch", Type: playbook.StepAction,
				Action: &playbook.ActionSpec{Type: "http", Config: map[string]any{}},
				Next:   []playbook.Edge{{Target: "store"}},
			},
			"store": {
				Name: "store", Type: playbook.StepAction,
				Action: &playbook.ActionSpec{Type: "sql", Config: map[string]any{"rows": "{{ fetch.result }}"}},
			},
		},
	}
	_, err := cat.Put(ctx, pb)
	require.NoError(t, err)

	execID, err := b.StartExecution(ctx, model.CatalogReference{Path: pb.Path, Version: pb.Version}, nil, nil)
	require.NoError(t, err)

	job, err := q.Lease(ctx, "worker-1", "default", []string{"http"}, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "fetch", job.NodeID)

	require.NoError(t, q.Complete(ctx, job.QueueID, "worker-1"))
	// Simulate the dispatcher's action_completed emission directly, since
	// that normally happens in pkg/dispatcher.
	_, err = log.Append(ctx, model.Event{
		ExecutionID:    execID,
		EventType:      model.EventActionCompleted,
		NodeID:         "fetch",
		Status:         model.StatusCompleted,
		Payload:        model.JSONObject{"result": []any{"a", "b"}, "duration_ms": 5},
		IdempotencyKey: "action_completed:" + execID + ":fetch",
	})
	require.NoError(t, err)

	require.NoError(t, b.Evaluate(ctx, execID))

	storeJob, err := q.Lease(ctx, "worker-2", "default", []string{"sql"}, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "store", storeJob.NodeID)
	require.Equal(t, []any{"a", "b"}, storeJob.Action.Config["rows"])
}

func TestEvaluateSkipsFalseWhenBranch(t *testing.T) {
	b, cat, q, log, _ := newBroker(t)
	ctx := context.Background()

	pb := playbook.Playbook{
		Path:    "pipelines/branch",
		Version: "v1",
		Start:   "check",
		Steps: map[string]playbook.Step{
			"check": {
				Name: "check", Type: playbook.StepAction,
				Action: &playbook.ActionSpec{Type: "noop", Config: map[string]any{}},
				Next:   []playbook.Edge{{Target: "only_if_true", When: `workload.go == true`, Branch: "then"}},
			},
			"only_if_true": {Name: "only_if_true", Type: playbook.StepNoop},
		},
	}
	_, err := cat.Put(ctx, pb)
	require.NoError(t, err)

	execID, err := b.StartExecution(ctx, model.CatalogReference{Path: pb.Path, Version: pb.Version}, model.JSONObject{"go": false}, nil)
	require.NoError(t, err)

	job, err := q.Lease(ctx, "worker-1", "default", []string{"noop"}, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.QueueID, "worker-1"))

	_, err = log.Append(ctx, model.Event{
		ExecutionID:    execID,
		EventType:      model.EventActionCompleted,
		NodeID:         "check",
		Status:         model.StatusCompleted,
		Payload:        model.JSONObject{"result": nil},
		IdempotencyKey: "action_completed:" + execID + ":check",
	})
	require.NoError(t, err)
	require.NoError(t, b.Evaluate(ctx, execID))

	events, err := log.Fetch(ctx, execID, 0)
	require.NoError(t, err)
	var sawSkip bool
	for _, e := range events {
		if e.EventType == model.EventSkipped && e.NodeID == "only_if_true" {
			sawSkip = true
		}
	}
	require.True(t, sawSkip)
}

func TestEvaluateCompletesExecutionWhenAllLeavesDone(t *testing.T) {
	b, cat, q, log, _ := newBroker(t)
	ctx := context.Background()

	pb := playbook.Playbook{
		Path:    "pipelines/single",
		Version: "v1",
		Start:   "only",
		Steps: map[string]playbook.Step{
			"only": {Name: "only", Type: playbook.StepAction, Action: &playbook.ActionSpec{Type: "noop", Config: map[string]any{}}},
		},
	}
	_, err := cat.Put(ctx, pb)
	require.NoError(t, err)

	execID, err := b.StartExecution(ctx, model.CatalogReference{Path: pb.Path, Version: pb.Version}, nil, nil)
	require.NoError(t, err)

	job, err := q.Lease(ctx, "worker-1", "default", []string{"noop"}, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.QueueID, "worker-1"))

	_, err = log.Append(ctx, model.Event{
		ExecutionID:    execID,
		EventType:      model.EventActionCompleted,
		NodeID:         "only",
		Status:         model.StatusCompleted,
		IdempotencyKey: "action_completed:" + execID + ":only",
	})
	require.NoError(t, err)
	require.NoError(t, b.Evaluate(ctx, execID))

	events, err := log.Fetch(ctx, execID, 0)
	require.NoError(t, err)
	var sawCompletion bool
	for _, e := range events {
		if e.EventType == model.EventExecutionCompleted {
			sawCompletion = true
		}
	}
	require.True(t, sawCompletion)
}

func TestCancelExecutionStopsFurtherWork(t *testing.T) {
	b, cat, _, _, _ := newBroker(t)
	ctx := context.Background()

	pb := playbook.Playbook{
		Path:    "pipelines/cancel",
		Version: "v1",
		Start:   "only",
		Steps: map[string]playbook.Step{
			"only": {Name: "only", Type: playbook.StepAction, Action: &playbook.ActionSpec{Type: "noop", Config: map[string]any{}}},
		},
	}
	_, err := cat.Put(ctx, pb)
	require.NoError(t, err)

	execID, err := b.StartExecution(ctx, model.CatalogReference{Path: pb.Path, Version: pb.Version}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, b.CancelExecution(ctx, execID, "operator request"))
	require.NoError(t, b.Evaluate(ctx, execID)) // idempotent no-op once cancelled
}
