package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/test/util"
)

// TestWatcherAdvancesWithoutManualEvaluate is the regression test for the
// bug a maintainer review caught: without a Watcher running, nothing ever
// re-invokes Broker.Evaluate after StartExecution's initial pass, so an
// action_completed event appended later just sits in the log. Here nothing
// calls b.Evaluate directly after the event is appended — the Watcher's
// own EvaluateChannel-triggered pass has to be what enqueues "store".
func TestWatcherAdvancesWithoutManualEvaluate(t *testing.T) {
	b, cat, q, log, _ := newBroker(t)
	connStr := util.GetBaseConnectionString(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := broker.NewWatcher(connStr, b, 2)
	require.NoError(t, w.Start(ctx))
	defer w.Stop(context.Background())

	pb := playbook.Playbook{
		Path:    "pipelines/watcher-chain",
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
				Action: &playbook.ActionSpec{Type: "sql", Config: map[string]any{}},
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

	_, err = log.Append(ctx, model.Event{
		ExecutionID:    execID,
		EventType:      model.EventActionCompleted,
		NodeID:         "fetch",
		Status:         model.StatusCompleted,
		Payload:        model.JSONObject{"result": "ok"},
		IdempotencyKey: "action_completed:" + execID + ":fetch",
	})
	require.NoError(t, err)

	var storeJob model.Job
	require.Eventually(t, func() bool {
		j, err := q.Lease(ctx, "worker-2", "default", []string{"sql"}, 30*time.Second)
		if err != nil {
			return false
		}
		storeJob = j
		return true
	}, 5*time.Second, 50*time.Millisecond, "watcher never enqueued the next step")
	require.Equal(t, "store", storeJob.NodeID)
}
