package eventlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/test/util"
)

func TestAppendFetchMonotonic(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()
	log := eventlog.New(pool)

	execID := "exec-1"
	_, err := pool.Exec(ctx, `INSERT INTO execution (execution_id, catalog_id, status) VALUES ($1, 'cat-1', 'running')`, execID)
	require.NoError(t, err)

	id1, err := log.Append(ctx, model.Event{
		ExecutionID: execID,
		EventType:   model.EventExecutionStart,
		NodeID:      "start",
		Status:      model.StatusStarted,
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), id1)

	id2, err := log.Append(ctx, model.Event{
		ExecutionID: execID,
		EventType:   model.EventStepStarted,
		NodeID:      "fetch_url",
		Status:      model.StatusStarted,
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), id2)
	require.Greater(t, id2, id1)

	events, err := log.Fetch(ctx, execID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, model.EventExecutionStart, events[0].EventType)
	require.Equal(t, model.EventStepStarted, events[1].EventType)
}

func TestAppendIdempotencyKeyReturnsExisting(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()
	log := eventlog.New(pool)

	execID := "exec-2"
	_, err := pool.Exec(ctx, `INSERT INTO execution (execution_id, catalog_id, status) VALUES ($1, 'cat-1', 'running')`, execID)
	require.NoError(t, err)

	key := "step_started:fetch_url"
	id1, err := log.Append(ctx, model.Event{
		ExecutionID:    execID,
		EventType:      model.EventStepStarted,
		NodeID:         "fetch_url",
		Status:         model.StatusStarted,
		IdempotencyKey: key,
	})
	require.NoError(t, err)

	id2, err := log.Append(ctx, model.Event{
		ExecutionID:    execID,
		EventType:      model.EventStepStarted,
		NodeID:         "fetch_url",
		Status:         model.StatusStarted,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	events, err := log.Fetch(ctx, execID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestFetchLatestByNode(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()
	log := eventlog.New(pool)

	execID := "exec-3"
	_, err := pool.Exec(ctx, `INSERT INTO execution (execution_id, catalog_id, status) VALUES ($1, 'cat-1', 'running')`, execID)
	require.NoError(t, err)

	_, err = log.Append(ctx, model.Event{ExecutionID: execID, EventType: model.EventActionStarted, NodeID: "fetch_url", Status: model.StatusStarted})
	require.NoError(t, err)
	_, err = log.Append(ctx, model.Event{ExecutionID: execID, EventType: model.EventActionCompleted, NodeID: "fetch_url", Status: model.StatusCompleted})
	require.NoError(t, err)

	latest, ok, err := log.FetchLatestByNode(ctx, execID, "fetch_url")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.EventActionCompleted, latest.EventType)

	_, ok, err = log.FetchLatestByNode(ctx, execID, "never_touched")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppendRejectsUnknownParent(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()
	log := eventlog.New(pool)

	execID := "exec-4"
	_, err := pool.Exec(ctx, `INSERT INTO execution (execution_id, catalog_id, status) VALUES ($1, 'cat-1', 'running')`, execID)
	require.NoError(t, err)

	bogus := int64(999)
	_, err = log.Append(ctx, model.Event{
		ExecutionID:   execID,
		EventType:     model.EventActionStarted,
		NodeID:        "fetch_url",
		Status:        model.StatusStarted,
		ParentEventID: &bogus,
	})
	require.ErrorIs(t, err, eventlog.ErrParentNotFound)
}
