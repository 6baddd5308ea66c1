package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/events"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/test/util"
)

// TestAppendNotifiesListener exercises the real path an execution's events
// take to a connected client: eventlog.Append commits and fires pg_notify,
// NotifyListener receives it on its dedicated connection, and
// ConnectionManager.Broadcast hands the raw payload to every subscriber.
func TestAppendNotifiesListener(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	connStr := util.GetBaseConnectionString(t)
	log := eventlog.New(pool)

	execID := "exec-events-1"
	_, err := pool.Exec(context.Background(), `INSERT INTO execution (execution_id, catalog_id, status) VALUES ($1, 'cat-1', 'running')`, execID)
	require.NoError(t, err)

	manager := events.NewConnectionManager(events.NewEventLogAdapter(log), 5*time.Second)
	listener := events.NewNotifyListener(connStr, manager)
	manager.SetListener(listener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, listener.Start(ctx))
	defer listener.Stop(context.Background())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readJSON := func() map[string]interface{} {
		rCtx, rCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rCancel()
		_, data, err := conn.Read(rCtx)
		require.NoError(t, err)
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	established := readJSON()
	require.Equal(t, "connection.established", established["type"])

	writeCtx, writeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	sub, err := json.Marshal(events.ClientMessage{Action: "subscribe", ExecutionID: execID})
	require.NoError(t, err)
	require.NoError(t, conn.Write(writeCtx, websocket.MessageText, sub))
	writeCancel()

	confirmed := readJSON()
	require.Equal(t, "subscription.confirmed", confirmed["type"])

	_, err = log.Append(context.Background(), model.Event{
		ExecutionID: execID,
		EventType:   model.EventActionStarted,
		NodeID:      "step1",
		Status:      model.StatusStarted,
		Payload:     model.JSONObject{"attempt": float64(1)},
	})
	require.NoError(t, err)

	delivered := readJSON()
	require.Equal(t, "action_started", delivered["event_type"])
	require.Equal(t, execID, delivered["execution_id"])
	require.Equal(t, "step1", delivered["node_id"])
}

func TestExecutionChannelNaming(t *testing.T) {
	require.Equal(t, "execution:exec-abc", eventlog.ExecutionChannel("exec-abc"))
}

func TestEventLogAdapterGetCatchupEvents(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	log := eventlog.New(pool)
	execID := "exec-events-2"
	_, err := pool.Exec(context.Background(), `INSERT INTO execution (execution_id, catalog_id, status) VALUES ($1, 'cat-1', 'running')`, execID)
	require.NoError(t, err)

	_, err = log.Append(context.Background(), model.Event{
		ExecutionID: execID,
		EventType:   model.EventActionStarted,
		NodeID:      "step1",
		Status:      model.StatusStarted,
		Payload:     model.JSONObject{"a": float64(1)},
	})
	require.NoError(t, err)

	adapter := events.NewEventLogAdapter(log)
	got, err := adapter.GetCatchupEvents(context.Background(), execID, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(1), got[0].ID)

	var marshalled map[string]interface{}
	data, err := json.Marshal(got[0].Payload)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &marshalled))
	require.Equal(t, "action_started", marshalled["event_type"])
}
