package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCatchupQuerier struct {
	events []CatchupEvent
	err    error
}

func (m *mockCatchupQuerier) GetCatchupEvents(_ context.Context, _ string, sinceID int64, limit int) ([]CatchupEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []CatchupEvent
	for _, evt := range m.events {
		if evt.ID > sinceID {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func setupTestManager(t *testing.T, querier CatchupQuerier) (*ConnectionManager, *httptest.Server) {
	t.Helper()
	if querier == nil {
		querier = &mockCatchupQuerier{}
	}

	manager := NewConnectionManager(querier, 5*time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("websocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))

	t.Cleanup(server.Close)
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestConnectionManagerConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t, nil)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestConnectionManagerSubscribeUnsubscribe(t *testing.T) {
	manager, server := setupTestManager(t, nil)
	conn := connectWS(t, server)

	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", ExecutionID: "exec-1"})

	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, "exec-1", msg["execution_id"])

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	writeJSON(t, conn, ClientMessage{Action: "unsubscribe", ExecutionID: "exec-1"})
	require.Eventually(t, func() bool {
		return manager.subscriberCount("execution:exec-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionManagerBroadcastReachesSubscriber(t *testing.T) {
	manager, server := setupTestManager(t, nil)
	conn := connectWS(t, server)

	readJSON(t, conn) // connection.established
	writeJSON(t, conn, ClientMessage{Action: "subscribe", ExecutionID: "exec-2"})
	readJSON(t, conn) // subscription.confirmed

	require.Eventually(t, func() bool {
		return manager.subscriberCount("execution:exec-2") == 1
	}, 2*time.Second, 10*time.Millisecond)

	manager.Broadcast("execution:exec-2", []byte(`{"event_id":1,"event_type":"action_completed"}`))

	msg := readJSON(t, conn)
	assert.Equal(t, "action_completed", msg["event_type"])
}

func TestConnectionManagerBroadcastFillsGap(t *testing.T) {
	querier := &mockCatchupQuerier{}
	manager, server := setupTestManager(t, querier)
	conn := connectWS(t, server)

	readJSON(t, conn) // connection.established
	writeJSON(t, conn, ClientMessage{Action: "subscribe", ExecutionID: "exec-gap"})
	readJSON(t, conn) // subscription.confirmed, no catchup events yet

	require.Eventually(t, func() bool {
		return manager.subscriberCount("execution:exec-gap") == 1
	}, 2*time.Second, 10*time.Millisecond)

	manager.Broadcast("execution:exec-gap", []byte(`{"event_id":1,"event_type":"action_started"}`))
	first := readJSON(t, conn)
	assert.Equal(t, "action_started", first["event_type"])

	// An event landed in the log that this connection never saw a NOTIFY
	// for (e.g. it was briefly slow). The next live NOTIFY jumps straight
	// to event_id 3, so Broadcast must notice the gap and backfill 2 from
	// the querier before delivering 3.
	querier.events = []CatchupEvent{
		{ID: 2, Payload: map[string]interface{}{"event_type": "action_completed"}},
	}
	manager.Broadcast("execution:exec-gap", []byte(`{"event_id":3,"event_type":"loop_iteration"}`))

	second := readJSON(t, conn)
	assert.Equal(t, "action_completed", second["event_type"])
	assert.EqualValues(t, 2, second["db_event_id"])
	third := readJSON(t, conn)
	assert.Equal(t, "loop_iteration", third["event_type"])
}

func TestConnectionManagerCatchupDeliversMissedEvents(t *testing.T) {
	querier := &mockCatchupQuerier{events: []CatchupEvent{
		{ID: 1, Payload: map[string]interface{}{"event_type": "action_started"}},
		{ID: 2, Payload: map[string]interface{}{"event_type": "action_completed"}},
	}}
	_, server := setupTestManager(t, querier)
	conn := connectWS(t, server)

	readJSON(t, conn) // connection.established
	writeJSON(t, conn, ClientMessage{Action: "subscribe", ExecutionID: "exec-3"})
	readJSON(t, conn) // subscription.confirmed

	first := readJSON(t, conn)
	assert.Equal(t, "action_started", first["event_type"])
	assert.EqualValues(t, 1, first["db_event_id"])

	second := readJSON(t, conn)
	assert.Equal(t, "action_completed", second["event_type"])
	assert.EqualValues(t, 2, second["db_event_id"])
}

func TestConnectionManagerUnregisterRemovesConnection(t *testing.T) {
	manager, server := setupTestManager(t, nil)
	conn := connectWS(t, server)
	readJSON(t, conn)

	require.Eventually(t, func() bool { return manager.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return manager.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}
