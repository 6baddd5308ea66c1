// Package eventlog implements the append-only, ordered event record that is
// the sole source of truth for execution state (spec §4.1). Every mutation
// goes through a single PostgreSQL transaction per execution, so the
// "strictly monotonic event_id" and "read-after-write" contracts hold even
// with many concurrent Broker/Worker processes.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/model"
)

// Log is the PostgreSQL-backed event log.
type Log struct {
	pool *pgxpool.Pool
}

// New creates a Log backed by the given pool.
func New(pool *pgxpool.Pool) *Log {
	return &Log{pool: pool}
}

// Append assigns a monotonic event_id and durably writes the event within
// the owning execution. If event.IdempotencyKey is set and an event with
// that key already exists for this execution, the existing event_id is
// returned without writing a duplicate (spec §4.1).
func (l *Log) Append(ctx context.Context, event model.Event) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all appends for this execution through a row lock, the
	// same FOR UPDATE discipline the teacher uses for job claiming
	// (pkg/queue/worker.go claimNextSession).
	if _, err := tx.Exec(ctx, `SELECT 1 FROM execution WHERE execution_id = $1 FOR UPDATE`, event.ExecutionID); err != nil {
		if err == pgx.ErrNoRows {
			return 0, fmt.Errorf("%w: unknown execution %q", ErrStorage, event.ExecutionID)
		}
		return 0, fmt.Errorf("%w: lock execution: %v", ErrStorage, err)
	}

	if event.IdempotencyKey != "" {
		var existingID int64
		err := tx.QueryRow(ctx,
			`SELECT event_id FROM event WHERE execution_id = $1 AND idempotency_key = $2`,
			event.ExecutionID, event.IdempotencyKey,
		).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if err != pgx.ErrNoRows {
			return 0, fmt.Errorf("%w: idempotency lookup: %v", ErrStorage, err)
		}
	}

	var nextID int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(event_id), 0) + 1 FROM event WHERE execution_id = $1`,
		event.ExecutionID,
	).Scan(&nextID); err != nil {
		return 0, fmt.Errorf("%w: next id: %v", ErrStorage, err)
	}

	if event.ParentEventID != nil {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM event WHERE execution_id = $1 AND event_id = $2)`,
			event.ExecutionID, *event.ParentEventID,
		).Scan(&exists); err != nil {
			return 0, fmt.Errorf("%w: parent check: %v", ErrStorage, err)
		}
		if !exists {
			return 0, ErrParentNotFound
		}
	}

	payload, err := marshalJSONB(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal payload: %v", ErrStorage, err)
	}
	evtContext, err := marshalJSONB(event.Context)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal context: %v", ErrStorage, err)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var idemKey any
	if event.IdempotencyKey != "" {
		idemKey = event.IdempotencyKey
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO event (execution_id, event_id, event_type, node_id, parent_event_id,
		                    status, payload, context, "timestamp", trace_id, parent_span_id, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		event.ExecutionID, nextID, string(event.EventType), event.NodeID, event.ParentEventID,
		string(event.Status), payload, evtContext, ts, nullableString(event.TraceID), nullableString(event.ParentSpanID), idemKey,
	); err != nil {
		return 0, fmt.Errorf("%w: insert: %v", ErrStorage, err)
	}

	notifyPayload, err := notifyEnvelope(event.ExecutionID, nextID, event.EventType, event.NodeID, event.Status, payload, ts)
	if err != nil {
		return 0, fmt.Errorf("%w: build notify envelope: %v", ErrStorage, err)
	}
	// pg_notify is transactional in PostgreSQL — it only fires once this
	// transaction commits, so subscribers never observe a notification for
	// an event that a rollback later undoes.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ExecutionChannel(event.ExecutionID), notifyPayload); err != nil {
		return 0, fmt.Errorf("%w: notify: %v", ErrStorage, err)
	}
	// Every appended event also wakes the broker on a single shared
	// channel, independent of whether any client is watching this
	// execution over a websocket. This is what closes the loop: a
	// Broker.Evaluate pass that itself appends events (inline noop
	// completions, transitions, terminal events) re-notifies here too, so
	// a dedicated listener re-evaluating on each notification drives the
	// execution to a fixpoint without polling.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, EvaluateChannel, event.ExecutionID); err != nil {
		return 0, fmt.Errorf("%w: evaluate notify: %v", ErrStorage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}

	return nextID, nil
}

// ExecutionChannel returns the PostgreSQL NOTIFY channel name carrying every
// event appended for the given execution. pkg/events listens on this channel
// to stream events to WebSocket clients in real time.
func ExecutionChannel(executionID string) string {
	return "execution:" + executionID
}

// EvaluateChannel is the single PostgreSQL NOTIFY channel every Append
// fires on, carrying the execution_id as its payload. pkg/broker.Watcher
// listens here so the Broker re-evaluates an execution every time its
// event log changes, regardless of whether any client has it open.
const EvaluateChannel = "noetl_evaluate"

// notifyMaxBytes is PostgreSQL's NOTIFY payload limit (8000 bytes) minus
// headroom for the envelope fields added when a payload must be truncated.
const notifyMaxBytes = 7900

// notifyEnvelope builds the JSON body broadcast over the execution's NOTIFY
// channel. It carries the full event so a connected client can render it
// without a follow-up fetch; if that would exceed PostgreSQL's payload
// limit, it degrades to a routing-only stub so the client falls back to a
// REST catch-up fetch instead of losing the notification entirely.
func notifyEnvelope(executionID string, eventID int64, eventType model.EventType, nodeID string, status model.EventStatus, payload []byte, ts time.Time) ([]byte, error) {
	full := struct {
		EventID     int64           `json:"event_id"`
		ExecutionID string          `json:"execution_id"`
		EventType   model.EventType `json:"event_type"`
		NodeID      string          `json:"node_id"`
		Status      model.EventStatus `json:"status"`
		Payload     json.RawMessage `json:"payload"`
		Timestamp   time.Time       `json:"timestamp"`
	}{eventID, executionID, eventType, nodeID, status, payload, ts}

	body, err := json.Marshal(full)
	if err != nil {
		return nil, err
	}
	if len(body) <= notifyMaxBytes {
		return body, nil
	}

	truncated := struct {
		EventID     int64           `json:"event_id"`
		ExecutionID string          `json:"execution_id"`
		EventType   model.EventType `json:"event_type"`
		NodeID      string          `json:"node_id"`
		Truncated   bool            `json:"truncated"`
	}{eventID, executionID, eventType, nodeID, true}
	return json.Marshal(truncated)
}

// Fetch returns all events for the execution with event_id > sinceEventID,
// strictly ordered ascending (spec §4.1).
func (l *Log) Fetch(ctx context.Context, executionID string, sinceEventID int64) ([]model.Event, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT event_id, event_type, node_id, parent_event_id, status, payload, context,
		       "timestamp", trace_id, parent_span_id
		FROM event
		WHERE execution_id = $1 AND event_id > $2
		ORDER BY event_id ASC
	`, executionID, sinceEventID)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrStorage, err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		evt, err := scanEvent(rows, executionID)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrStorage, err)
	}
	return events, nil
}

// FetchLatestByNode returns the most recent event for a node, or
// (model.Event{}, false) if none exists.
func (l *Log) FetchLatestByNode(ctx context.Context, executionID, nodeID string) (model.Event, bool, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT event_id, event_type, node_id, parent_event_id, status, payload, context,
		       "timestamp", trace_id, parent_span_id
		FROM event
		WHERE execution_id = $1 AND node_id = $2
		ORDER BY event_id DESC
		LIMIT 1
	`, executionID, nodeID)

	evt, err := scanEvent(row, executionID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Event{}, false, nil
		}
		return model.Event{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return evt, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner, executionID string) (model.Event, error) {
	var evt model.Event
	var payload, ctxJSON []byte
	var parentEventID *int64
	var traceID, parentSpanID *string

	if err := row.Scan(&evt.EventID, &evt.EventType, &evt.NodeID, &parentEventID, &evt.Status,
		&payload, &ctxJSON, &evt.Timestamp, &traceID, &parentSpanID); err != nil {
		return model.Event{}, err
	}
	evt.ExecutionID = executionID
	evt.ParentEventID = parentEventID
	if traceID != nil {
		evt.TraceID = *traceID
	}
	if parentSpanID != nil {
		evt.ParentSpanID = *parentSpanID
	}
	if err := json.Unmarshal(payload, &evt.Payload); err != nil {
		return model.Event{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(ctxJSON, &evt.Context); err != nil {
		return model.Event{}, fmt.Errorf("unmarshal context: %w", err)
	}
	return evt, nil
}

func marshalJSONB(v model.JSONObject) ([]byte, error) {
	if v == nil {
		v = model.JSONObject{}
	}
	return json.Marshal(v)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
