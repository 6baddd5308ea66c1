package events

import (
	"context"

	"github.com/noetl/noetl/pkg/eventlog"
)

// CatchupEvent is a single event returned by a catchup query, already
// shaped for direct JSON delivery to a WebSocket client.
type CatchupEvent struct {
	ID      int64
	Payload map[string]interface{}
}

// CatchupQuerier fetches events an execution's event log recorded after
// sinceID, used both for an explicit client "catchup" request and to
// silently fill a gap the ConnectionManager detects in the live NOTIFY
// stream. Implemented by EventLogAdapter.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, executionID string, sinceID int64, limit int) ([]CatchupEvent, error)
}

// EventLogAdapter adapts pkg/eventlog.Log to the CatchupQuerier interface
// the ConnectionManager needs.
type EventLogAdapter struct {
	log *eventlog.Log
}

// NewEventLogAdapter wraps an eventlog.Log for catchup queries.
func NewEventLogAdapter(log *eventlog.Log) *EventLogAdapter {
	return &EventLogAdapter{log: log}
}

// GetCatchupEvents returns up to limit events appended after sinceID for
// executionID, oldest first (eventlog.Fetch's own ordering).
func (a *EventLogAdapter) GetCatchupEvents(ctx context.Context, executionID string, sinceID int64, limit int) ([]CatchupEvent, error) {
	events, err := a.log.Fetch(ctx, executionID, sinceID)
	if err != nil {
		return nil, err
	}
	if len(events) > limit {
		events = events[:limit]
	}
	out := make([]CatchupEvent, 0, len(events))
	for _, e := range events {
		out = append(out, CatchupEvent{
			ID: e.EventID,
			Payload: map[string]interface{}{
				"event_id":     e.EventID,
				"execution_id": e.ExecutionID,
				"event_type":   e.EventType,
				"node_id":      e.NodeID,
				"status":       e.Status,
				"payload":      e.Payload,
				"timestamp":    e.Timestamp,
			},
		})
	}
	return out, nil
}
