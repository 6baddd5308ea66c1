// Package events delivers execution events to connected clients in real
// time. pkg/eventlog writes every event inside the transaction that commits
// it and fires a PostgreSQL NOTIFY on the execution's channel (transactional
// pg_notify: subscribers only see events that actually committed). A single
// NotifyListener per process turns those NOTIFYs into WebSocket broadcasts
// through a ConnectionManager, and REST/catch-up reads fall back to
// pkg/eventlog directly.
package events

// ClientMessage is the JSON structure for client -> server WebSocket
// messages sent over an /executions/{id}/events connection.
//
// Unlike a generic pub/sub protocol, a connection here only ever subscribes
// to one domain object: an execution's event stream. The wire protocol
// reflects that directly — clients name an execution_id, never a raw
// NOTIFY channel — so a malformed or forged channel string can't make a
// client LISTEN on something that isn't an execution's own event feed.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	ExecutionID string `json:"execution_id,omitempty"`  // target execution
	LastEventID *int64 `json:"last_event_id,omitempty"` // for catchup; subscribe ignores it and replays from the start
}
