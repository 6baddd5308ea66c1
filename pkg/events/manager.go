package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/noetl/noetl/pkg/eventlog"
)

// catchupLimit is the maximum number of events returned in a catchup
// response. If more events were missed, a catchup.overflow message tells
// the client to do a full REST reload instead of paginating.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when subscribing
// to a new PG channel, so a stalled connection can't block the client's
// read loop indefinitely.
const listenTimeout = 10 * time.Second

// gapFillTimeout bounds the DB round trip used to silently backfill events
// a connection missed between consecutive NOTIFYs (see deliver).
const gapFillTimeout = 5 * time.Second

// ConnectionManager manages WebSocket connections and execution
// subscriptions for one process. Each noetl-server instance has one
// ConnectionManager. Unlike a general-purpose pub/sub fan-out, every
// subscription here names an execution_id: the manager owns translating
// that into the underlying "execution:<id>" NOTIFY channel, so callers
// never see or construct a raw channel string.
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	catchupQuerier CatchupQuerier

	listener   *NotifyListener
	listenerMu sync.RWMutex

	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed without a lock: all reads and writes happen on
// the single goroutine that owns this connection (HandleConnection's read
// loop and its deferred cleanup). lastEventID is written from whichever
// goroutine delivers a NOTIFY for that execution, so it carries its own
// lock.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool // execution IDs this connection is watching
	ctx           context.Context
	cancel        context.CancelFunc

	eventMu     sync.Mutex
	lastEventID map[string]int64 // execution_id -> highest event_id delivered
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(catchupQuerier CatchupQuerier, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:    make(map[string]*Connection),
		channels:       make(map[string]map[string]bool),
		catchupQuerier: catchupQuerier,
		writeTimeout:   writeTimeout,
	}
}

// SetListener wires the NotifyListener used for dynamic LISTEN/UNLISTEN.
// Called once during startup, after both are constructed.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the HTTP handler after upgrade; blocks until the connection
// closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
		lastEventID:   make(map[string]int64),
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid websocket message", "connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast delivers one execution's NOTIFY payload to every connection
// subscribed to it, checking each connection's own last-delivered
// event_id first. A subscriber that missed intervening NOTIFYs (a slow
// consumer, or a connection that just (re)subscribed in the gap between
// LISTEN and this NOTIFY committing) gets the missing events fetched and
// replayed ahead of the new one, preserving the strictly-monotonic event
// stream a client expects (spec §4.1) without requiring the client to
// notice the gap and ask for a catchup itself.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	// Snapshot connection pointers under the lock, then release before
	// sending, so slow writes don't stall connection register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	executionID := executionIDFromChannel(channel)
	var envelope struct {
		EventID int64 `json:"event_id"`
	}
	_ = json.Unmarshal(event, &envelope)

	for _, conn := range conns {
		m.deliver(conn, executionID, envelope.EventID, event)
	}
}

// deliver sends one NOTIFY payload to a single connection, backfilling any
// gap between what it last saw and eventID first. Called synchronously
// from Broadcast, on the same goroutine the caller (NotifyListener's
// receive loop) uses for every other channel, so two deliveries never race
// on the same *Connection's websocket write.
func (m *ConnectionManager) deliver(conn *Connection, executionID string, eventID int64, event []byte) {
	conn.eventMu.Lock()
	last, seen := conn.lastEventID[executionID]
	conn.eventMu.Unlock()

	if seen && eventID > last+1 && m.catchupQuerier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gapFillTimeout)
		missed, err := m.catchupQuerier.GetCatchupEvents(ctx, executionID, last, catchupLimit)
		cancel()
		if err != nil {
			slog.Warn("gap-fill catchup query failed", "execution_id", executionID, "error", err)
		} else {
			for _, evt := range missed {
				if evt.ID >= eventID {
					break
				}
				evt.Payload["db_event_id"] = evt.ID
				payload, err := json.Marshal(evt.Payload)
				if err != nil {
					continue
				}
				if err := m.sendRaw(conn, payload); err != nil {
					return
				}
			}
		}
	}

	if err := m.sendRaw(conn, event); err != nil {
		slog.Warn("failed to send to websocket client", "connection_id", conn.ID, "error", err)
		return
	}

	if eventID > 0 {
		conn.eventMu.Lock()
		if eventID > conn.lastEventID[executionID] {
			conn.lastEventID[executionID] = eventID
		}
		conn.eventMu.Unlock()
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported — used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.ExecutionID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "execution_id is required for subscribe"})
			return
		}
		if err := m.subscribe(c, msg.ExecutionID); err != nil {
			m.sendJSON(c, map[string]string{
				"type":         "subscription.error",
				"execution_id": msg.ExecutionID,
				"message":      "failed to subscribe to execution",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":         "subscription.confirmed",
			"execution_id": msg.ExecutionID,
		})
		// Auto catch-up: deliver all prior events so late subscribers
		// don't miss anything that happened before they connected.
		m.handleCatchup(ctx, c, msg.ExecutionID, 0)

	case "unsubscribe":
		if msg.ExecutionID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "execution_id is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.ExecutionID)

	case "catchup":
		if msg.ExecutionID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "execution_id is required for catchup"})
			return
		}
		if msg.LastEventID != nil {
			m.handleCatchup(ctx, c, msg.ExecutionID, *msg.LastEventID)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers a connection for an execution and starts LISTEN on
// its NOTIFY channel if it is the first subscriber. LISTEN runs
// synchronously so it completes before subscribe returns, guaranteeing the
// subsequent auto-catchup runs with LISTEN already active — closing the gap
// where an event published between catchup and LISTEN would otherwise be
// lost. Broadcast's own gap detection is the second line of defense for
// whatever this ordering doesn't catch (e.g. a NOTIFY whose transaction was
// already in flight when LISTEN took effect).
func (m *ConnectionManager) subscribe(c *Connection, executionID string) error {
	channel := eventlog.ExecutionChannel(executionID)

	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("failed to LISTEN on channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[executionID] = true
	return nil
}

// cleanupFailedChannel removes all subscribers of a channel after a LISTEN
// failure and tells each affected connection, so a client that raced in
// between the channel being created and LISTEN failing isn't left believing
// it has a live subscription.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, channel string) {
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	executionID := executionIDFromChannel(channel)
	for _, conn := range conns {
		slog.Warn("removing orphaned subscriber after LISTEN failure", "connection_id", conn.ID, "channel", channel)
		m.sendJSON(conn, map[string]string{
			"type":         "subscription.error",
			"execution_id": executionID,
			"message":      "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes a connection from an execution's channel and stops
// LISTEN if it was the last subscriber.
func (m *ConnectionManager) unsubscribe(c *Connection, executionID string) {
	channel := eventlog.ExecutionChannel(executionID)

	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				// The generation check inside Unsubscribe protects against
				// a rapid unsubscribe/resubscribe cycle dropping the LISTEN
				// a newer subscribe just re-established.
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, executionID)
	c.eventMu.Lock()
	delete(c.lastEventID, executionID)
	c.eventMu.Unlock()
}

// handleCatchup sends events missed since lastEventID to the client and
// primes its gap-detection state so the next live Broadcast doesn't treat
// the just-delivered events as a gap.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, executionID string, lastEventID int64) {
	if m.catchupQuerier == nil {
		return
	}

	events, err := m.catchupQuerier.GetCatchupEvents(ctx, executionID, lastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("catchup query failed", "execution_id", executionID, "error", err)
		return
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	highest := lastEventID
	for _, evt := range events {
		evt.Payload["db_event_id"] = evt.ID
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("failed to send catchup event", "connection_id", c.ID, "error", err)
			return
		}
		if evt.ID > highest {
			highest = evt.ID
		}
	}

	if highest > lastEventID {
		c.eventMu.Lock()
		if highest > c.lastEventID[executionID] {
			c.lastEventID[executionID] = highest
		}
		c.eventMu.Unlock()
	}

	if hasMore {
		m.sendJSON(c, map[string]interface{}{
			"type":         "catchup.overflow",
			"execution_id": executionID,
			"has_more":     true,
		})
	}
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for executionID := range c.subscriptions {
		m.unsubscribe(c, executionID)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal websocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("failed to send websocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}

// executionIDFromChannel strips the "execution:" NOTIFY channel prefix,
// the one place in the package that still deals with the raw channel
// string pkg/eventlog uses on the wire to Postgres.
func executionIDFromChannel(channel string) string {
	return strings.TrimPrefix(channel, "execution:")
}
