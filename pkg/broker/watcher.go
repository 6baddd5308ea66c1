package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/noetl/noetl/pkg/eventlog"
)

// evaluateChannelName/evaluateChannelIdent are computed once: the channel
// name never changes at runtime, and pgx.Identifier.Sanitize only needs to
// run once rather than on every (re)connect.
var (
	evaluateChannelName  = eventlog.EvaluateChannel
	evaluateChannelIdent = pgx.Identifier{eventlog.EvaluateChannel}.Sanitize()
)

// Watcher owns a dedicated PostgreSQL LISTEN connection on
// eventlog.EvaluateChannel and drives Broker.Evaluate off it, closing the
// loop the queue handlers alone cannot close: every event appended anywhere
// (a worker's action_completed, a loop iteration's advance, the broker's own
// inline transitions) wakes this watcher instead of requiring something else
// to remember to call Evaluate.
//
// Evaluate runs a single pass, not to a fixpoint: a pass that itself calls
// eventlog.Append (e.g. a StepNoop's inline action_completed, or a
// transition it emits) needs a follow-up pass to act on what it just wrote.
// Rather than rewrite Evaluate as a fixpoint loop, Watcher supplies the
// follow-up passes: Append's EvaluateChannel notify fires again for every
// event a pass writes, so the same dedup-and-requeue mechanism that
// coalesces concurrent external triggers also drives a single execution to
// its fixpoint, one notify-triggered pass at a time.
type Watcher struct {
	connString string
	broker     *Broker
	workers    int

	queue chan string

	mu     sync.Mutex
	queued map[string]bool // already sitting in queue, not yet picked up
	active map[string]bool // currently being evaluated by a worker
	dirty  map[string]bool // touched again while active; re-enqueue on completion

	conn   *pgx.Conn
	connMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher builds a Watcher that will connect with connString and
// evaluate executions through b, running up to workers concurrent
// Broker.Evaluate passes (each pass is itself scoped to a single
// execution_id, so concurrency here is across different executions).
func NewWatcher(connString string, b *Broker, workers int) *Watcher {
	if workers < 1 {
		workers = 1
	}
	return &Watcher{
		connString: connString,
		broker:     b,
		workers:    workers,
		queue:      make(chan string, 1024),
		queued:     make(map[string]bool),
		active:     make(map[string]bool),
		dirty:      make(map[string]bool),
	}
}

// Start opens the LISTEN connection, subscribes to eventlog.EvaluateChannel
// and launches the worker pool plus the receive loop. It returns once the
// initial connection succeeds; reconnection after that point happens in the
// background with the same backoff shape as pkg/events.NotifyListener.
func (w *Watcher) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, w.connString)
	if err != nil {
		return fmt.Errorf("broker watcher: connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+evaluateChannelIdent); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("broker watcher: LISTEN %s: %w", evaluateChannelName, err)
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	for i := 0; i < w.workers; i++ {
		go w.evaluateWorker(loopCtx)
	}
	go func() {
		defer close(w.done)
		w.receiveLoop(loopCtx)
	}()

	slog.Info("broker watcher started", "channel", evaluateChannelName, "workers", w.workers)
	return nil
}

// Stop signals the receive loop and evaluate workers to exit and closes the
// LISTEN connection. It does not wait for an in-flight Evaluate to finish.
func (w *Watcher) Stop(ctx context.Context) {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close(ctx)
		w.conn = nil
	}
}

// enqueue schedules executionID for evaluation, deduplicating against
// copies already queued or in flight. If an evaluation for executionID is
// currently running, enqueue instead marks it dirty so the active worker
// re-enqueues it the moment it finishes, guaranteeing the execution is
// evaluated at least once more against the state that triggered this call.
func (w *Watcher) enqueue(executionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active[executionID] {
		w.dirty[executionID] = true
		return
	}
	if w.queued[executionID] {
		return
	}
	w.queued[executionID] = true

	select {
	case w.queue <- executionID:
	default:
		// Queue is saturated; drop the dedup flag so a future notify for
		// this execution is free to try again rather than being silently
		// swallowed as "already queued".
		delete(w.queued, executionID)
		slog.Warn("broker watcher queue full, dropping evaluate trigger", "execution_id", executionID)
	}
}

func (w *Watcher) evaluateWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case executionID := <-w.queue:
			w.runOne(ctx, executionID)
		}
	}
}

// runOne evaluates a single execution and then, if it was marked dirty
// while running, immediately re-evaluates it again rather than waiting for
// another NOTIFY — closing the fixpoint loop without a network round trip.
func (w *Watcher) runOne(ctx context.Context, executionID string) {
	w.mu.Lock()
	delete(w.queued, executionID)
	w.active[executionID] = true
	w.mu.Unlock()

	for {
		if err := w.broker.Evaluate(ctx, executionID); err != nil {
			slog.Error("broker evaluate failed", "execution_id", executionID, "error", err)
		}

		w.mu.Lock()
		if w.dirty[executionID] {
			delete(w.dirty, executionID)
			w.mu.Unlock()
			continue
		}
		delete(w.active, executionID)
		w.mu.Unlock()
		return
	}
}

// receiveLoop is the sole goroutine that touches the LISTEN connection,
// mirroring pkg/events.NotifyListener's single-owner discipline so
// WaitForNotification never races a concurrent Exec on the same conn.
func (w *Watcher) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.connMu.Lock()
		conn := w.conn
		w.connMu.Unlock()

		if conn == nil {
			w.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("broker watcher receive error", "error", err)
			w.reconnect(ctx)
			continue
		}

		w.enqueue(notification.Payload)
	}
}

// reconnect re-establishes the LISTEN connection with exponential backoff
// and re-subscribes to evaluateChannelName.
func (w *Watcher) reconnect(ctx context.Context) {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn != nil {
		_ = w.conn.Close(ctx)
		w.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, w.connString)
		if err != nil {
			slog.Error("broker watcher reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+evaluateChannelIdent); err != nil {
			slog.Error("broker watcher re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			continue
		}

		w.conn = conn
		slog.Info("broker watcher reconnected")
		return
	}
}
