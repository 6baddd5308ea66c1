// Package broker implements the event-log → runnable-steps resolver (spec
// §4.3): it is the pure-function evaluator that walks a playbook's event
// history and decides which steps to enqueue next. Grounded on the
// teacher's sequential stage-advancement pattern (pkg/services) generalized
// from a fixed pipeline to an arbitrary step graph.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/credential"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/loopcoord"
	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/template"
)

// Broker resolves runnable steps from an execution's event history and
// enqueues their work (spec §4.3).
type Broker struct {
	pool        *pgxpool.Pool
	log         *eventlog.Log
	queue       *queue.Queue
	catalog     *catalog.Store
	credentials *credential.Store
	loop        *loopcoord.Coordinator
}

// New builds a Broker over its storage collaborators.
func New(pool *pgxpool.Pool, log *eventlog.Log, q *queue.Queue, cat *catalog.Store, creds *credential.Store) *Broker {
	return &Broker{
		pool:        pool,
		log:         log,
		queue:       q,
		catalog:     cat,
		credentials: creds,
		loop:        loopcoord.New(log, q),
	}
}

// StartExecution allocates an execution_id, emits execution_start, and runs
// one evaluation pass (spec §4.3 "start_execution").
func (b *Broker) StartExecution(ctx context.Context, ref model.CatalogReference, workload model.JSONObject, parent *model.ParentRef) (string, error) {
	var (
		pb        playbook.Playbook
		catalogID string
		err       error
	)
	if ref.CatalogID != "" {
		pb, err = b.catalog.FetchByID(ctx, ref.CatalogID)
		catalogID = ref.CatalogID
	} else {
		pb, catalogID, err = b.catalog.Fetch(ctx, ref.Path, ref.Version)
	}
	if err != nil {
		return "", fmt.Errorf("broker: resolve playbook: %w", err)
	}

	executionID := uuid.NewString()
	exec := model.Execution{
		ExecutionID: executionID,
		Catalog:     model.CatalogReference{CatalogID: catalogID, Path: pb.Path, Version: pb.Version},
		Parent:      parent,
		Workload:    mergeWorkload(pb.Workload, workload),
		Status:      model.ExecutionRunning,
		CreatedAt:   nowUTC(),
	}
	if err := insertExecution(ctx, b.pool, exec); err != nil {
		return "", err
	}

	if _, err := b.log.Append(ctx, model.Event{
		ExecutionID:    executionID,
		EventType:      model.EventExecutionStart,
		NodeID:         "__execution__",
		Status:         model.StatusStarted,
		Payload:        model.JSONObject{"workload": exec.Workload},
		IdempotencyKey: fmt.Sprintf("execution_start:%s", executionID),
	}); err != nil {
		return "", fmt.Errorf("broker: emit execution_start: %w", err)
	}

	if err := b.Evaluate(ctx, executionID); err != nil {
		return executionID, err
	}
	return executionID, nil
}

// GetExecution returns the execution's current row (spec §6.1 "GET
// /executions/{id}"). Callers needing the event history should use
// pkg/eventlog.Fetch directly rather than re-deriving it here.
func (b *Broker) GetExecution(ctx context.Context, executionID string) (model.Execution, error) {
	return fetchExecution(ctx, b.pool, executionID)
}

// CancelExecution emits execution_cancelled, which prevents further
// Evaluate calls from scheduling work (spec §4.3 "cancel_execution").
// Jobs already queued or leased for the execution are left as they are:
// their leases are not shortened, workers run them to completion, and
// Evaluate schedules nothing further for the cancelled execution.
func (b *Broker) CancelExecution(ctx context.Context, executionID, reason string) error {
	if _, err := b.log.Append(ctx, model.Event{
		ExecutionID:    executionID,
		EventType:      model.EventExecutionCancelled,
		NodeID:         "__execution__",
		Status:         model.StatusCancelled,
		Payload:        model.JSONObject{"reason": reason},
		IdempotencyKey: fmt.Sprintf("execution_cancelled:%s", executionID),
	}); err != nil {
		return fmt.Errorf("broker: emit execution_cancelled: %w", err)
	}
	return updateExecutionStatus(ctx, b.pool, executionID, model.ExecutionCancelled, true)
}

// Evaluate runs one pass of the evaluation algorithm (spec §4.3). It is
// idempotent: calling it again with no new events produces no new
// transitions, because every append it performs is gated by an
// idempotency key.
func (b *Broker) Evaluate(ctx context.Context, executionID string) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveBrokerEvaluation(time.Since(start), err != nil)
	}()

	exec, err := fetchExecution(ctx, b.pool, executionID)
	if err != nil {
		return err
	}
	if isTerminal(exec.Status) {
		return nil
	}

	pb, err := b.catalog.FetchByID(ctx, exec.Catalog.CatalogID)
	if err != nil {
		return b.failExecution(ctx, executionID, fmt.Sprintf("catalog fetch: %v", err))
	}

	events, err := b.log.Fetch(ctx, executionID, 0)
	if err != nil {
		return fmt.Errorf("broker: fetch events: %w", err)
	}
	state := buildState(events)
	if state.cancelled {
		return nil
	}

	env := buildEnv(exec, state)
	names := sortedStepNames(pb.Steps)

	// Pass 1: for every completed step with no outgoing transitions
	// recorded yet, evaluate its edges and record which were taken.
	for _, name := range names {
		step := pb.Steps[name]
		latest, ok := state.latestByNode[name]
		if !ok || categorize(latest) != categoryCompleted {
			continue
		}
		if state.hasTransitions(name) || len(step.Next) == 0 {
			continue
		}
		if err := b.emitTransitions(ctx, executionID, step, env, state); err != nil {
			return err
		}
	}

	// Failed-step bookkeeping: detect dead-lettered jobs and route
	// on_failure edges (spec §4.5 step 7, §9 on_failure treatment).
	for _, name := range names {
		step := pb.Steps[name]
		latest, ok := state.latestByNode[name]
		if !ok {
			continue
		}
		if categorize(latest) == categoryInFlight {
			if err := b.detectDeadLetter(ctx, executionID, name, state); err != nil {
				return err
			}
			continue
		}
		if categorize(latest) == categoryFailed && step.OnFailure != "" && !state.hasTransitions(name) {
			if err := b.emitFailureRoute(ctx, executionID, step, state); err != nil {
				return err
			}
		}
	}

	// In-flight iterator steps: let the loop coordinator advance
	// sequential fan-out and check the fan-in condition.
	for _, name := range names {
		step := pb.Steps[name]
		if step.Type != playbook.StepIterator || step.Iterator == nil {
			continue
		}
		latest, ok := state.latestByNode[name]
		if !ok || categorize(latest) == categoryNone {
			continue
		}
		if categorize(latest) == categoryCompleted {
			continue
		}
		renderBody := b.makeIterationRenderer(*step.Iterator)
		if err := b.loop.AdvanceAndAggregate(ctx, executionID, exec.Catalog.CatalogID, name, *step.Iterator, env, renderBody); err != nil {
			return err
		}
	}

	// Pass 2: resolve and dispatch newly-runnable steps.
	for _, name := range names {
		step := pb.Steps[name]
		if _, started := state.latestByNode[name]; started {
			continue
		}
		runnable, err := b.isRunnable(ctx, executionID, name, step, pb, state, env)
		if err != nil {
			return err
		}
		if !runnable {
			continue
		}
		if err := b.dispatchStep(ctx, executionID, exec.Catalog.CatalogID, step, env); err != nil {
			return err
		}
	}

	return b.detectTerminal(ctx, executionID, pb, state)
}

func (b *Broker) failExecution(ctx context.Context, executionID, reason string) error {
	if _, err := b.log.Append(ctx, model.Event{
		ExecutionID:    executionID,
		EventType:      model.EventExecutionFailed,
		NodeID:         "__execution__",
		Status:         model.StatusFailed,
		Payload:        model.JSONObject{"error": reason},
		IdempotencyKey: fmt.Sprintf("execution_failed:%s", executionID),
	}); err != nil {
		return fmt.Errorf("broker: emit execution_failed: %w", err)
	}
	return updateExecutionStatus(ctx, b.pool, executionID, model.ExecutionFailed, true)
}

func isTerminal(status model.ExecutionStatus) bool {
	return status == model.ExecutionCompleted || status == model.ExecutionFailed || status == model.ExecutionCancelled
}

func mergeWorkload(defaults map[string]any, overrides model.JSONObject) model.JSONObject {
	merged := make(model.JSONObject, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func nowUTC() time.Time { return time.Now().UTC() }
