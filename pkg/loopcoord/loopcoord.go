// Package loopcoord implements the fan-out/fan-in of iterator steps with
// at-most-once aggregation (spec §4.4). It is invoked by pkg/broker when an
// iterator step becomes runnable, and again on each evaluation pass while
// the step has in-flight iterations; it never calls back into the broker,
// keeping the two packages acyclic — "notify the broker to re-evaluate"
// (spec §4.4) falls out naturally because evaluate() is idempotent and every
// event append notifies eventlog.EvaluateChannel, on which pkg/broker's
// Watcher re-runs it.
package loopcoord

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/template"
)

// Coordinator owns the append/enqueue side effects of loop fan-out/fan-in.
type Coordinator struct {
	log   *eventlog.Log
	queue *queue.Queue
}

// New builds a Coordinator over the given event log and job queue.
func New(log *eventlog.Log, q *queue.Queue) *Coordinator {
	return &Coordinator{log: log, queue: q}
}

// nodeID synthesizes the per-iteration node_id "<step_name>#<index>"
// (spec §4.4 step 2).
func nodeID(stepName string, index int) string {
	return fmt.Sprintf("%s#%d", stepName, index)
}

// iterationIndex extracts the index back out of a node_id produced by
// nodeID, returning ok=false for node ids that don't match the pattern.
func iterationIndex(stepName, nodeIDValue string) (int, bool) {
	prefix := stepName + "#"
	if !strings.HasPrefix(nodeIDValue, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(nodeIDValue, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// FanOut evaluates the iterator's collection expression and enqueues its
// iteration jobs (spec §4.4 "Fan-out"). body is rendered once per element
// with element_name/index_name bound into env; renderBody turns it into the
// iteration job's ActionSpec.
func (c *Coordinator) FanOut(ctx context.Context, executionID, catalogID, stepName string, iter playbook.IteratorSpec, env template.Env, renderBody func(elementEnv template.Env, index int) (model.ActionSpec, error)) error {
	collection, err := template.Evaluate(iter.Collection, env)
	if err != nil {
		return err
	}

	var elements []any
	switch v := collection.(type) {
	case nil:
		elements = nil
	case []any:
		elements = v
	default:
		// "If rendering yields a scalar, wrap as a singleton" (spec §4.4 step 1).
		elements = []any{v}
	}
	n := len(elements)

	if _, err := c.log.Append(ctx, model.Event{
		ExecutionID:    executionID,
		EventType:      model.EventStepStarted,
		NodeID:         stepName,
		Status:         model.StatusStarted,
		Payload:        model.JSONObject{"expected_count": n, "mode": iter.Mode},
		IdempotencyKey: fmt.Sprintf("step_started:%s:%s", executionID, stepName),
	}); err != nil {
		return fmt.Errorf("loopcoord: emit step_started: %w", err)
	}

	if n == 0 {
		return c.emitAggregated(ctx, executionID, stepName, nil, 0)
	}

	if iter.Mode == "sequential" {
		return c.enqueueIteration(ctx, executionID, catalogID, stepName, iter, env, renderBody, elements, 0)
	}

	for i := range elements {
		if err := c.enqueueIteration(ctx, executionID, catalogID, stepName, iter, env, renderBody, elements, i); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) enqueueIteration(ctx context.Context, executionID, catalogID, stepName string, iter playbook.IteratorSpec, env template.Env, renderBody func(template.Env, int) (model.ActionSpec, error), elements []any, index int) error {
	elementEnv := make(template.Env, len(env)+2)
	for k, v := range env {
		elementEnv[k] = v
	}
	if iter.ElementName != "" {
		elementEnv[iter.ElementName] = elements[index]
	}
	if iter.IndexName != "" {
		elementEnv[iter.IndexName] = index
	}

	action, err := renderBody(elementEnv, index)
	if err != nil {
		return err
	}

	_, err = c.queue.Enqueue(ctx, model.JobSpec{
		ExecutionID:    executionID,
		NodeID:         nodeID(stepName, index),
		Action:         action,
		CatalogID:      catalogID,
		IdempotencyKey: fmt.Sprintf("loop_iter:%s:%s:%d", executionID, stepName, index),
	})
	if err != nil {
		return fmt.Errorf("loopcoord: enqueue iteration %d: %w", index, err)
	}
	return nil
}

// AdvanceAndAggregate is the fan-in/fan-out-continuation half (spec §4.4
// "Per-iteration completion" and "Fan-in"), called by the broker on each
// evaluation pass while an iterator step has a step_started event but no
// loop_aggregated event yet.
func (c *Coordinator) AdvanceAndAggregate(ctx context.Context, executionID, catalogID, stepName string, iter playbook.IteratorSpec, env template.Env, renderBody func(template.Env, int) (model.ActionSpec, error)) error {
	started, ok, err := c.log.FetchLatestByNode(ctx, executionID, stepName)
	if err != nil {
		return fmt.Errorf("loopcoord: fetch step_started: %w", err)
	}
	if !ok {
		return nil // fan-out hasn't happened yet; nothing to advance
	}
	expected, _ := started.Payload["expected_count"].(float64)
	n := int(expected)
	mode, _ := started.Payload["mode"].(string)

	events, err := c.log.Fetch(ctx, executionID, 0)
	if err != nil {
		return fmt.Errorf("loopcoord: fetch events: %w", err)
	}

	iterations := make(map[int]model.Event)
	for _, e := range events {
		if e.EventType != model.EventLoopIteration {
			continue
		}
		idx, ok := iterationIndex(stepName, e.NodeID)
		if !ok {
			continue
		}
		if existing, seen := iterations[idx]; !seen || e.EventID > existing.EventID {
			iterations[idx] = e
		}
	}

	if mode == "sequential" {
		if len(iterations) > 0 && len(iterations) < n {
			nextIndex := len(iterations)
			if _, already := iterations[nextIndex]; !already {
				collection, err := template.Evaluate(iter.Collection, env)
				if err != nil {
					return err
				}
				elements, _ := collection.([]any)
				if elements == nil {
					elements = []any{collection}
				}
				if err := c.enqueueIteration(ctx, executionID, catalogID, stepName, iter, env, renderBody, elements, nextIndex); err != nil {
					return err
				}
			}
		}
	}

	return c.maybeAggregate(ctx, executionID, stepName, iter, iterations, n)
}

func (c *Coordinator) maybeAggregate(ctx context.Context, executionID, stepName string, iter playbook.IteratorSpec, iterations map[int]model.Event, n int) error {
	failed := false
	for _, e := range iterations {
		if e.Status == model.StatusFailed {
			failed = true
			break
		}
	}

	// TODO: this only truncates the aggregate; it doesn't cancel
	// iterations already enqueued for a worker to pick up (spec §4.4
	// "remaining not-yet-started iterations are cancelled"). Those
	// iterations still run to completion and append their own events,
	// which this aggregate simply ignores. Acceptable as best-effort until
	// the queue gains a way to cancel not-yet-leased jobs by a shared key.
	if !iter.ContinueOnFailure && failed {
		return c.emitEarlyExitAggregate(ctx, executionID, stepName, iterations)
	}

	if len(iterations) < n {
		return nil
	}

	return c.emitFullAggregate(ctx, executionID, stepName, iterations, n)
}

func (c *Coordinator) emitFullAggregate(ctx context.Context, executionID, stepName string, iterations map[int]model.Event, n int) error {
	results := make([]any, n)
	failures := 0
	for i := 0; i < n; i++ {
		e, ok := iterations[i]
		if !ok {
			results[i] = nil
			continue
		}
		if e.Status == model.StatusFailed {
			failures++
			results[i] = map[string]any{"error": e.Payload["error"]}
		} else {
			results[i] = e.Payload["result"]
		}
	}
	return c.emitAggregated(ctx, executionID, stepName, results, failures)
}

func (c *Coordinator) emitEarlyExitAggregate(ctx context.Context, executionID, stepName string, iterations map[int]model.Event) error {
	indices := make([]int, 0, len(iterations))
	for i := range iterations {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	results := make([]any, 0, len(indices))
	failures := 0
	for _, i := range indices {
		e := iterations[i]
		if e.Status == model.StatusFailed {
			failures++
			results = append(results, map[string]any{"error": e.Payload["error"]})
			break // truncate at the first failure (spec §4.4 "early-exit mode")
		}
		results = append(results, e.Payload["result"])
	}
	return c.emitAggregated(ctx, executionID, stepName, results, failures)
}

// emitAggregated appends loop_aggregated using the idempotency key
// "loop_agg:{execution_id}:{step_name}", guaranteeing at-most-once
// emission even under concurrent evaluation (spec §4.4 "Fan-in").
func (c *Coordinator) emitAggregated(ctx context.Context, executionID, stepName string, results []any, failures int) error {
	status := model.StatusCompleted
	if failures > 0 {
		status = model.StatusFailed
	}
	_, err := c.log.Append(ctx, model.Event{
		ExecutionID: executionID,
		EventType:   model.EventLoopAggregated,
		NodeID:      stepName,
		Status:      status,
		Payload: model.JSONObject{
			"result":   results,
			"count":    len(results),
			"failures": failures,
		},
		IdempotencyKey: fmt.Sprintf("loop_agg:%s:%s", executionID, stepName),
	})
	if err != nil {
		return fmt.Errorf("loopcoord: emit loop_aggregated: %w", err)
	}
	return nil
}
