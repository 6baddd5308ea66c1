package broker

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/template"
)

// emitTransitions evaluates every outgoing edge of a just-completed step
// and records whether each was taken (spec §4.3 step 4, §6.3 transition
// payload shape). A predicate that fails to resolve reports
// action_failed(failure_kind=predicate_error) on the source step instead
// of silently skipping the edge (spec §4.3 "When-predicate evaluation").
func (b *Broker) emitTransitions(ctx context.Context, executionID string, step playbook.Step, env template.Env, state *executionState) error {
	for _, edge := range step.Next {
		whenResult, err := template.EvaluateWhen(edge.When, env)
		if err != nil {
			return b.failStep(ctx, executionID, step.Name, err.Error(), model.FailurePredicateError)
		}
		if _, err := b.log.Append(ctx, model.Event{
			ExecutionID: executionID,
			EventType:   model.EventTransition,
			NodeID:      step.Name,
			Status:      model.StatusCompleted,
			Payload: model.JSONObject{
				"from":        step.Name,
				"to":          edge.Target,
				"when_result": whenResult,
				"branch":      edge.Branch,
			},
			IdempotencyKey: fmt.Sprintf("transition:%s:%s:%s", executionID, step.Name, edge.Target),
		}); err != nil {
			return fmt.Errorf("broker: emit transition: %w", err)
		}
		// Keep the in-memory projection consistent within this pass so
		// later steps in the same Evaluate() call see the transition.
		state.transitions[step.Name] = append(state.transitions[step.Name], model.Event{
			NodeID:  step.Name,
			Payload: model.JSONObject{"to": edge.Target, "when_result": whenResult},
		})
	}
	return nil
}

// emitFailureRoute treats a step's on_failure target as a plain edge taken
// as soon as the step's latest event is a failure, whether or not retries
// remain (spec §9 Open Questions; see DESIGN.md).
func (b *Broker) emitFailureRoute(ctx context.Context, executionID string, step playbook.Step, state *executionState) error {
	if _, err := b.log.Append(ctx, model.Event{
		ExecutionID: executionID,
		EventType:   model.EventTransition,
		NodeID:      step.Name,
		Status:      model.StatusCompleted,
		Payload: model.JSONObject{
			"from":        step.Name,
			"to":          step.OnFailure,
			"when_result": true,
			"branch":      "on_failure",
		},
		IdempotencyKey: fmt.Sprintf("transition:%s:%s:%s", executionID, step.Name, step.OnFailure),
	}); err != nil {
		return fmt.Errorf("broker: emit on_failure transition: %w", err)
	}
	state.transitions[step.Name] = append(state.transitions[step.Name], model.Event{
		NodeID:  step.Name,
		Payload: model.JSONObject{"to": step.OnFailure, "when_result": true},
	})
	return nil
}

// detectDeadLetter notices a job that the queue has moved to dead_letter
// since the last evaluation pass and emits the terminal action_failed the
// dispatcher itself never got to emit (spec §4.2 dead-lettering, §4.3
// "failed" step detection).
func (b *Broker) detectDeadLetter(ctx context.Context, executionID, nodeID string, state *executionState) error {
	status, attempts, ok, err := b.queue.LatestJobStatus(ctx, executionID, nodeID)
	if err != nil {
		return err
	}
	if !ok || status != model.JobDeadLetter {
		return nil
	}
	return b.failStepWithAttempts(ctx, executionID, nodeID, "retries exhausted", model.FailureRetryExhausted, attempts)
}

// failStep appends action_failed for a step with attempts=0 (used for
// non-retry failures such as predicate_error, which are not driven by the
// job queue's attempt counter).
func (b *Broker) failStep(ctx context.Context, executionID, nodeID, reason string, kind model.FailureKind) error {
	return b.failStepWithAttempts(ctx, executionID, nodeID, reason, kind, 0)
}

func (b *Broker) failStepWithAttempts(ctx context.Context, executionID, nodeID, reason string, kind model.FailureKind, attempts int) error {
	_, err := b.log.Append(ctx, model.Event{
		ExecutionID: executionID,
		EventType:   model.EventActionFailed,
		NodeID:      nodeID,
		Status:      model.StatusFailed,
		Payload: model.JSONObject{
			"error":        reason,
			"failure_kind": kind,
			"attempts":     attempts,
		},
		IdempotencyKey: fmt.Sprintf("action_failed:%s:%s", executionID, nodeID),
	})
	if err != nil {
		return fmt.Errorf("broker: emit action_failed: %w", err)
	}
	return nil
}

// isRunnable implements spec §4.3 steps 3-4: a not-yet-started step is
// runnable once every edge that targets it has been resolved (its source
// completed and the edge evaluated), at least one such edge was actually
// taken (or the step has no incoming edges at all, i.e. it is a root like
// `start`), and the step's own `when` guard evaluates true.
func (b *Broker) isRunnable(ctx context.Context, executionID, name string, step playbook.Step, pb playbook.Playbook, state *executionState, env template.Env) (bool, error) {
	incoming := incomingEdges(pb, name)
	if len(incoming) == 0 {
		return evaluateOwnGuard(ctx, b, executionID, step, env)
	}

	anyTaken := false
	for _, in := range incoming {
		srcLatest, ok := state.latestByNode[in.source]
		if !ok || (categorize(srcLatest) != categoryCompleted && categorize(srcLatest) != categoryFailed) {
			return false, nil // source hasn't resolved yet
		}
		evaluated, takenResult := state.taken(in.source, name)
		if !evaluated {
			return false, nil // transition not yet computed this round
		}
		if takenResult {
			anyTaken = true
		}
	}
	if !anyTaken {
		return false, b.skipStep(ctx, executionID, name)
	}
	return evaluateOwnGuard(ctx, b, executionID, step, env)
}

func evaluateOwnGuard(ctx context.Context, b *Broker, executionID string, step playbook.Step, env template.Env) (bool, error) {
	ok, err := template.EvaluateWhen(step.When, env)
	if err != nil {
		return false, b.failStep(ctx, executionID, step.Name, err.Error(), model.FailurePredicateError)
	}
	if !ok {
		return false, b.skipStep(ctx, executionID, step.Name)
	}
	return true, nil
}

func (b *Broker) skipStep(ctx context.Context, executionID, nodeID string) error {
	_, err := b.log.Append(ctx, model.Event{
		ExecutionID:    executionID,
		EventType:      model.EventSkipped,
		NodeID:         nodeID,
		Status:         model.StatusSkipped,
		IdempotencyKey: fmt.Sprintf("skipped:%s:%s", executionID, nodeID),
	})
	if err != nil {
		return fmt.Errorf("broker: emit skipped: %w", err)
	}
	return nil
}

type incomingEdge struct {
	source string
}

// incomingEdges returns every step whose Next (or OnFailure) targets name.
func incomingEdges(pb playbook.Playbook, name string) []incomingEdge {
	var in []incomingEdge
	for srcName, step := range pb.Steps {
		for _, edge := range step.Next {
			if edge.Target == name {
				in = append(in, incomingEdge{source: srcName})
			}
		}
		if step.OnFailure == name {
			in = append(in, incomingEdge{source: srcName})
		}
	}
	return in
}

// dispatchStep resolves and enqueues a runnable step's work (spec §4.3
// step 5).
func (b *Broker) dispatchStep(ctx context.Context, executionID, catalogID string, step playbook.Step, env template.Env) error {
	switch step.Type {
	case playbook.StepIterator:
		if step.Iterator == nil {
			return b.failStep(ctx, executionID, step.Name, "iterator step missing iterator spec", model.FailurePermanent)
		}
		renderBody := b.makeIterationRenderer(*step.Iterator)
		if err := b.loop.FanOut(ctx, executionID, catalogID, step.Name, *step.Iterator, env, renderBody); err != nil {
			return b.failStep(ctx, executionID, step.Name, err.Error(), classifyTemplateFailure(err))
		}
		return nil

	case playbook.StepPlaybook:
		return b.dispatchSubPlaybook(ctx, executionID, catalogID, step, env)

	case playbook.StepNoop:
		_, err := b.log.Append(ctx, model.Event{
			ExecutionID:    executionID,
			EventType:      model.EventActionCompleted,
			NodeID:         step.Name,
			Status:         model.StatusCompleted,
			Payload:        model.JSONObject{"result": nil, "duration_ms": 0},
			IdempotencyKey: fmt.Sprintf("action_completed:%s:%s", executionID, step.Name),
		})
		if err != nil {
			return fmt.Errorf("broker: emit noop completion: %w", err)
		}
		return nil

	default: // playbook.StepAction
		return b.dispatchAction(ctx, executionID, catalogID, step, env)
	}
}

func (b *Broker) dispatchAction(ctx context.Context, executionID, catalogID string, step playbook.Step, env template.Env) error {
	if _, err := b.log.Append(ctx, model.Event{
		ExecutionID:    executionID,
		EventType:      model.EventStepStarted,
		NodeID:         step.Name,
		Status:         model.StatusStarted,
		IdempotencyKey: fmt.Sprintf("step_started:%s:%s", executionID, step.Name),
	}); err != nil {
		return fmt.Errorf("broker: emit step_started: %w", err)
	}

	if step.Action == nil {
		return b.failStep(ctx, executionID, step.Name, "action step missing action spec", model.FailurePermanent)
	}
	renderedConfig, err := template.Render(step.Action.Config, env)
	if err != nil {
		return b.failStep(ctx, executionID, step.Name, err.Error(), model.FailureTemplateError)
	}
	config, _ := renderedConfig.(map[string]any)

	var save *model.SaveSpec
	if step.Save != nil {
		save = &model.SaveSpec{Target: step.Save.Target, Config: step.Save.Config}
	}

	_, err = b.queue.Enqueue(ctx, model.JobSpec{
		ExecutionID: executionID,
		NodeID:      step.Name,
		Action: model.ActionSpec{
			Type:   step.Action.Type,
			Config: config,
			Auth:   step.Auth,
			Save:   save,
		},
		CatalogID:      catalogID,
		IdempotencyKey: fmt.Sprintf("enqueue:%s:%s", executionID, step.Name),
	})
	if err != nil {
		return fmt.Errorf("broker: enqueue: %w", err)
	}
	return nil
}

func (b *Broker) dispatchSubPlaybook(ctx context.Context, executionID, _ string, step playbook.Step, env template.Env) error {
	if step.Call == nil {
		return b.failStep(ctx, executionID, step.Name, "playbook step missing call spec", model.FailurePermanent)
	}

	stepStartedID, err := b.log.Append(ctx, model.Event{
		ExecutionID:    executionID,
		EventType:      model.EventStepStarted,
		NodeID:         step.Name,
		Status:         model.StatusStarted,
		IdempotencyKey: fmt.Sprintf("step_started:%s:%s", executionID, step.Name),
	})
	if err != nil {
		return fmt.Errorf("broker: emit step_started: %w", err)
	}

	merged := mergeWorkload(step.Call.Merge, model.JSONObject(nil))
	childWorkload, err := template.Render(merged, env)
	if err != nil {
		return b.failStep(ctx, executionID, step.Name, err.Error(), model.FailureTemplateError)
	}
	childWorkloadMap, _ := childWorkload.(map[string]any)

	_, err = b.StartExecution(ctx, model.CatalogReference{Path: step.Call.Path, Version: step.Call.Version}, childWorkloadMap, &model.ParentRef{
		ExecutionID: executionID,
		StepName:    step.Name,
		EventID:     stepStartedID,
	})
	if err != nil {
		return b.failStep(ctx, executionID, step.Name, err.Error(), model.FailurePermanent)
	}
	return nil
}

func classifyTemplateFailure(err error) model.FailureKind {
	if _, ok := err.(*template.TemplateError); ok {
		return model.FailureTemplateError
	}
	return model.FailurePermanent
}

// makeIterationRenderer builds the per-iteration renderBody callback the
// loop coordinator uses to turn the iterator body's action spec into a
// dispatch-ready model.ActionSpec (spec §4.4 "Render the body's inputs").
func (b *Broker) makeIterationRenderer(iter playbook.IteratorSpec) func(template.Env, int) (model.ActionSpec, error) {
	return func(elementEnv template.Env, _ int) (model.ActionSpec, error) {
		if iter.Body.Action == nil {
			return model.ActionSpec{}, fmt.Errorf("iterator body missing action spec")
		}
		rendered, err := template.Render(iter.Body.Action.Config, elementEnv)
		if err != nil {
			return model.ActionSpec{}, err
		}
		config, _ := rendered.(map[string]any)
		return model.ActionSpec{Type: iter.Body.Action.Type, Config: config, Auth: iter.Body.Auth}, nil
	}
}

// detectTerminal checks for execution-level completion/failure (spec §4.3
// step 6).
func (b *Broker) detectTerminal(ctx context.Context, executionID string, pb playbook.Playbook, state *executionState) error {
	for _, name := range sortedStepNames(pb.Steps) {
		step := pb.Steps[name]
		latest, ok := state.latestByNode[name]
		if !ok {
			continue
		}
		if categorize(latest) == categoryFailed && step.OnFailure == "" {
			kind, _ := latest.Payload["failure_kind"].(string)
			if model.FailureKind(kind) == model.FailureRetryExhausted {
				return b.failExecution(ctx, executionID, fmt.Sprintf("step %q: retries exhausted", name))
			}
		}
	}

	leaves := pb.Leaves()
	if len(leaves) == 0 {
		return nil
	}
	for _, leaf := range leaves {
		latest, ok := state.latestByNode[leaf]
		if !ok || categorize(latest) != categoryCompleted {
			return nil
		}
	}

	_, err := b.log.Append(ctx, model.Event{
		ExecutionID:    executionID,
		EventType:      model.EventExecutionCompleted,
		NodeID:         "__execution__",
		Status:         model.StatusCompleted,
		IdempotencyKey: fmt.Sprintf("execution_completed:%s", executionID),
	})
	if err != nil {
		return fmt.Errorf("broker: emit execution_completed: %w", err)
	}
	return updateExecutionStatus(ctx, b.pool, executionID, model.ExecutionCompleted, true)
}
