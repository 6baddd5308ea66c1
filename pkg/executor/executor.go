// Package executor defines the action-type capability interface the
// dispatcher invokes (spec §6.6) and a small set of reference executors.
// Concrete HTTP/SQL/cloud adapters are explicitly out of scope; noop and
// http serve as the reference implementations exercised by tests and the
// worker binary.
package executor

import (
	"context"

	"github.com/noetl/noetl/pkg/model"
)

// FailureKind classifies an executor error as retryable or not (spec §6.6).
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// Error is the structured error shape executors return (spec §6.6
// "error is {kind, message, details?}").
type Error struct {
	Kind    FailureKind
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return e.Message }

// Reporter lets an executor append auxiliary events mid-execution without
// touching event-log storage directly (spec §6.5).
type Reporter interface {
	Report(ctx context.Context, eventType model.EventType, nodeID string, status model.EventStatus, payload model.JSONObject) error
}

// Executor is the capability contract per action type (spec §6.6).
type Executor interface {
	// Execute runs actionSpec against renderedContext, with authMaterial
	// already resolved by the dispatcher. It must honor ctx cancellation
	// cooperatively (spec "cancellation_signal").
	Execute(ctx context.Context, actionSpec model.ActionSpec, renderedContext model.JSONObject, authMaterial map[string]model.CredentialRef, reporter Reporter) (any, error)
}

// Registry resolves an action type to its Executor (spec "capability set").
type Registry struct {
	executors map[string]Executor
}

// NewRegistry builds an empty registry; use Register to populate it.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor for the given action type, overwriting any
// previous registration.
func (r *Registry) Register(actionType string, e Executor) {
	r.executors[actionType] = e
}

// Resolve returns the Executor for actionType, or ok=false if none is
// registered — the dispatcher surfaces this as a permanent action_failed.
func (r *Registry) Resolve(actionType string) (Executor, bool) {
	e, ok := r.executors[actionType]
	return e, ok
}
