package api

import "github.com/noetl/noetl/pkg/model"

// runExecutionRequest is the body of POST /executions/run (spec §6.1).
// PlaybookID and Path are synonyms, as are Parameters and InputPayload;
// resolve() folds both pairs down to one field each.
type runExecutionRequest struct {
	CatalogID     string         `json:"catalog_id"`
	Path          string         `json:"path"`
	PlaybookID    string         `json:"playbook_id"`
	Version       string         `json:"version"`
	Parameters    model.JSONObject `json:"parameters"`
	InputPayload  model.JSONObject `json:"input_payload"`
	ParentExecID  string         `json:"parent_execution_id"`
	ParentStep    string         `json:"parent_step"`
	ParentEventID int64          `json:"parent_event_id"`
}

// resolve applies the request-alias rules from spec §6.1.
func (r runExecutionRequest) resolve() (model.CatalogReference, model.JSONObject, *model.ParentRef) {
	path := r.Path
	if path == "" {
		path = r.PlaybookID
	}
	params := r.Parameters
	if params == nil {
		params = r.InputPayload
	}
	var parent *model.ParentRef
	if r.ParentExecID != "" {
		parent = &model.ParentRef{
			ExecutionID: r.ParentExecID,
			StepName:    r.ParentStep,
			EventID:     r.ParentEventID,
		}
	}
	return model.CatalogReference{CatalogID: r.CatalogID, Path: path, Version: r.Version}, params, parent
}

// cancelExecutionRequest is the body of POST /executions/{id}/cancel.
type cancelExecutionRequest struct {
	Reason string `json:"reason"`
}

// leaseJobRequest is the body of POST /queue/lease (spec §6.1).
type leaseJobRequest struct {
	WorkerID            string   `json:"worker_id"`
	Pool                string   `json:"pool"`
	Capabilities        []string `json:"capabilities"`
	LeaseDurationSecond int      `json:"lease_duration_seconds"`
}

// heartbeatJobRequest is the body of POST /queue/{queue_id}/heartbeat.
type heartbeatJobRequest struct {
	WorkerID            string `json:"worker_id"`
	LeaseDurationSecond int    `json:"lease_duration_seconds"`
}

// completeJobRequest is the body of POST /queue/{queue_id}/complete.
type completeJobRequest struct {
	WorkerID string `json:"worker_id"`
	Result   any    `json:"result"`
}

// failJobRequest is the body of POST /queue/{queue_id}/fail (spec §6.1).
// It carries no retry policy: the server's configured policy always applies.
type failJobRequest struct {
	WorkerID    string            `json:"worker_id"`
	Error       string            `json:"error"`
	FailureKind model.FailureKind `json:"failure_kind"`
}

// registerRuntimeRequest is the body of POST /runtime/register.
type registerRuntimeRequest struct {
	PoolName     string   `json:"pool_name"`
	Capabilities []string `json:"capabilities"`
}

// heartbeatRuntimeRequest is the body of POST /runtime/heartbeat (spec §6.1
// "auto-recreates registration if missing").
type heartbeatRuntimeRequest struct {
	RuntimeID    string             `json:"runtime_id"`
	PoolName     string             `json:"pool_name"`
	Capabilities []string           `json:"capabilities"`
	Status       model.RuntimeStatus `json:"status"`
}
