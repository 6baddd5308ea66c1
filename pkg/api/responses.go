package api

import (
	"strconv"
	"time"

	"github.com/noetl/noetl/pkg/model"
)

// All ID-typed fields are serialized as strings regardless of storage
// representation (spec §6.1 "Response schemas are stable").

// executionResponse is the body returned by /executions/run and
// GET /executions/{id}.
type executionResponse struct {
	ExecutionID string             `json:"execution_id"`
	CatalogID   string             `json:"catalog_id"`
	Path        string             `json:"path"`
	Version     string             `json:"version"`
	Status      model.ExecutionStatus `json:"status"`
	Workload    model.JSONObject  `json:"workload"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

func newExecutionResponse(exec model.Execution) executionResponse {
	return executionResponse{
		ExecutionID: exec.ExecutionID,
		CatalogID:   exec.Catalog.CatalogID,
		Path:        exec.Catalog.Path,
		Version:     exec.Catalog.Version,
		Status:      exec.Status,
		Workload:    exec.Workload,
		CreatedAt:   exec.CreatedAt,
		CompletedAt: exec.CompletedAt,
	}
}

// eventResponse is one entry in GET /executions/{id}/events.
type eventResponse struct {
	EventID     string            `json:"event_id"`
	ExecutionID string            `json:"execution_id"`
	EventType   model.EventType   `json:"event_type"`
	NodeID      string            `json:"node_id"`
	Status      model.EventStatus `json:"status"`
	Payload     model.JSONObject  `json:"payload"`
	Timestamp   time.Time         `json:"timestamp"`
}

func newEventResponse(e model.Event) eventResponse {
	return eventResponse{
		EventID:     strconv.FormatInt(e.EventID, 10),
		ExecutionID: e.ExecutionID,
		EventType:   e.EventType,
		NodeID:      e.NodeID,
		Status:      e.Status,
		Payload:     e.Payload,
		Timestamp:   e.Timestamp,
	}
}

// jobResponse is returned by POST /queue/lease.
type jobResponse struct {
	QueueID     string            `json:"queue_id"`
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Action      model.ActionSpec  `json:"action"`
	Context     model.JSONObject  `json:"context"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
}

func newJobResponse(job model.Job) jobResponse {
	return jobResponse{
		QueueID:     job.QueueID,
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		Action:      job.Action,
		Context:     job.Context,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
	}
}

// runtimeResponse is returned by /runtime/register; /runtime/heartbeat
// answers with an empty 200.
type runtimeResponse struct {
	RuntimeID    string              `json:"runtime_id"`
	PoolName     string              `json:"pool_name"`
	Capabilities []string            `json:"capabilities"`
	Status       model.RuntimeStatus `json:"status"`
}

func newRuntimeResponse(rt model.Runtime) runtimeResponse {
	return runtimeResponse{
		RuntimeID:    rt.RuntimeID,
		PoolName:     rt.PoolName,
		Capabilities: rt.Capabilities,
		Status:       rt.Status,
	}
}

// reapResponse is returned by POST /queue/reap-expired.
type reapResponse struct {
	Reclaimed int `json:"reclaimed"`
}
