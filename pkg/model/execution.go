// Package model holds the core data types shared by every NoETL component:
// executions, events, jobs, runtime registrations and credential references.
// These are plain structs with JSON tags; persistence and wire encoding live
// in pkg/database and pkg/api respectively.
package model

import "time"

// ExecutionStatus is the lifecycle state of an Execution (spec §3.1).
type ExecutionStatus string

// Execution status values. Status is always derived from the latest
// terminal event and is never mutated independently.
const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// CatalogReference resolves to a playbook definition, either by opaque id
// or by (path, version) pair.
type CatalogReference struct {
	CatalogID string `json:"catalog_id,omitempty"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
}

// ParentRef links a child execution (sub-playbook call) back to the step
// event that spawned it.
type ParentRef struct {
	ExecutionID string `json:"execution_id"`
	StepName    string `json:"step_name"`
	EventID     int64  `json:"event_id"`
}

// Execution represents one run of one playbook version (spec §3.1).
type Execution struct {
	ExecutionID string           `json:"execution_id"`
	Catalog     CatalogReference `json:"catalog_reference"`
	Parent      *ParentRef       `json:"parent,omitempty"`
	Workload    JSONObject       `json:"workload"`
	Status      ExecutionStatus  `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// JSONObject is an opaque, recursively-structured payload: object, list,
// string, number, bool or null. It is never statically typed per spec §9
// ("Event payload opacity") — shapes are action-type dependent and are only
// interpreted by the template renderer and the caller that requested them.
type JSONObject = map[string]any
