package model

import "time"

// EventType is the closed set of tags the core emits and recognizes
// (spec §3.6).
type EventType string

const (
	EventExecutionStart     EventType = "execution_start"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionCancelled EventType = "execution_cancelled"
	EventStepStarted        EventType = "step_started"
	EventActionStarted      EventType = "action_started"
	EventActionCompleted    EventType = "action_completed"
	EventActionFailed       EventType = "action_failed"
	EventLoopIteration      EventType = "loop_iteration"
	EventLoopAggregated     EventType = "loop_aggregated"
	EventTransition         EventType = "transition"
	EventSkipped            EventType = "skipped"
)

// EventStatus is the status carried by a single event (spec §3.2).
type EventStatus string

const (
	StatusStarted    EventStatus = "started"
	StatusInProgress EventStatus = "in_progress"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
	StatusSkipped    EventStatus = "skipped"
	StatusCancelled  EventStatus = "cancelled"
)

// FailureKind classifies why an action failed, mirrors the error taxonomy
// of spec §7.
type FailureKind string

const (
	FailureTransient      FailureKind = "transient"
	FailurePermanent      FailureKind = "permanent"
	FailureTemplateError  FailureKind = "template_error"
	FailureAuthError      FailureKind = "auth_error"
	FailurePredicateError FailureKind = "predicate_error"
	FailureRetryExhausted FailureKind = "retry_exhausted"
)

// Event is the atomic, immutable unit of state change (spec §3.2).
type Event struct {
	EventID       int64       `json:"event_id"`
	ExecutionID   string      `json:"execution_id"`
	EventType     EventType   `json:"event_type"`
	NodeID        string      `json:"node_id"`
	ParentEventID *int64      `json:"parent_event_id,omitempty"`
	Status        EventStatus `json:"status"`
	Payload       JSONObject  `json:"payload"`
	Context       JSONObject  `json:"context"`
	Timestamp     time.Time   `json:"timestamp"`
	TraceID       string      `json:"trace_id,omitempty"`
	ParentSpanID  string      `json:"parent_span_id,omitempty"`

	// IdempotencyKey, when set, makes append() safe to retry: a second
	// append with the same key returns the existing event instead of
	// writing a duplicate. Never persisted as a first-class column read
	// back to callers; it only gates the INSERT.
	IdempotencyKey string `json:"-"`
}

// ActionCompletedPayload is the payload shape for action_completed events
// (spec §6.3).
type ActionCompletedPayload struct {
	Result     any   `json:"result"`
	DurationMS int64 `json:"duration_ms"`
}

// ActionFailedPayload is the payload shape for action_failed events
// (spec §6.3).
type ActionFailedPayload struct {
	Error       string      `json:"error"`
	FailureKind FailureKind `json:"failure_kind"`
	Traceback   string      `json:"traceback,omitempty"`
	Attempts    int         `json:"attempts"`
}

// LoopIterationPayload is the payload shape for loop_iteration events
// (spec §6.3).
type LoopIterationPayload struct {
	Index  int         `json:"index"`
	Result any         `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Status EventStatus `json:"status"`
}

// LoopAggregatedPayload is the payload shape for loop_aggregated events
// (spec §6.3).
type LoopAggregatedPayload struct {
	Result   []any `json:"result"`
	Count    int   `json:"count"`
	Failures int   `json:"failures"`
}

// TransitionPayload is the payload shape for transition events (spec §6.3).
type TransitionPayload struct {
	From       string `json:"from"`
	To         string `json:"to"`
	WhenResult bool   `json:"when_result"`
	Branch     string `json:"branch"` // "then" or "else"
}
