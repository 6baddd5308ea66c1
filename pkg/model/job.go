package model

import "time"

// JobStatus is the lifecycle state of a queued job (spec §3.3).
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobLeased     JobStatus = "leased"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// ActionSpec is the resolved, opaque action specification a job carries:
// type tag, configuration and already-rendered inputs (spec §3.3, §6.6).
type ActionSpec struct {
	Type   string     `json:"type"`
	Config JSONObject `json:"config"`
	Auth   []string   `json:"auth,omitempty"` // credential reference names
	// TimeoutSeconds bounds wall-clock execution of the executor call
	// (spec §5 job-level timeout).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// Save carries the step's unrendered save block through to the
	// dispatcher, which renders it against the executor's result and
	// merges it into pkg/workload after the terminal event is emitted
	// (spec §6.2 workload table, §9 Open Questions).
	Save *SaveSpec `json:"save,omitempty"`
}

// SaveSpec configures a post-completion persistence hook (spec §9 Open
// Questions "save block"). Target names the destination; the core only
// recognizes "workload" (merged into pkg/workload) — any other target is
// logged and skipped by the dispatcher rather than failing the job.
type SaveSpec struct {
	Target string     `json:"target"`
	Config JSONObject `json:"config"`
}

// Job is a unit of work pending worker attention (spec §3.3).
type Job struct {
	QueueID         string     `json:"queue_id"`
	ExecutionID     string     `json:"execution_id"`
	NodeID          string     `json:"node_id"`
	Action          ActionSpec `json:"action"`
	Context         JSONObject `json:"context"`
	CatalogID       string     `json:"catalog_id"`
	Status          JobStatus  `json:"status"`
	LeaseHolder     string     `json:"lease_holder,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	Priority        int        `json:"priority"`
	AvailableAt     time.Time  `json:"available_at"`
	WorkerPoolLabel string     `json:"worker_pool_label,omitempty"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
}

// JobSpec is the input to Queue.Enqueue: everything needed to create a Job
// row except the server-assigned queue_id and bookkeeping fields.
type JobSpec struct {
	ExecutionID     string
	NodeID          string
	Action          ActionSpec
	Context         JSONObject
	CatalogID       string
	MaxAttempts     int
	Priority        int
	AvailableAt     time.Time
	WorkerPoolLabel string
	IdempotencyKey  string
}

// RetryPolicy configures the backoff applied on job failure (spec §4.2).
type RetryPolicy struct {
	BaseDelay   time.Duration
	JitterRatio float64 // e.g. 0.25 for ±25%
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches spec §4.2's "base × 2^attempts × (1 ± 0.25)".
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:   2 * time.Second,
	JitterRatio: 0.25,
	MaxDelay:    5 * time.Minute,
}

// RuntimeStatus is the lifecycle state of a worker registration
// (spec §3.4).
type RuntimeStatus string

const (
	RuntimeReady    RuntimeStatus = "ready"
	RuntimeBusy     RuntimeStatus = "busy"
	RuntimeDraining RuntimeStatus = "draining"
	RuntimeOffline  RuntimeStatus = "offline"
)

// Runtime is a worker process registration (spec §3.4).
type Runtime struct {
	RuntimeID       string        `json:"runtime_id"`
	PoolName        string        `json:"pool_name"`
	Capabilities    []string      `json:"capabilities"`
	Status          RuntimeStatus `json:"status"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	RegisteredAt    time.Time     `json:"registered_at"`
}

// CredentialRef is the engine's opaque view of a credential (spec §3.5).
// Only the dispatcher's auth resolver decrypts Data.
type CredentialRef struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Data []byte   `json:"-"`
	Tags []string `json:"tags,omitempty"`
}
