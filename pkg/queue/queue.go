// Package queue implements the durable, lease-based job queue (spec §4.2):
// atomic enqueue/lease/heartbeat/complete/fail/reap against PostgreSQL using
// `SELECT ... FOR UPDATE SKIP LOCKED`, the same locking discipline the
// teacher's pkg/queue/worker.go uses for session claiming.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/model"
)

// Queue is the PostgreSQL-backed job queue.
type Queue struct {
	pool *pgxpool.Pool
}

// New creates a Queue backed by the given pool.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Enqueue inserts a new job with status=queued, attempts=0. A second call
// with the same IdempotencyKey returns the existing queue_id instead of
// duplicating the row (spec §4.2).
func (q *Queue) Enqueue(ctx context.Context, spec model.JobSpec) (string, error) {
	if spec.IdempotencyKey != "" {
		var existing string
		err := q.pool.QueryRow(ctx, `SELECT queue_id FROM queue WHERE idempotency_key = $1`, spec.IdempotencyKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if err != pgx.ErrNoRows {
			return "", fmt.Errorf("%w: idempotency lookup: %v", ErrStorage, err)
		}
	}

	action, err := json.Marshal(spec.Action)
	if err != nil {
		return "", fmt.Errorf("marshal action: %w", err)
	}
	ctxJSON, err := json.Marshal(orEmpty(spec.Context))
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	availableAt := spec.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now().UTC()
	}

	queueID := uuid.NewString()
	var idemKey any
	if spec.IdempotencyKey != "" {
		idemKey = spec.IdempotencyKey
	}
	var poolLabel any
	if spec.WorkerPoolLabel != "" {
		poolLabel = spec.WorkerPoolLabel
	}

	_, err = q.pool.Exec(ctx, `
		INSERT INTO queue (queue_id, execution_id, node_id, action, context, catalog_id,
		                    status, attempts, max_attempts, priority, available_at,
		                    worker_pool_label, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,'queued',0,$7,$8,$9,$10,$11)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
	`, queueID, spec.ExecutionID, spec.NodeID, action, ctxJSON, spec.CatalogID,
		maxAttempts, spec.Priority, availableAt, poolLabel, idemKey)
	if err != nil {
		return "", fmt.Errorf("%w: insert: %v", ErrStorage, err)
	}

	// ON CONFLICT DO NOTHING may have silently skipped our insert if a
	// concurrent enqueue won the race on the same idempotency key; re-read
	// the canonical row so both callers agree on queue_id.
	if spec.IdempotencyKey != "" {
		var winner string
		if err := q.pool.QueryRow(ctx, `SELECT queue_id FROM queue WHERE idempotency_key = $1`, spec.IdempotencyKey).Scan(&winner); err != nil {
			return "", fmt.Errorf("%w: post-insert lookup: %v", ErrStorage, err)
		}
		return winner, nil
	}

	return queueID, nil
}

// Lease atomically selects and claims the next eligible job (spec §4.2):
// status=queued, available_at <= now, worker_pool_label matches (or is
// null), action.type in capabilities, ordered by (priority, available_at,
// queue_id). Returns ErrNoJobsAvailable if nothing matched.
func (q *Queue) Lease(ctx context.Context, workerID, poolLabel string, capabilities []string, leaseDuration time.Duration) (model.Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return model.Job{}, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT queue_id, execution_id, node_id, action, context, catalog_id, attempts, max_attempts, priority, worker_pool_label
		FROM queue
		WHERE status = 'queued'
		  AND available_at <= now()
		  AND (worker_pool_label IS NULL OR worker_pool_label = $1)
		  AND (action->>'type') = ANY($2)
		ORDER BY priority ASC, available_at ASC, queue_id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, poolLabel, capabilities)

	var job model.Job
	var actionJSON, ctxJSON []byte
	var label *string
	if err := row.Scan(&job.QueueID, &job.ExecutionID, &job.NodeID, &actionJSON, &ctxJSON,
		&job.CatalogID, &job.Attempts, &job.MaxAttempts, &job.Priority, &label); err != nil {
		if err == pgx.ErrNoRows {
			return model.Job{}, ErrNoJobsAvailable
		}
		return model.Job{}, fmt.Errorf("%w: select: %v", ErrStorage, err)
	}

	leaseExpiry := time.Now().UTC().Add(leaseDuration)
	newAttempts := job.Attempts + 1
	if _, err := tx.Exec(ctx, `
		UPDATE queue SET status='leased', lease_holder=$1, lease_expires_at=$2, attempts=$3
		WHERE queue_id = $4
	`, workerID, leaseExpiry, newAttempts, job.QueueID); err != nil {
		return model.Job{}, fmt.Errorf("%w: claim: %v", ErrStorage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Job{}, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}

	if err := json.Unmarshal(actionJSON, &job.Action); err != nil {
		return model.Job{}, fmt.Errorf("unmarshal action: %w", err)
	}
	if err := json.Unmarshal(ctxJSON, &job.Context); err != nil {
		return model.Job{}, fmt.Errorf("unmarshal context: %w", err)
	}
	job.Status = model.JobLeased
	job.LeaseHolder = workerID
	job.LeaseExpiresAt = &leaseExpiry
	job.Attempts = newAttempts
	if label != nil {
		job.WorkerPoolLabel = *label
	}

	return job, nil
}

// Get returns a job's current row by queue_id, for callers that only have
// the queue_id to hand — notably pkg/api's queue completion endpoints,
// which must recover ExecutionID/NodeID/Attempts/Action before reporting a
// remote worker's result through dispatcher.Terminate.
func (q *Queue) Get(ctx context.Context, queueID string) (model.Job, error) {
	var job model.Job
	var actionJSON, ctxJSON []byte
	var label *string
	var leaseHolder *string
	var leaseExpiresAt *time.Time
	err := q.pool.QueryRow(ctx, `
		SELECT queue_id, execution_id, node_id, action, context, catalog_id, status,
		       attempts, max_attempts, priority, worker_pool_label, lease_holder, lease_expires_at
		FROM queue WHERE queue_id = $1
	`, queueID).Scan(&job.QueueID, &job.ExecutionID, &job.NodeID, &actionJSON, &ctxJSON,
		&job.CatalogID, &job.Status, &job.Attempts, &job.MaxAttempts, &job.Priority,
		&label, &leaseHolder, &leaseExpiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Job{}, ErrJobNotFound
		}
		return model.Job{}, fmt.Errorf("%w: get: %v", ErrStorage, err)
	}

	if err := json.Unmarshal(actionJSON, &job.Action); err != nil {
		return model.Job{}, fmt.Errorf("unmarshal action: %w", err)
	}
	if err := json.Unmarshal(ctxJSON, &job.Context); err != nil {
		return model.Job{}, fmt.Errorf("unmarshal context: %w", err)
	}
	if label != nil {
		job.WorkerPoolLabel = *label
	}
	if leaseHolder != nil {
		job.LeaseHolder = *leaseHolder
	}
	job.LeaseExpiresAt = leaseExpiresAt

	return job, nil
}

// Heartbeat extends the lease, failing with ErrLeaseLost if the caller no
// longer holds it.
func (q *Queue) Heartbeat(ctx context.Context, queueID, workerID string, newLeaseDuration time.Duration) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE queue SET lease_expires_at = now() + $3::interval
		WHERE queue_id = $1 AND status = 'leased' AND lease_holder = $2 AND lease_expires_at > now()
	`, queueID, workerID, fmt.Sprintf("%d seconds", int(newLeaseDuration.Seconds())))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete transitions a job to completed, failing with ErrLeaseLost if the
// lease was reclaimed by another process in the meantime.
func (q *Queue) Complete(ctx context.Context, queueID, workerID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE queue SET status = 'completed', lease_holder = NULL, lease_expires_at = NULL
		WHERE queue_id = $1 AND status = 'leased' AND lease_holder = $2
	`, queueID, workerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail re-queues the job with exponential backoff+jitter, or moves it to
// dead_letter once max_attempts is exhausted (spec §4.2).
func (q *Queue) Fail(ctx context.Context, queueID, workerID string, policy model.RetryPolicy) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempts, maxAttempts int
	var poolLabel *string
	var actionType string
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts, worker_pool_label, action->>'type' FROM queue
		WHERE queue_id = $1 AND status = 'leased' AND lease_holder = $2
		FOR UPDATE
	`, queueID, workerID).Scan(&attempts, &maxAttempts, &poolLabel, &actionType)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrLeaseLost
		}
		return fmt.Errorf("%w: select: %v", ErrStorage, err)
	}

	deadLettered := attempts >= maxAttempts
	if deadLettered {
		if _, err := tx.Exec(ctx, `
			UPDATE queue SET status = 'dead_letter', lease_holder = NULL, lease_expires_at = NULL
			WHERE queue_id = $1
		`, queueID); err != nil {
			return fmt.Errorf("%w: dead-letter: %v", ErrStorage, err)
		}
	} else {
		delay := Backoff(policy, attempts)
		if _, err := tx.Exec(ctx, `
			UPDATE queue SET status = 'queued', lease_holder = NULL, lease_expires_at = NULL,
			                  available_at = now() + $2::interval
			WHERE queue_id = $1
		`, queueID, fmt.Sprintf("%f seconds", delay.Seconds())); err != nil {
			return fmt.Errorf("%w: requeue: %v", ErrStorage, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}

	if deadLettered {
		label := ""
		if poolLabel != nil {
			label = *poolLabel
		}
		metrics.IncDeadLetter(label, actionType)
	}
	return nil
}

// ReapExpired treats every leased job whose lease has expired as an
// implicit failure, applying the same retry/dead-letter logic as Fail.
// Idempotent: calling it twice at the same instant reclaims the same jobs
// once (spec §8).
func (q *Queue) ReapExpired(ctx context.Context, policy model.RetryPolicy) (int, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT queue_id, lease_holder FROM queue
		WHERE status = 'leased' AND lease_expires_at < now()
		FOR UPDATE SKIP LOCKED
	`)
	if err != nil {
		return 0, fmt.Errorf("%w: select expired: %v", ErrStorage, err)
	}
	type expired struct {
		queueID string
		holder  string
	}
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.queueID, &e.holder); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: scan: %v", ErrStorage, err)
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: rows: %v", ErrStorage, err)
	}

	reclaimed := 0
	for _, e := range batch {
		if err := q.Fail(ctx, e.queueID, e.holder, policy); err != nil {
			if err == ErrLeaseLost {
				// Already completed/failed/reaped by someone else between
				// the SELECT above and this Fail call — not an error.
				continue
			}
			return reclaimed, err
		}
		reclaimed++
	}
	if reclaimed > 0 {
		metrics.IncReapedJobs(reclaimed)
	}
	return reclaimed, nil
}

// Backoff computes "base × 2^attempts × (1 ± jitterRatio)", capped at
// MaxDelay (spec §4.2).
func Backoff(policy model.RetryPolicy, attempts int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = model.DefaultRetryPolicy.BaseDelay
	}
	jitterRatio := policy.JitterRatio
	if jitterRatio <= 0 {
		jitterRatio = model.DefaultRetryPolicy.JitterRatio
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = model.DefaultRetryPolicy.MaxDelay
	}

	exp := float64(base) * pow2(attempts)
	jitter := 1 + (rand.Float64()*2-1)*jitterRatio
	delay := time.Duration(exp * jitter)
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func pow2(n int) float64 {
	if n < 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// LatestJobStatus reports the status and attempt count of the most
// recently enqueued job for (executionID, nodeID), used by the broker to
// notice a job that has been dead-lettered since the last evaluation pass
// (spec §4.3 "failed" step detection).
func (q *Queue) LatestJobStatus(ctx context.Context, executionID, nodeID string) (model.JobStatus, int, bool, error) {
	var status model.JobStatus
	var attempts int
	err := q.pool.QueryRow(ctx, `
		SELECT status, attempts FROM queue
		WHERE execution_id = $1 AND node_id = $2
		ORDER BY queue_id DESC LIMIT 1
	`, executionID, nodeID).Scan(&status, &attempts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return status, attempts, true, nil
}

// PoolStatusCount is one row of a queue depth snapshot grouped by worker
// pool label and status.
type PoolStatusCount struct {
	PoolLabel string
	Status    model.JobStatus
	Count     int
}

// DepthByPoolStatus reports the number of jobs per (pool, status), feeding
// the periodic queue-depth gauge sampler. Jobs with no pool label (any
// worker may claim them) are reported under pool "*".
func (q *Queue) DepthByPoolStatus(ctx context.Context) ([]PoolStatusCount, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT coalesce(worker_pool_label, '*') AS pool_label, status, count(*)
		FROM queue
		GROUP BY pool_label, status
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: depth query: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []PoolStatusCount
	for rows.Next() {
		var c PoolStatusCount
		if err := rows.Scan(&c.PoolLabel, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("%w: depth scan: %v", ErrStorage, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: depth rows: %v", ErrStorage, err)
	}
	return out, nil
}

func orEmpty(m model.JSONObject) model.JSONObject {
	if m == nil {
		return model.JSONObject{}
	}
	return m
}
