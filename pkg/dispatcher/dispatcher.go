// Package dispatcher implements the Action Dispatcher (spec §4.5): the
// per-worker loop that leases jobs from the queue, resolves credentials,
// renders remaining templates, invokes the matching executor, and emits
// the job's terminal event. Grounded on the teacher's queue worker
// (pkg/queue/worker.go): a polling loop with jittered sleep, a concurrent
// heartbeater per in-flight task, and cooperative cancellation on lease
// loss.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/noetl/noetl/pkg/credential"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/executor"
	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/template"
	"github.com/noetl/noetl/pkg/workload"
)

// Config configures a Dispatcher's lease/poll/heartbeat cadence and
// worker identity (spec §6.7 NOETL_WORKER_* / NOETL_LEASE_* vars).
type Config struct {
	WorkerID          string
	PoolLabel         string
	Capabilities      []string
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	PollJitter        time.Duration
	RetryPolicy       model.RetryPolicy
	Concurrency       int // number of jobs this worker processes at once
}

// Dispatcher is one worker process's job-processing loop.
type Dispatcher struct {
	cfg         Config
	queue       *queue.Queue
	log         *eventlog.Log
	credentials *credential.Store
	registry    *executor.Registry
	workload    *workload.Store

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.RWMutex
	inFlight   int
	processed  int
}

// New builds a Dispatcher over its collaborators. wl may be nil if no
// step in the catalog ever uses a save block.
func New(cfg Config, q *queue.Queue, log *eventlog.Log, creds *credential.Store, registry *executor.Registry, wl *workload.Store) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Dispatcher{
		cfg:         cfg,
		queue:       q,
		log:         log,
		credentials: creds,
		registry:    registry,
		workload:    wl,
		stopCh:      make(chan struct{}),
	}
}

// Start launches cfg.Concurrency independent poll-lease-process loops in
// the background; each processes at most one job at a time, so
// cfg.Concurrency jobs run concurrently across the whole Dispatcher (spec
// §4.5 worker loop, generalized from a single loop to a small pool).
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Concurrency; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}
}

// Stop signals every poll loop to stop and waits for in-flight jobs to
// finish processing.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Stats reports how many jobs are currently being processed and how many
// have completed (success or failure) since Start.
type Stats struct {
	InFlight  int
	Processed int
}

func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{InFlight: d.inFlight, Processed: d.processed}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	log := slog.With("worker_id", d.cfg.WorkerID, "pool", d.cfg.PoolLabel)

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := d.queue.Lease(ctx, d.cfg.WorkerID, d.cfg.PoolLabel, d.cfg.Capabilities, d.cfg.LeaseDuration)
		if err != nil {
			if errors.Is(err, queue.ErrNoJobsAvailable) {
				d.sleep(d.pollInterval())
				continue
			}
			log.Error("lease failed", "error", err)
			d.sleep(time.Second)
			continue
		}

		d.mu.Lock()
		d.inFlight++
		d.mu.Unlock()

		d.processJob(ctx, job)

		d.mu.Lock()
		d.inFlight--
		d.processed++
		d.mu.Unlock()
	}
}

func (d *Dispatcher) sleep(delay time.Duration) {
	select {
	case <-d.stopCh:
	case <-time.After(delay):
	}
}

func (d *Dispatcher) pollInterval() time.Duration {
	base := d.cfg.PollInterval
	jitter := d.cfg.PollJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// processJob runs the per-job task T(job) described in spec §4.5.
func (d *Dispatcher) processJob(ctx context.Context, job model.Job) {
	log := slog.With("worker_id", d.cfg.WorkerID, "execution_id", job.ExecutionID, "node_id", job.NodeID)

	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	leaseLost := make(chan struct{})
	var once sync.Once
	go d.runHeartbeat(heartbeatCtx, job.QueueID, func() {
		once.Do(func() { close(leaseLost); cancelTask() })
	})
	defer cancelHeartbeat()

	// A job-level timeout stops the heartbeat and abandons the job, so its
	// lease expires and the reaper re-queues or dead-letters it.
	timedOut := make(chan struct{})
	if job.Action.TimeoutSeconds > 0 {
		timer := time.AfterFunc(time.Duration(job.Action.TimeoutSeconds)*time.Second, func() {
			close(timedOut)
			cancelTask()
		})
		defer timer.Stop()
	}

	if _, err := d.log.Append(ctx, model.Event{
		ExecutionID:    job.ExecutionID,
		EventType:      model.EventActionStarted,
		NodeID:         job.NodeID,
		Status:         model.StatusStarted,
		IdempotencyKey: fmt.Sprintf("action_started:%s:%s:%d", job.ExecutionID, job.NodeID, job.Attempts),
	}); err != nil {
		log.Error("emit action_started failed", "error", err)
	}

	authMaterial, err := d.resolveCredentials(taskCtx, job.Action.Auth)
	if err != nil {
		d.terminate(ctx, job, nil, &executor.Error{Kind: executor.FailurePermanent, Message: err.Error()}, model.FailureAuthError)
		return
	}

	renderedConfig, err := template.Render(job.Action.Config, template.Env(orEmptyEnv(job.Context)))
	if err != nil {
		d.terminate(ctx, job, nil, &executor.Error{Kind: executor.FailurePermanent, Message: err.Error()}, model.FailureTemplateError)
		return
	}
	config, _ := renderedConfig.(map[string]any)
	renderedAction := job.Action
	renderedAction.Config = config

	exec, ok := d.registry.Resolve(job.Action.Type)
	if !ok {
		d.terminate(ctx, job, nil, &executor.Error{Kind: executor.FailurePermanent, Message: fmt.Sprintf("no executor registered for action type %q", job.Action.Type)}, model.FailurePermanent)
		return
	}

	reporter := &eventReporter{log: d.log, executionID: job.ExecutionID, nodeID: job.NodeID}
	result, execErr := exec.Execute(taskCtx, renderedAction, job.Context, authMaterial, reporter)

	select {
	case <-leaseLost:
		// Heartbeat observed LeaseLost: another worker may already be
		// retrying this job. Do not emit a terminal event (spec §4.5
		// step 7); reap_expired/the other worker owns it now.
		log.Warn("lease lost mid-task, abandoning without emitting completion")
		return
	case <-timedOut:
		log.Warn("job timeout exceeded, abandoning to lease expiry")
		return
	default:
	}

	if execErr == nil {
		d.terminate(ctx, job, result, nil, "")
		return
	}

	var kind executor.FailureKind = executor.FailurePermanent
	var execError *executor.Error
	if errors.As(execErr, &execError) {
		kind = execError.Kind
	} else {
		execError = &executor.Error{Kind: executor.FailurePermanent, Message: execErr.Error()}
	}
	failureKind := model.FailurePermanent
	if kind == executor.FailureTransient {
		failureKind = model.FailureTransient
	}
	d.terminate(ctx, job, nil, execError, failureKind)
}

// terminate emits the job's terminal event(s) and resolves the lease. It
// delegates to Terminate, the same logic pkg/api's /queue/{id}/complete and
// /queue/{id}/fail endpoints use for workers that report results over HTTP
// instead of through this in-process Dispatcher.
func (d *Dispatcher) terminate(ctx context.Context, job model.Job, result any, execErr *executor.Error, failureKind model.FailureKind) {
	if execErr == nil {
		Terminate(ctx, d.queue, d.log, d.workload, d.cfg.WorkerID, d.cfg.RetryPolicy, job, true, result, "", "")
		return
	}
	Terminate(ctx, d.queue, d.log, d.workload, d.cfg.WorkerID, d.cfg.RetryPolicy, job, false, nil, execErr.Message, failureKind)
}

// Terminate emits a job's terminal event(s) and resolves its lease,
// mirroring spec §4.5 step 6: success -> action_completed/loop_iteration +
// queue.Complete; transient failure -> queue.Fail only, no event; any other
// failure -> action_failed/loop_iteration(failed) + queue.Fail. wl may be
// nil if no step in the catalog ever uses a save block. It is the shared
// core behind both the in-process Dispatcher and pkg/api's queue
// completion endpoints, so a remote, non-Go worker reporting results over
// HTTP gets the exact same event-emission semantics as this package's own
// poll loop.
func Terminate(ctx context.Context, q *queue.Queue, log *eventlog.Log, wl *workload.Store, workerID string, retryPolicy model.RetryPolicy, job model.Job, success bool, result any, errMessage string, failureKind model.FailureKind) {
	iterIndex, isIteration := iterationIndex(job.NodeID)
	appendEvent := func(eventType model.EventType, status model.EventStatus, payload model.JSONObject, idempotencyKey string) {
		if _, err := log.Append(ctx, model.Event{
			ExecutionID:    job.ExecutionID,
			EventType:      eventType,
			NodeID:         job.NodeID,
			Status:         status,
			Payload:        payload,
			IdempotencyKey: idempotencyKey,
		}); err != nil {
			slog.Error("append terminal event failed", "error", err, "event_type", eventType)
		}
	}

	if success {
		if isIteration {
			appendEvent(model.EventLoopIteration, model.StatusCompleted, model.JSONObject{
				"index": iterIndex, "result": result, "status": string(model.StatusCompleted),
			}, fmt.Sprintf("loop_iteration:%s:%s", job.ExecutionID, job.NodeID))
		} else {
			appendEvent(model.EventActionCompleted, model.StatusCompleted, model.JSONObject{
				"result": result,
			}, fmt.Sprintf("action_completed:%s:%s", job.ExecutionID, job.NodeID))
		}
		runSaveHook(ctx, wl, job, result)
		if err := q.Complete(ctx, job.QueueID, workerID); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
			slog.Error("queue complete failed", "error", err, "queue_id", job.QueueID)
		}
		metrics.IncJobsProcessed(workerID, true)
		return
	}

	if failureKind == model.FailureTransient {
		// spec §4.5 step 6: transient failure emits nothing yet.
		if err := q.Fail(ctx, job.QueueID, workerID, retryPolicy); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
			slog.Error("queue fail failed", "error", err, "queue_id", job.QueueID)
		}
		metrics.IncJobsProcessed(workerID, false)
		return
	}

	if isIteration {
		appendEvent(model.EventLoopIteration, model.StatusFailed, model.JSONObject{
			"index": iterIndex, "error": errMessage, "status": string(model.StatusFailed),
		}, fmt.Sprintf("loop_iteration:%s:%s", job.ExecutionID, job.NodeID))
	} else {
		appendEvent(model.EventActionFailed, model.StatusFailed, model.JSONObject{
			"error":        errMessage,
			"failure_kind": failureKind,
			"attempts":     job.Attempts,
		}, fmt.Sprintf("action_failed:%s:%s", job.ExecutionID, job.NodeID))
	}
	if err := q.Fail(ctx, job.QueueID, workerID, retryPolicy); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		slog.Error("queue fail failed", "error", err, "queue_id", job.QueueID)
	}
	metrics.IncJobsProcessed(workerID, false)
}

// runSaveHook renders the step's save block, if any, against an
// {"result": ...} environment and merges it into pkg/workload. Its
// failure is logged and never blocks or reverts the action's own
// completion (spec §9 Open Questions "save block").
func runSaveHook(ctx context.Context, wl *workload.Store, job model.Job, result any) {
	save := job.Action.Save
	if save == nil || wl == nil {
		return
	}
	if save.Target != "workload" {
		slog.Warn("unsupported save target, skipping", "target", save.Target, "node_id", job.NodeID)
		return
	}
	rendered, err := template.Render(save.Config, template.Env{"result": result})
	if err != nil {
		slog.Error("save block render failed", "error", err, "node_id", job.NodeID)
		return
	}
	fields, _ := rendered.(map[string]any)
	if err := wl.Merge(ctx, job.ExecutionID, fields); err != nil {
		slog.Error("save block merge failed", "error", err, "node_id", job.NodeID)
	}
}

func (d *Dispatcher) resolveCredentials(ctx context.Context, names []string) (map[string]model.CredentialRef, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make(map[string]model.CredentialRef, len(names))
	for _, name := range names {
		ref, err := d.credentials.Resolve(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve credential %q: %w", name, err)
		}
		out[name] = ref
	}
	return out, nil
}

// runHeartbeat extends the job's lease every HeartbeatInterval; on
// LeaseLost it invokes onLost exactly once and stops (spec §4.5 step 1).
func (d *Dispatcher) runHeartbeat(ctx context.Context, queueID string, onLost func()) {
	interval := d.cfg.HeartbeatInterval
	if interval <= 0 || interval >= d.cfg.LeaseDuration {
		interval = d.cfg.LeaseDuration / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.queue.Heartbeat(ctx, queueID, d.cfg.WorkerID, d.cfg.LeaseDuration); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					onLost()
					return
				}
				slog.Warn("heartbeat failed", "queue_id", queueID, "error", err)
			}
		}
	}
}

// iterationIndex extracts the numeric suffix of a loop iteration's
// node_id ("<step>#<index>"), mirroring pkg/loopcoord's own node_id
// convention without importing it (kept acyclic: dispatcher sits
// downstream of both broker and loopcoord).
func iterationIndex(nodeID string) (int, bool) {
	i := strings.LastIndex(nodeID, "#")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(nodeID[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

func orEmptyEnv(ctx model.JSONObject) model.JSONObject {
	if ctx == nil {
		return model.JSONObject{}
	}
	return ctx
}

// eventReporter implements executor.Reporter by appending directly to the
// event log (spec §6.5 reporting interface).
type eventReporter struct {
	log         *eventlog.Log
	executionID string
	nodeID      string
}

func (r *eventReporter) Report(ctx context.Context, eventType model.EventType, nodeID string, status model.EventStatus, payload model.JSONObject) error {
	if nodeID == "" {
		nodeID = r.nodeID
	}
	_, err := r.log.Append(ctx, model.Event{
		ExecutionID: r.executionID,
		EventType:   eventType,
		NodeID:      nodeID,
		Status:      status,
		Payload:     payload,
	})
	return err
}
