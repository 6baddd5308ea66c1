package queue

import "errors"

// Sentinel errors for queue operations (spec §4.2, §7).
var (
	// ErrNoJobsAvailable indicates no leasable job matched the lease query.
	ErrNoJobsAvailable = errors.New("queue: no jobs available")

	// ErrLeaseLost indicates the caller no longer holds the lease on a job
	// (reaped or completed/failed by another process). It is a normal
	// outcome, not a bug.
	ErrLeaseLost = errors.New("queue: lease lost")

	// ErrStorage wraps a transient backend failure.
	ErrStorage = errors.New("queue: storage error")

	// ErrJobNotFound indicates Get found no row for the given queue_id.
	ErrJobNotFound = errors.New("queue: job not found")
)
