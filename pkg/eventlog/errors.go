package eventlog

import "errors"

// Sentinel errors for the event log (spec §4.1, §7).
var (
	// ErrConflict indicates the (execution_id, event_id) pair already exists.
	ErrConflict = errors.New("eventlog: event already exists")

	// ErrStorage wraps a transient backend failure; callers retry with the
	// same idempotency key.
	ErrStorage = errors.New("eventlog: storage error")

	// ErrParentNotFound indicates parent_event_id references an event that
	// has not been committed for this execution (spec §3.2 invariant).
	ErrParentNotFound = errors.New("eventlog: parent event not committed")
)
