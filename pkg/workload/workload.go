// Package workload is the merge-able per-execution state blob (spec §6.2
// "workload(execution_id, data, updated_at) — merge-able per-execution
// state blob for steps that persist intermediate data"), distinct from
// execution.workload which only holds the initial parameter set. It backs
// a step's `save` block (spec §9 Open Questions): after a step's terminal
// action event is emitted, its rendered save config is merged here,
// independently of whether the merge itself succeeds.
package workload

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/model"
)

// Store is the PostgreSQL-backed workload blob keyed by execution_id.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Merge shallow-merges fields into the execution's workload blob,
// creating the row on first use. Top-level keys in fields overwrite any
// existing key of the same name; it never merges recursively, keeping the
// operation's result predictable regardless of save-block ordering
// (spec §9 Open Questions "save-block ordering").
func (s *Store) Merge(ctx context.Context, executionID string, fields model.JSONObject) error {
	if len(fields) == 0 {
		return nil
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("workload: marshal patch: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workload (execution_id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (execution_id) DO UPDATE
		SET data = workload.data || EXCLUDED.data, updated_at = now()
	`, executionID, patch)
	if err != nil {
		return fmt.Errorf("workload: merge: %w", err)
	}
	return nil
}

// Get fetches the current workload blob for an execution. A never-merged
// execution returns an empty, non-nil object.
func (s *Store) Get(ctx context.Context, executionID string) (model.JSONObject, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM workload WHERE execution_id = $1`, executionID).Scan(&data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.JSONObject{}, nil
		}
		return nil, fmt.Errorf("workload: select: %w", err)
	}
	var out model.JSONObject
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("workload: unmarshal: %w", err)
	}
	return out, nil
}
