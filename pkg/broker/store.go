package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/model"
)

// ErrExecutionNotFound is returned when no execution row matches the given id.
var ErrExecutionNotFound = errors.New("broker: execution not found")

func insertExecution(ctx context.Context, pool *pgxpool.Pool, exec model.Execution) error {
	workload, err := json.Marshal(orEmpty(exec.Workload))
	if err != nil {
		return fmt.Errorf("broker: marshal workload: %w", err)
	}

	var parentExecID, parentStep any
	var parentEventID any
	if exec.Parent != nil {
		parentExecID = exec.Parent.ExecutionID
		parentStep = exec.Parent.StepName
		parentEventID = exec.Parent.EventID
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO execution (execution_id, catalog_id, path, version, status, workload,
		                        parent_execution_id, parent_step, parent_event_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, exec.ExecutionID, exec.Catalog.CatalogID, exec.Catalog.Path, exec.Catalog.Version,
		exec.Status, workload, parentExecID, parentStep, parentEventID, exec.CreatedAt)
	if err != nil {
		return fmt.Errorf("broker: insert execution: %w", err)
	}
	return nil
}

func fetchExecution(ctx context.Context, pool *pgxpool.Pool, executionID string) (model.Execution, error) {
	var (
		exec                            model.Execution
		workload                        []byte
		parentExecID, parentStep        *string
		parentEventID                   *int64
		completedAt                     *time.Time
	)
	err := pool.QueryRow(ctx, `
		SELECT execution_id, catalog_id, path, version, status, workload,
		       parent_execution_id, parent_step, parent_event_id, created_at, completed_at
		FROM execution WHERE execution_id = $1
	`, executionID).Scan(
		&exec.ExecutionID, &exec.Catalog.CatalogID, &exec.Catalog.Path, &exec.Catalog.Version,
		&exec.Status, &workload, &parentExecID, &parentStep, &parentEventID, &exec.CreatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Execution{}, ErrExecutionNotFound
		}
		return model.Execution{}, fmt.Errorf("broker: fetch execution: %w", err)
	}
	if err := json.Unmarshal(workload, &exec.Workload); err != nil {
		return model.Execution{}, fmt.Errorf("broker: unmarshal workload: %w", err)
	}
	exec.CompletedAt = completedAt
	if parentExecID != nil {
		exec.Parent = &model.ParentRef{ExecutionID: *parentExecID}
		if parentStep != nil {
			exec.Parent.StepName = *parentStep
		}
		if parentEventID != nil {
			exec.Parent.EventID = *parentEventID
		}
	}
	return exec, nil
}

func updateExecutionStatus(ctx context.Context, pool *pgxpool.Pool, executionID string, status model.ExecutionStatus, terminal bool) error {
	var err error
	if terminal {
		_, err = pool.Exec(ctx, `UPDATE execution SET status = $2, completed_at = now() WHERE execution_id = $1`, executionID, status)
	} else {
		_, err = pool.Exec(ctx, `UPDATE execution SET status = $2 WHERE execution_id = $1`, executionID, status)
	}
	if err != nil {
		return fmt.Errorf("broker: update execution status: %w", err)
	}
	return nil
}

func orEmpty(m model.JSONObject) model.JSONObject {
	if m == nil {
		return model.JSONObject{}
	}
	return m
}
