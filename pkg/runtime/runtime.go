// Package runtime is the worker registration directory (spec §3.4):
// register on startup, heartbeat periodically, list for operational
// visibility. Grounded on the teacher's repository pattern (pkg/database),
// same shape as pkg/catalog and pkg/credential.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/model"
)

// ErrNotFound is returned when no runtime row matches the given id.
var ErrNotFound = errors.New("runtime: not found")

// Registry is the PostgreSQL-backed worker registration directory.
type Registry struct {
	pool *pgxpool.Pool
}

// New creates a Registry backed by the given pool.
func New(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Register inserts a new worker registration, returning its runtime_id
// (spec §6.1 "/runtime/register").
func (r *Registry) Register(ctx context.Context, poolName string, capabilities []string) (string, error) {
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return "", fmt.Errorf("runtime: marshal capabilities: %w", err)
	}
	runtimeID := uuid.NewString()
	_, err = r.pool.Exec(ctx, `
		INSERT INTO runtime (runtime_id, pool_name, capabilities, status)
		VALUES ($1, $2, $3, $4)
	`, runtimeID, poolName, capsJSON, model.RuntimeReady)
	if err != nil {
		return "", fmt.Errorf("runtime: insert: %w", err)
	}
	return runtimeID, nil
}

// Heartbeat updates last_heartbeat_at and status for an existing
// registration. If the registration is missing (e.g. the server restarted
// and lost in-memory state, or the row aged out of an external cleanup
// job), it is silently recreated under the same runtime_id (spec §6.1
// "/runtime/heartbeat ... auto-recreates registration if missing").
func (r *Registry) Heartbeat(ctx context.Context, runtimeID, poolName string, capabilities []string, status model.RuntimeStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runtime SET status = $2, last_heartbeat_at = now() WHERE runtime_id = $1
	`, runtimeID, status)
	if err != nil {
		return fmt.Errorf("runtime: update heartbeat: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("runtime: marshal capabilities: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO runtime (runtime_id, pool_name, capabilities, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (runtime_id) DO UPDATE SET status = EXCLUDED.status, last_heartbeat_at = now()
	`, runtimeID, poolName, capsJSON, status)
	if err != nil {
		return fmt.Errorf("runtime: recreate on heartbeat: %w", err)
	}
	return nil
}

// Get fetches a single runtime registration.
func (r *Registry) Get(ctx context.Context, runtimeID string) (model.Runtime, error) {
	var (
		rt       model.Runtime
		capsJSON []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT runtime_id, pool_name, capabilities, status, last_heartbeat_at, registered_at
		FROM runtime WHERE runtime_id = $1
	`, runtimeID).Scan(&rt.RuntimeID, &rt.PoolName, &capsJSON, &rt.Status, &rt.LastHeartbeatAt, &rt.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Runtime{}, ErrNotFound
		}
		return model.Runtime{}, fmt.Errorf("runtime: select: %w", err)
	}
	if err := json.Unmarshal(capsJSON, &rt.Capabilities); err != nil {
		return model.Runtime{}, fmt.Errorf("runtime: unmarshal capabilities: %w", err)
	}
	return rt, nil
}

// List returns every registered worker, most recently registered first.
func (r *Registry) List(ctx context.Context) ([]model.Runtime, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT runtime_id, pool_name, capabilities, status, last_heartbeat_at, registered_at
		FROM runtime ORDER BY registered_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("runtime: list: %w", err)
	}
	defer rows.Close()

	var out []model.Runtime
	for rows.Next() {
		var (
			rt       model.Runtime
			capsJSON []byte
		)
		if err := rows.Scan(&rt.RuntimeID, &rt.PoolName, &capsJSON, &rt.Status, &rt.LastHeartbeatAt, &rt.RegisteredAt); err != nil {
			return nil, fmt.Errorf("runtime: scan: %w", err)
		}
		if err := json.Unmarshal(capsJSON, &rt.Capabilities); err != nil {
			return nil, fmt.Errorf("runtime: unmarshal capabilities: %w", err)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// MarkOffline transitions every registration whose last_heartbeat_at is
// older than staleAfter to status=offline, surfacing their leases to
// queue.ReapExpired (spec §3.4 "missing a heartbeat ... considered
// offline; its leased jobs are reclaimable" — the job-side reclaiming
// itself is queue.ReapExpired, driven by lease_expires_at, not this call).
func (r *Registry) MarkOffline(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runtime SET status = $1
		WHERE status != $1 AND last_heartbeat_at < now() - make_interval(secs => $2)
	`, model.RuntimeOffline, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("runtime: mark offline: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
