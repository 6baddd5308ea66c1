package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/runtime"
	"github.com/noetl/noetl/test/util"
)

func TestRegisterAndGet(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()
	reg := runtime.New(pool)

	id, err := reg.Register(ctx, "default", []string{"http", "sql"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rt, err := reg.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "default", rt.PoolName)
	require.ElementsMatch(t, []string{"http", "sql"}, rt.Capabilities)
	require.Equal(t, model.RuntimeReady, rt.Status)
}

func TestHeartbeatUpdatesExistingRegistration(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()
	reg := runtime.New(pool)

	id, err := reg.Register(ctx, "default", []string{"http"})
	require.NoError(t, err)

	require.NoError(t, reg.Heartbeat(ctx, id, "default", []string{"http"}, model.RuntimeBusy))

	rt, err := reg.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.RuntimeBusy, rt.Status)
}

func TestHeartbeatRecreatesMissingRegistration(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()
	reg := runtime.New(pool)

	id := "runtime-recreated-1"
	require.NoError(t, reg.Heartbeat(ctx, id, "default", []string{"http"}, model.RuntimeReady))

	rt, err := reg.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "default", rt.PoolName)
}

func TestListReturnsAllRegistrations(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()
	reg := runtime.New(pool)

	_, err := reg.Register(ctx, "pool-a", []string{"http"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, "pool-b", []string{"sql"})
	require.NoError(t, err)

	all, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestMarkOfflineTransitionsStaleRegistrations(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()
	reg := runtime.New(pool)

	id, err := reg.Register(ctx, "default", []string{"http"})
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `UPDATE runtime SET last_heartbeat_at = now() - interval '1 hour' WHERE runtime_id = $1`, id)
	require.NoError(t, err)

	n, err := reg.MarkOffline(ctx, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rt, err := reg.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.RuntimeOffline, rt.Status)
}
