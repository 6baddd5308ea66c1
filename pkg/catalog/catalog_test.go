package catalog_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/test/util"
)

func TestPutAndFetch(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()
	store := catalog.New(pool)

	pb := playbook.Playbook{
		Path:    "pipelines/fetch",
		Version: "v1",
		Start:   "start",
		Steps: map[string]playbook.Step{
			"start": {Name: "start", Type: playbook.StepNoop},
		},
	}

	catalogID, err := store.Put(ctx, pb)
	require.NoError(t, err)
	require.NotEmpty(t, catalogID)

	fetched, fetchedID, err := store.Fetch(ctx, "pipelines/fetch", "v1")
	require.NoError(t, err)
	require.Equal(t, catalogID, fetchedID)
	require.Equal(t, pb.Path, fetched.Path)
	require.Equal(t, pb.Start, fetched.Start)

	byID, err := store.FetchByID(ctx, catalogID)
	require.NoError(t, err)
	require.Equal(t, pb.Path, byID.Path)

	_, _, err = store.Fetch(ctx, "pipelines/missing", "v1")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestFetchLatestVersionWhenUnspecified(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()
	store := catalog.New(pool)

	pb1 := playbook.Playbook{Path: "pipelines/fetch", Version: "v1", Start: "start", Steps: map[string]playbook.Step{"start": {Name: "start", Type: playbook.StepNoop}}}
	pb2 := playbook.Playbook{Path: "pipelines/fetch", Version: "v2", Start: "start", Steps: map[string]playbook.Step{"start": {Name: "start", Type: playbook.StepNoop}}}

	_, err := store.Put(ctx, pb1)
	require.NoError(t, err)
	_, err = store.Put(ctx, pb2)
	require.NoError(t, err)

	fetched, _, err := store.Fetch(ctx, "pipelines/fetch", "")
	require.NoError(t, err)
	require.Equal(t, "v2", fetched.Version)
}

// TestFetchByIDFallsBackWhenCacheUnreachable verifies an unreachable Redis
// cache degrades to a plain PostgreSQL lookup rather than failing the call.
func TestFetchByIDFallsBackWhenCacheUnreachable(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()
	store := catalog.New(pool)
	store.SetCache(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
	}), time.Minute)

	pb := playbook.Playbook{
		Path:    "pipelines/cache-fallback",
		Version: "v1",
		Start:   "start",
		Steps:   map[string]playbook.Step{"start": {Name: "start", Type: playbook.StepNoop}},
	}
	catalogID, err := store.Put(ctx, pb)
	require.NoError(t, err)

	byID, err := store.FetchByID(ctx, catalogID)
	require.NoError(t, err)
	require.Equal(t, pb.Path, byID.Path)
}
