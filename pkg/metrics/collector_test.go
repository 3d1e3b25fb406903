package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/drovergrid/drover/pkg/storage"
	"github.com/drovergrid/drover/pkg/types"
)

func TestCollectorSamplesStoreCounts(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateNode(ctx, &types.Node{
		ID: "node-a", Name: "A", IPAddress: "10.0.0.1",
		HardwareFingerprint: "HW-A", IsAvailable: true,
		LastHeartbeat: now, CreatedAt: now,
	}))
	require.NoError(t, store.CreateNode(ctx, &types.Node{
		ID: "node-b", Name: "B", IPAddress: "10.0.0.2",
		HardwareFingerprint: "HW-B", IsAvailable: false,
		LastHeartbeat: now, CreatedAt: now,
	}))

	require.NoError(t, store.CreateTask(ctx, &types.BatchTask{
		Name: "t1", Type: types.TaskTypeFileProcessing,
		Status: types.TaskStatusPending, CreatedAt: now,
	}))

	_, err = store.AcquireLock(ctx, "y:/data/shot01", "node-a", now, now.Add(-time.Hour))
	require.NoError(t, err)

	c := NewCollector(store, time.Minute)
	c.collect()

	require.Equal(t, 1.0, testutil.ToFloat64(NodesTotal.WithLabelValues("true")))
	require.Equal(t, 1.0, testutil.ToFloat64(NodesTotal.WithLabelValues("false")))
	require.Equal(t, 1.0, testutil.ToFloat64(TasksTotal.WithLabelValues(string(types.TaskStatusPending))))
	require.Equal(t, 0.0, testutil.ToFloat64(TasksTotal.WithLabelValues(string(types.TaskStatusRunning))))
	require.Equal(t, 1.0, testutil.ToFloat64(LocksHeld))
}

func TestCollectorStartStop(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := NewCollector(store, time.Second)
	c.Start()
	c.Stop()
}
