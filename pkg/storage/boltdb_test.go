package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testNode(id string) *types.Node {
	return &types.Node{
		ID:                  id,
		Name:                "Render " + id,
		IPAddress:           "192.168.1.10",
		HardwareFingerprint: "HW-" + id,
		IsAvailable:         true,
		LastHeartbeat:       time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		CreatedAt:           time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func testTask(name string) *types.BatchTask {
	return &types.BatchTask{
		Name:      name,
		Type:      types.TaskTypeVolumeCompression,
		Status:    types.TaskStatusPending,
		CreatedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCreateNodeConflictOnDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateNode(ctx, testNode("n1")))

	err := store.CreateNode(ctx, testNode("n1"))
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	// the original row is untouched
	node, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "HW-n1", node.HardwareFingerprint)
}

func TestGetNodeNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetNode(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestUpdateNodeRequiresExistence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpdateNode(ctx, testNode("ghost"))
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, store.CreateNode(ctx, testNode("n1")))
	updated := testNode("n1")
	updated.IsAvailable = false
	require.NoError(t, store.UpdateNode(ctx, updated))

	node, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, node.IsAvailable)
}

func TestListNodes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	nodes, err := store.ListNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	require.NoError(t, store.CreateNode(ctx, testNode("n1")))
	require.NoError(t, store.CreateNode(ctx, testNode("n2")))

	nodes, err = store.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestCreateTaskAssignsIDAndVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := testTask("first")
	second := testTask("second")
	require.NoError(t, store.CreateTask(ctx, first))
	require.NoError(t, store.CreateTask(ctx, second))

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, int64(1), first.RowVersion)
	assert.Equal(t, int64(1), second.RowVersion)

	got, err := store.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
	assert.Equal(t, types.TaskTypeVolumeCompression, got.Type)
}

func TestUpdateTaskCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := testTask("cas")
	require.NoError(t, store.CreateTask(ctx, task))

	task.Status = types.TaskStatusRunning
	require.NoError(t, store.UpdateTask(ctx, task, 1))
	assert.Equal(t, int64(2), task.RowVersion)

	// a writer still holding version 1 loses
	stale := *task
	stale.Status = types.TaskStatusCancelled
	err := store.UpdateTask(ctx, &stale, 1)
	require.Error(t, err)
	assert.True(t, errdefs.IsConcurrency(err))

	// stored row kept the winner's write
	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.Equal(t, int64(2), got.RowVersion)
}

func TestUpdateTaskNotFound(t *testing.T) {
	store := newTestStore(t)

	ghost := testTask("ghost")
	ghost.ID = 99
	err := store.UpdateTask(context.Background(), ghost, 1)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListTasksOrderAndFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		task := testTask(fmt.Sprintf("task-%d", i))
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			task.Type = types.TaskTypeRenderThumbnails
		}
		require.NoError(t, store.CreateTask(ctx, task))
	}

	// newest first
	all, err := store.ListTasks(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "task-4", all[0].Name)
	assert.Equal(t, "task-0", all[4].Name)

	// type filter
	thumbs, err := store.ListTasks(ctx, &types.TaskFilter{Type: types.TaskTypeRenderThumbnails})
	require.NoError(t, err)
	assert.Len(t, thumbs, 3)

	// pagination applies after filtering
	page, err := store.ListTasks(ctx, &types.TaskFilter{
		Type:   types.TaskTypeRenderThumbnails,
		Limit:  2,
		Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "task-2", page[0].Name)
	assert.Equal(t, "task-0", page[1].Name)

	// created window
	cutoff := base.Add(90 * time.Second)
	recent, err := store.ListTasks(ctx, &types.TaskFilter{CreatedAfter: &cutoff})
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestDeleteTaskCascadesFolders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := testTask("fanout")
	require.NoError(t, store.CreateTask(ctx, task))

	for i := 0; i < 3; i++ {
		fp := &types.FolderProgress{
			TaskID:     task.ID,
			FolderPath: fmt.Sprintf("/mnt/data/shot%02d", i),
			FolderName: fmt.Sprintf("shot%02d", i),
			Status:     types.FolderStatusPending,
			CreatedAt:  task.CreatedAt,
		}
		require.NoError(t, store.CreateFolderProgress(ctx, fp, fp.FolderPath))
	}

	removed, err := store.DeleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = store.GetTask(ctx, task.ID)
	assert.True(t, errdefs.IsNotFound(err))

	// deleting again reports not found
	_, err = store.DeleteTask(ctx, task.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAcquireLockBranches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	staleBefore := now.Add(-time.Hour)
	key := "y:/data/shot01"

	// fresh acquire
	acq, err := store.AcquireLock(ctx, key, "nodeA", now, staleBefore)
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, acq.Outcome)
	assert.Equal(t, "nodeA", acq.Lock.LockingNodeID)
	originalID := acq.Lock.ID

	// contender is held off
	held, err := store.AcquireLock(ctx, key, "nodeB", now.Add(time.Minute), staleBefore)
	require.NoError(t, err)
	assert.Equal(t, LockHeld, held.Outcome)
	assert.Equal(t, "nodeA", held.Lock.LockingNodeID)

	// same owner refresh preserves identity and AcquiredAt
	later := now.Add(2 * time.Minute)
	refreshed, err := store.AcquireLock(ctx, key, "nodeA", later, later.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, LockRefreshed, refreshed.Outcome)
	assert.Equal(t, originalID, refreshed.Lock.ID)
	assert.Equal(t, now, refreshed.Lock.AcquiredAt)
	assert.Equal(t, later, refreshed.Lock.LastUpdatedAt)

	// stale steal: clock jumps past the expiry window
	muchLater := later.Add(2 * time.Hour)
	stolen, err := store.AcquireLock(ctx, key, "nodeB", muchLater, muchLater.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, LockStolen, stolen.Outcome)
	assert.Equal(t, "nodeB", stolen.Lock.LockingNodeID)
	assert.Equal(t, "nodeA", stolen.EvictedNodeID)
	assert.Equal(t, muchLater, stolen.Lock.AcquiredAt)
}

func TestAcquireLockBoundaryNotStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	key := "y:/data/shot02"

	_, err := store.AcquireLock(ctx, key, "nodeA", now, now.Add(-time.Hour))
	require.NoError(t, err)

	// LastUpdatedAt == staleBefore is not yet stale
	attempt := now.Add(time.Hour)
	acq, err := store.AcquireLock(ctx, key, "nodeB", attempt, now)
	require.NoError(t, err)
	assert.Equal(t, LockHeld, acq.Outcome)
}

func TestReleaseLock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	key := "y:/data/shot03"

	_, err := store.AcquireLock(ctx, key, "nodeA", now, now.Add(-time.Hour))
	require.NoError(t, err)

	// foreign release refused, row intact
	err = store.ReleaseLock(ctx, key, "nodeB")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotOwner(err))

	locks, err := store.ListLocks(ctx)
	require.NoError(t, err)
	assert.Len(t, locks, 1)

	// owner release drops the row
	require.NoError(t, store.ReleaseLock(ctx, key, "nodeA"))

	err = store.ReleaseLock(ctx, key, "nodeA")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteExpiredLocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	_, err := store.AcquireLock(ctx, "a:/old", "nodeA", now.Add(-2*time.Hour), now.Add(-3*time.Hour))
	require.NoError(t, err)
	_, err = store.AcquireLock(ctx, "a:/fresh", "nodeA", now, now.Add(-time.Hour))
	require.NoError(t, err)

	reaped, err := store.DeleteExpiredLocks(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, "a:/old", reaped[0].FilePath)

	remaining, err := store.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "a:/fresh", remaining[0].FilePath)
}

func TestResetLocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for _, key := range []string{"a:/1", "a:/2", "a:/3"} {
		_, err := store.AcquireLock(ctx, key, "nodeA", now, now.Add(-time.Hour))
		require.NoError(t, err)
	}

	cleared, err := store.ResetLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)

	locks, err := store.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)

	cleared, err = store.ResetLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cleared)
}

func TestCreateFolderProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// task must exist
	orphan := &types.FolderProgress{TaskID: 42, FolderPath: "/mnt/x", Status: types.FolderStatusPending}
	err := store.CreateFolderProgress(ctx, orphan, "/mnt/x")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	task := testTask("fanout")
	require.NoError(t, store.CreateTask(ctx, task))

	fp := &types.FolderProgress{
		TaskID:     task.ID,
		FolderPath: `Y:\Data\Shot01`,
		FolderName: "Shot01",
		Status:     types.FolderStatusPending,
	}
	require.NoError(t, store.CreateFolderProgress(ctx, fp, "y:/data/shot01"))
	assert.Equal(t, int64(1), fp.ID)

	// duplicate normalized path for the same task conflicts
	dup := &types.FolderProgress{TaskID: task.ID, FolderPath: "y:/data/shot01/", Status: types.FolderStatusPending}
	err = store.CreateFolderProgress(ctx, dup, "y:/data/shot01")
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	// same path under another task is fine
	other := testTask("other")
	require.NoError(t, store.CreateTask(ctx, other))
	fp2 := &types.FolderProgress{TaskID: other.ID, FolderPath: "y:/data/shot01", Status: types.FolderStatusPending}
	require.NoError(t, store.CreateFolderProgress(ctx, fp2, "y:/data/shot01"))
}

func TestFolderIndexPrefixIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// create 12 tasks so ids 1 and 12 both exist
	var first, twelfth *types.BatchTask
	for i := 1; i <= 12; i++ {
		task := testTask(fmt.Sprintf("t%d", i))
		require.NoError(t, store.CreateTask(ctx, task))
		switch task.ID {
		case 1:
			first = task
		case 12:
			twelfth = task
		}
	}
	require.NotNil(t, first)
	require.NotNil(t, twelfth)

	mk := func(taskID int64, path string) {
		fp := &types.FolderProgress{TaskID: taskID, FolderPath: path, Status: types.FolderStatusPending}
		require.NoError(t, store.CreateFolderProgress(ctx, fp, path))
	}
	mk(first.ID, "/a")
	mk(first.ID, "/b")
	mk(twelfth.ID, "/c")

	// task 1's listing must not leak task 12's rows
	rows, err := store.ListFolderProgressByTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = store.ListFolderProgressByTask(ctx, twelfth.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "/c", rows[0].FolderPath)
}

func TestUpdateFolderProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ghost := &types.FolderProgress{ID: 7, TaskID: 1}
	err := store.UpdateFolderProgress(ctx, ghost)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	task := testTask("fanout")
	require.NoError(t, store.CreateTask(ctx, task))
	fp := &types.FolderProgress{TaskID: task.ID, FolderPath: "/a", Status: types.FolderStatusPending}
	require.NoError(t, store.CreateFolderProgress(ctx, fp, "/a"))

	fp.Status = types.FolderStatusInProgress
	fp.Progress = 0.25
	require.NoError(t, store.UpdateFolderProgress(ctx, fp))

	got, err := store.GetFolderProgress(ctx, fp.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FolderStatusInProgress, got.Status)
	assert.Equal(t, 0.25, got.Progress)
}

func TestListFolderProgressRequiresTask(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ListFolderProgressByTask(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestExpiredContextMapsToTimeout(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := store.GetNode(ctx, "n1")
	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err))

	_, err = store.ListTasks(ctx, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err))
}

func TestDataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.CreateNode(ctx, testNode("n1")))
	task := testTask("persist")
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	node, err := reopened.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "Render n1", node.Name)

	got, err := reopened.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist", got.Name)
	assert.Equal(t, int64(1), got.RowVersion)
}
