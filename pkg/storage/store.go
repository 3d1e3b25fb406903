package storage

import (
	"context"
	"time"

	"github.com/drovergrid/drover/pkg/types"
)

// LockOutcome reports which branch a lock acquisition took. Every
// outcome except LockHeld means the caller now owns the lock.
type LockOutcome int

const (
	// LockAcquired: no prior row existed; a fresh lock was inserted.
	LockAcquired LockOutcome = iota

	// LockRefreshed: the caller already owned the lock; LastUpdatedAt
	// advanced, identity and AcquiredAt were preserved.
	LockRefreshed

	// LockStolen: the prior owner's lock was stale and ownership moved
	// to the caller.
	LockStolen

	// LockHeld: another node holds a live lock; nothing changed.
	LockHeld
)

// Store is the persistence boundary for the coordinator. Every method
// that mutates state runs its reads and writes inside one transaction,
// so the multi-step decisions (insert-if-absent registration, lock
// acquisition, row-version compare-and-set, cascade delete) are atomic
// and serialized. Methods return errdefs kinds for callers to map.
type Store interface {
	// Nodes
	CreateNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, id string) (*types.Node, error)
	ListNodes(ctx context.Context) ([]*types.Node, error)
	UpdateNode(ctx context.Context, node *types.Node) error

	// Tasks
	CreateTask(ctx context.Context, task *types.BatchTask) error
	GetTask(ctx context.Context, id int64) (*types.BatchTask, error)
	ListTasks(ctx context.Context, filter *types.TaskFilter) ([]*types.BatchTask, error)
	UpdateTask(ctx context.Context, task *types.BatchTask, expectedVersion int64) error
	DeleteTask(ctx context.Context, id int64) (int, error)

	// File locks
	AcquireLock(ctx context.Context, key, nodeID string, now, staleBefore time.Time) (*LockAcquisition, error)
	ReleaseLock(ctx context.Context, key, nodeID string) error
	ListLocks(ctx context.Context) ([]*types.FileLock, error)
	DeleteExpiredLocks(ctx context.Context, olderThan time.Time) ([]*types.FileLock, error)
	ResetLocks(ctx context.Context) (int, error)

	// Folder progress
	CreateFolderProgress(ctx context.Context, fp *types.FolderProgress, pathKey string) error
	GetFolderProgress(ctx context.Context, id int64) (*types.FolderProgress, error)
	ListFolderProgressByTask(ctx context.Context, taskID int64) ([]*types.FolderProgress, error)
	UpdateFolderProgress(ctx context.Context, fp *types.FolderProgress) error
	DeleteFolderProgressByTask(ctx context.Context, taskID int64) (int, error)

	// Utility
	Stats(ctx context.Context) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// LockAcquisition reports the branch one acquisition attempt took and
// the stored row after it. For LockHeld the row is the contending
// holder's lock, unchanged.
type LockAcquisition struct {
	Lock    *types.FileLock
	Outcome LockOutcome

	// EvictedNodeID is the prior holder when Outcome is LockStolen.
	EvictedNodeID string
}

// Stats is a point-in-time census of stored entities, sampled by the
// metrics collector.
type Stats struct {
	NodesAvailable   int
	NodesUnavailable int
	TasksByStatus    map[types.TaskStatus]int
	LocksHeld        int
	FoldersByStatus  map[types.FolderStatus]int
}
