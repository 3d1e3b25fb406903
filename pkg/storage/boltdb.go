package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/types"
)

var (
	// Bucket names
	bucketNodes          = []byte("nodes")
	bucketTasks          = []byte("tasks")
	bucketFileLocks      = []byte("filelocks")
	bucketFolderProgress = []byte("folder_progress")

	// bucketFolderIndex maps "taskID:pathKey" to the folder row id. It
	// is the unique constraint on (TaskID, FolderPath) and the access
	// path for by-task listing and cascade deletes.
	bucketFolderIndex = []byte("folder_progress_index")
)

// BoltStore implements Store using bbolt. bbolt admits one writer at a
// time, so every Update closure below is a serializable critical
// section; that property carries the lock-acquire and compare-and-set
// guarantees.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataPath. A path
// ending in .db is used verbatim; anything else is treated as a data
// directory containing drover.db.
func NewBoltStore(dataPath string) (*BoltStore, error) {
	dbPath := dataPath
	if filepath.Ext(dataPath) != ".db" {
		dbPath = filepath.Join(dataPath, "drover.db")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketTasks,
			bucketFileLocks,
			bucketFolderProgress,
			bucketFolderIndex,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is still usable.
func (s *BoltStore) Ping(ctx context.Context) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketNodes) == nil {
			return fmt.Errorf("node bucket missing")
		}
		return nil
	})
}

// Stats counts stored entities in one snapshot transaction.
func (s *BoltStore) Stats(ctx context.Context) (*Stats, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	stats := &Stats{
		TasksByStatus:   make(map[types.TaskStatus]int),
		FoldersByStatus: make(map[types.FolderStatus]int),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.IsAvailable {
				stats.NodesAvailable++
			} else {
				stats.NodesUnavailable++
			}
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.BatchTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			stats.TasksByStatus[task.Status]++
			return nil
		}); err != nil {
			return err
		}

		stats.LocksHeld = tx.Bucket(bucketFileLocks).Stats().KeyN

		return tx.Bucket(bucketFolderProgress).ForEach(func(k, v []byte) error {
			var fp types.FolderProgress
			if err := json.Unmarshal(v, &fp); err != nil {
				return err
			}
			stats.FoldersByStatus[fp.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// itob converts an int64 id to a big-endian key so numeric order and
// byte order agree.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func folderIndexKey(taskID int64, pathKey string) []byte {
	return []byte(strconv.FormatInt(taskID, 10) + ":" + pathKey)
}

func folderIndexPrefix(taskID int64) []byte {
	return []byte(strconv.FormatInt(taskID, 10) + ":")
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// checkCtx aborts before entering a transaction when the caller's
// deadline already passed.
func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("store operation aborted: %w", errdefs.ErrTimeout)
		}
		return ctx.Err()
	default:
		return nil
	}
}

// Node operations

// CreateNode inserts a node iff the id is unused. The existence check
// and the insert share one transaction, so concurrent registrations of
// the same id resolve to exactly one winner.
func (s *BoltStore) CreateNode(ctx context.Context, node *types.Node) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get([]byte(node.ID)) != nil {
			return fmt.Errorf("node %s already registered: %w", node.ID, errdefs.ErrConflict)
		}
		return putJSON(b, []byte(node.ID), node)
	})
}

func (s *BoltStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// UpdateNode replaces an existing node record. Unlike the create path
// it requires the row to exist already.
func (s *BoltStore) UpdateNode(ctx context.Context, node *types.Node) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get([]byte(node.ID)) == nil {
			return fmt.Errorf("node %s: %w", node.ID, errdefs.ErrNotFound)
		}
		return putJSON(b, []byte(node.ID), node)
	})
}

// Task operations

// CreateTask assigns the id and the initial row version, then inserts.
func (s *BoltStore) CreateTask(ctx context.Context, task *types.BatchTask) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to assign task id: %w", err)
		}
		task.ID = int64(seq)
		task.RowVersion = 1
		return putJSON(b, itob(task.ID), task)
	})
}

func (s *BoltStore) GetTask(ctx context.Context, id int64) (*types.BatchTask, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var task types.BatchTask
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("task %d: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks walks tasks newest-first. Ids are assigned in creation
// order, so a reverse key scan yields CreatedAt-descending order
// without a separate index. Offset counts matching rows, not raw rows.
func (s *BoltStore) ListTasks(ctx context.Context, filter *types.TaskFilter) ([]*types.BatchTask, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	tasks := []*types.BatchTask{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var task types.BatchTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if filter != nil && !filter.Matches(&task) {
				continue
			}
			if filter != nil && skipped < filter.Offset {
				skipped++
				continue
			}
			tasks = append(tasks, &task)
			if filter != nil && filter.Limit > 0 && len(tasks) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTask writes the task iff the stored row still carries
// expectedVersion. On success the task's RowVersion is advanced to the
// new stored value; on mismatch nothing changes and the caller gets
// ErrConcurrency.
func (s *BoltStore) UpdateTask(ctx context.Context, task *types.BatchTask, expectedVersion int64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(itob(task.ID))
		if data == nil {
			return fmt.Errorf("task %d: %w", task.ID, errdefs.ErrNotFound)
		}
		var current types.BatchTask
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.RowVersion != expectedVersion {
			return fmt.Errorf("task %d at version %d, caller expected %d: %w",
				task.ID, current.RowVersion, expectedVersion, errdefs.ErrConcurrency)
		}
		task.RowVersion = current.RowVersion + 1
		return putJSON(b, itob(task.ID), task)
	})
}

// DeleteTask removes the task and cascades over its folder rows,
// returning how many folder rows went with it.
func (s *BoltStore) DeleteTask(ctx context.Context, id int64) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("task %d: %w", id, errdefs.ErrNotFound)
		}
		if err := b.Delete(itob(id)); err != nil {
			return err
		}
		var err error
		removed, err = deleteFolderRows(tx, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// File lock operations

// AcquireLock decides one acquisition attempt atomically: insert when
// the path is free, refresh when the caller already owns it, steal
// when the holder's lock went stale before staleBefore, otherwise
// report the holder.
func (s *BoltStore) AcquireLock(ctx context.Context, key, nodeID string, now, staleBefore time.Time) (*LockAcquisition, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var (
		lock types.FileLock
		acq  LockAcquisition
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileLocks)
		data := b.Get([]byte(key))
		if data == nil {
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to assign lock id: %w", err)
			}
			lock = types.FileLock{
				ID:            int64(seq),
				FilePath:      key,
				LockingNodeID: nodeID,
				AcquiredAt:    now,
				LastUpdatedAt: now,
			}
			acq.Outcome = LockAcquired
			return putJSON(b, []byte(key), &lock)
		}

		if err := json.Unmarshal(data, &lock); err != nil {
			return fmt.Errorf("failed to decode lock %s: %w", key, err)
		}

		switch {
		case lock.LockingNodeID == nodeID:
			// Same owner: refresh only; id and AcquiredAt survive.
			lock.LastUpdatedAt = now
			acq.Outcome = LockRefreshed
		case lock.LastUpdatedAt.Before(staleBefore):
			acq.EvictedNodeID = lock.LockingNodeID
			lock.LockingNodeID = nodeID
			lock.AcquiredAt = now
			lock.LastUpdatedAt = now
			acq.Outcome = LockStolen
		default:
			acq.Outcome = LockHeld
			return nil
		}
		return putJSON(b, []byte(key), &lock)
	})
	if err != nil {
		return nil, err
	}
	acq.Lock = &lock
	return &acq, nil
}

// ReleaseLock deletes the row iff nodeID owns it. A missing row is
// ErrNotFound, a foreign owner ErrNotOwner; neither mutates anything.
func (s *BoltStore) ReleaseLock(ctx context.Context, key, nodeID string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileLocks)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("lock %s: %w", key, errdefs.ErrNotFound)
		}
		var lock types.FileLock
		if err := json.Unmarshal(data, &lock); err != nil {
			return fmt.Errorf("failed to decode lock %s: %w", key, err)
		}
		if lock.LockingNodeID != nodeID {
			return fmt.Errorf("lock %s held by %s: %w", key, lock.LockingNodeID, errdefs.ErrNotOwner)
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) ListLocks(ctx context.Context) ([]*types.FileLock, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	locks := []*types.FileLock{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileLocks)
		return b.ForEach(func(k, v []byte) error {
			var lock types.FileLock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			locks = append(locks, &lock)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return locks, nil
}

// DeleteExpiredLocks removes every lock not refreshed since olderThan
// and returns the reaped rows for event publication.
func (s *BoltStore) DeleteExpiredLocks(ctx context.Context, olderThan time.Time) ([]*types.FileLock, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var reaped []*types.FileLock
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileLocks)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var lock types.FileLock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			if lock.LastUpdatedAt.Before(olderThan) {
				keys = append(keys, append([]byte(nil), k...))
				reaped = append(reaped, &lock)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reaped, nil
}

// ResetLocks deletes every lock row and returns how many were cleared.
func (s *BoltStore) ResetLocks(ctx context.Context) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	cleared := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileLocks)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		cleared = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cleared, nil
}

// Folder progress operations

// CreateFolderProgress inserts a folder row for an existing task.
// pathKey is the normalized folder path; the (task, pathKey) pair is
// unique, enforced by the index bucket inside the same transaction.
func (s *BoltStore) CreateFolderProgress(ctx context.Context, fp *types.FolderProgress, pathKey string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTasks).Get(itob(fp.TaskID)) == nil {
			return fmt.Errorf("task %d: %w", fp.TaskID, errdefs.ErrNotFound)
		}

		ib := tx.Bucket(bucketFolderIndex)
		ikey := folderIndexKey(fp.TaskID, pathKey)
		if ib.Get(ikey) != nil {
			return fmt.Errorf("folder %s already tracked for task %d: %w", pathKey, fp.TaskID, errdefs.ErrConflict)
		}

		b := tx.Bucket(bucketFolderProgress)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to assign folder progress id: %w", err)
		}
		fp.ID = int64(seq)

		if err := putJSON(b, itob(fp.ID), fp); err != nil {
			return err
		}
		return ib.Put(ikey, itob(fp.ID))
	})
}

func (s *BoltStore) GetFolderProgress(ctx context.Context, id int64) (*types.FolderProgress, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var fp types.FolderProgress
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolderProgress)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("folder progress %d: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &fp)
	})
	if err != nil {
		return nil, err
	}
	return &fp, nil
}

// ListFolderProgressByTask returns the task's folder rows in stable
// (path) order. The task must exist.
func (s *BoltStore) ListFolderProgressByTask(ctx context.Context, taskID int64) ([]*types.FolderProgress, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	rows := []*types.FolderProgress{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTasks).Get(itob(taskID)) == nil {
			return fmt.Errorf("task %d: %w", taskID, errdefs.ErrNotFound)
		}
		b := tx.Bucket(bucketFolderProgress)
		c := tx.Bucket(bucketFolderIndex).Cursor()
		prefix := folderIndexPrefix(taskID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := b.Get(v)
			if data == nil {
				return fmt.Errorf("folder index entry %s dangling", k)
			}
			var fp types.FolderProgress
			if err := json.Unmarshal(data, &fp); err != nil {
				return err
			}
			rows = append(rows, &fp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateFolderProgress replaces an existing folder row. The folder
// path is immutable, so the index needs no maintenance here.
func (s *BoltStore) UpdateFolderProgress(ctx context.Context, fp *types.FolderProgress) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolderProgress)
		if b.Get(itob(fp.ID)) == nil {
			return fmt.Errorf("folder progress %d: %w", fp.ID, errdefs.ErrNotFound)
		}
		return putJSON(b, itob(fp.ID), fp)
	})
}

// DeleteFolderProgressByTask removes every folder row of a task and
// returns the count.
func (s *BoltStore) DeleteFolderProgressByTask(ctx context.Context, taskID int64) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		removed, err = deleteFolderRows(tx, taskID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// deleteFolderRows drops a task's folder rows and index entries inside
// the caller's transaction.
func deleteFolderRows(tx *bolt.Tx, taskID int64) (int, error) {
	ib := tx.Bucket(bucketFolderIndex)
	fb := tx.Bucket(bucketFolderProgress)

	var ikeys [][]byte
	var ids [][]byte
	c := ib.Cursor()
	prefix := folderIndexPrefix(taskID)
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		ikeys = append(ikeys, append([]byte(nil), k...))
		ids = append(ids, append([]byte(nil), v...))
	}

	for i := range ikeys {
		if err := fb.Delete(ids[i]); err != nil {
			return 0, err
		}
		if err := ib.Delete(ikeys[i]); err != nil {
			return 0, err
		}
	}
	return len(ikeys), nil
}
