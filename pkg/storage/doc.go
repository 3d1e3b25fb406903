/*
Package storage provides persistent state management for Drover using bbolt.

The storage package is the single durability boundary of the
coordinator. It persists nodes, batch tasks, file locks, and folder
progress rows, and it hosts every multi-step decision that must be
atomic: insert-if-absent node registration, the four-way lock
acquisition branch, row-version compare-and-set on tasks, and cascade
deletes.

# Architecture

	+--------------------- STORAGE LAYER ----------------------+
	|                                                           |
	|  +------------------------------------------+            |
	|  |              Store interface             |            |
	|  |  consumed by registry, tasks, locks,     |            |
	|  |  progress, sweeper, metrics collector    |            |
	|  +---------------------+--------------------+            |
	|                        |                                  |
	|  +---------------------v--------------------+            |
	|  |               BoltStore                  |            |
	|  |  - single writer, serializable updates   |            |
	|  |  - JSON-encoded values                   |            |
	|  |  - NextSequence integer ids              |            |
	|  +---------------------+--------------------+            |
	|                        |                                  |
	|      +-----------------+------------------+               |
	|      |        |        |        |         |               |
	|   nodes    tasks   filelocks  folder   folder             |
	|                              progress  progress           |
	|                                         index             |
	+-----------------------------------------------------------+

Buckets:

  - nodes: node id -> Node
  - tasks: big-endian task id -> BatchTask (key order = creation order,
    so reverse scans list newest first)
  - filelocks: normalized path -> FileLock (the key is the unique
    index the acquisition decision relies on)
  - folder_progress: big-endian row id -> FolderProgress
  - folder_progress_index: "taskID:normalizedPath" -> row id (unique
    constraint per task and the by-task access path)

# Concurrency Model

bbolt admits exactly one write transaction at a time. Every mutating
Store method wraps its reads and writes in one db.Update closure, which
makes each of these decisions serializable without any additional
locking:

  - CreateNode observes-then-inserts: concurrent duplicate
    registrations resolve to one winner and one conflict
  - AcquireLock reads the row and picks the insert / refresh / steal /
    held branch before anyone else can write
  - UpdateTask compares the stored RowVersion against the caller's
    expectation and increments it in the same transaction
  - DeleteTask removes the task and its folder rows together

Readers use View transactions and never block the writer for long; all
operations check the caller's context before starting and surface
deadline expiry as an errdefs.ErrTimeout.

# Error Mapping

Methods return errdefs kinds wrapped with context:

  - ErrNotFound: missing node, task, lock, or folder row
  - ErrConflict: duplicate node id, duplicate (task, folder) pair
  - ErrConcurrency: row-version mismatch on UpdateTask
  - ErrNotOwner: lock release by a non-owner
  - ErrTimeout: caller deadline expired before the transaction ran

# Usage

	store, err := storage.NewBoltStore("/var/lib/drover")
	if err != nil {
		return err
	}
	defer store.Close()

	acq, err := store.AcquireLock(ctx, "y:/data/shot01",
		"render-03", now, now.Add(-expiry))
	if err != nil {
		return err
	}
	if acq.Outcome == storage.LockHeld {
		// somebody else owns it; acq.Lock describes the holder
	}
*/
package storage
