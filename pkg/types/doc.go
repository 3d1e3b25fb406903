/*
Package types defines the core data structures used throughout Drover.

This package contains the fundamental types of the coordination domain:
worker nodes, batch tasks, file locks, and per-folder progress rows. All
other packages build on these definitions for storage, the HTTP API, and
event payloads.

# Architecture

The types package sits at the bottom of the dependency graph. It defines:

  - Node identity, liveness, and authentication material
  - Batch task lifecycle (status enum, timestamps, row versioning)
  - Advisory file locks keyed by normalized path
  - Folder-level progress for fan-out tasks
  - List filters shared by the store and the API

All types are designed to be:
  - Serializable (JSON, both for the store and the wire)
  - Free of behavior beyond small predicate helpers
  - Explicit about which fields the server owns (ids, timestamps,
    row versions) versus which the caller supplies

# Core Types

Node:
  - Registered once with a caller-chosen stable ID
  - Authenticates with an opaque HardwareFingerprint, never serialized
  - IsAvailable + LastHeartbeat drive assignment eligibility

BatchTask:
  - Integer ID assigned by the store
  - Status: Pending, Running, Completed, Failed, Cancelled
  - Type: payload family; Unknown only as the unrecognized zero value
  - RowVersion: monotone compare-and-set token for concurrent updates

FileLock:
  - One row per normalized path; LockingNodeID is the owner
  - LastUpdatedAt refreshes on re-acquisition; staleness enables steal

FolderProgress:
  - One row per (TaskID, folder path) pair
  - Status: Pending, InProgress, Completed, Failed
  - Progress fraction in [0, 1], clamped by the tracker

# Lifecycle Invariants

Task status moves only along:

	Pending -> Running -> Completed | Failed
	Pending | Running -> Cancelled

Terminal statuses are sinks. StartedAt is set exactly when a task first
enters Running; CompletedAt exactly when it enters a terminal status.
Folder rows follow the same pattern with InProgress in place of Running.

All timestamps are UTC.

# Usage

	task := &types.BatchTask{
		Name:   "shot01 proxies",
		Type:   types.TaskTypeRenderThumbnails,
		Status: types.TaskStatusPending,
	}

	if task.Status.IsTerminal() {
		// no further transitions are legal
	}

Enum parsing helpers validate wire input:

	typ, ok := types.ParseTaskType("VolumeCompression")
	if !ok {
		// reject the request
	}
*/
package types
