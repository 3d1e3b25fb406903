// Package tasks manages the batch-task lifecycle: creation, the status
// state machine, node assignment, optimistic-concurrency updates, and
// the roll-up that completes a fan-out task from its folder rows.
package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/drovergrid/drover/pkg/clock"
	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/events"
	"github.com/drovergrid/drover/pkg/log"
	"github.com/drovergrid/drover/pkg/storage"
	"github.com/drovergrid/drover/pkg/types"
)

// Listing bounds applied when the caller leaves them unset or asks for
// too much.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// retryBase is the first fibonacci backoff step for internal
// read-modify-write retries on row-version conflicts.
const retryBase = 10 * time.Millisecond

// defaultRetryLimit bounds internal retries when the configured limit
// is unusable.
const defaultRetryLimit = 3

// Manager owns batch-task state. All status changes go through the
// task state machine; concurrent writers are serialized by the row
// version compare-and-set in the store.
type Manager struct {
	store      storage.Store
	clock      clock.Clock
	broker     *events.Broker
	retryLimit int
	logger     zerolog.Logger
}

// New creates a task manager. retryLimit bounds internal re-read
// attempts on row-version conflicts for calls that do not pin a
// version themselves.
func New(store storage.Store, clk clock.Clock, broker *events.Broker, retryLimit int) *Manager {
	if retryLimit < 1 {
		retryLimit = defaultRetryLimit
	}
	return &Manager{
		store:      store,
		clock:      clk,
		broker:     broker,
		retryLimit: retryLimit,
		logger:     log.WithComponent("tasks"),
	}
}

// UpdateRequest carries a partial task update. Nil fields are left
// unchanged. A non-nil RowVersion pins the update to that exact
// version: on mismatch the caller gets ErrConcurrency and must re-read.
// A nil RowVersion lets the manager re-read and retry internally.
type UpdateRequest struct {
	Status        *types.TaskStatus
	ResultMessage *string
	RowVersion    *int64
}

// Create validates and inserts a new Pending task.
func (m *Manager) Create(ctx context.Context, name, typ, parameters string) (*types.BatchTask, error) {
	name = strings.TrimSpace(name)

	verr := errdefs.NewValidationError()
	if name == "" || len(name) > types.MaxTaskNameLength {
		verr.Add("name", fmt.Sprintf("must be 1-%d characters", types.MaxTaskNameLength))
	}
	taskType, known := types.ParseTaskType(typ)
	if !known {
		verr.Add("type", fmt.Sprintf("unknown task type %q", typ))
	}
	if len(parameters) > types.MaxParametersBytes {
		verr.Add("parameters", fmt.Sprintf("must not exceed %d bytes", types.MaxParametersBytes))
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}

	task := &types.BatchTask{
		Name:       name,
		Type:       taskType,
		Status:     types.TaskStatusPending,
		CreatedAt:  m.clock.Now(),
		Parameters: parameters,
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	m.broker.PublishJobChanged(task.ID, "", types.TaskStatusPending)
	m.logger.Info().Int64("task_id", task.ID).Str("type", typ).Msg("task created")
	return task, nil
}

// Get returns one task by id.
func (m *Manager) Get(ctx context.Context, id int64) (*types.BatchTask, error) {
	return m.store.GetTask(ctx, id)
}

// List returns tasks matching the filter, newest first. A zero or
// negative limit falls back to the default; limits above the maximum
// are capped.
func (m *Manager) List(ctx context.Context, filter *types.TaskFilter) ([]*types.BatchTask, error) {
	if filter == nil {
		filter = &types.TaskFilter{}
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return m.store.ListTasks(ctx, filter)
}

// AssignToNode sets the assigned node on a non-terminal task. The node
// must exist; the task status does not change. Assignment retries
// internally on row-version conflicts.
func (m *Manager) AssignToNode(ctx context.Context, taskID int64, nodeID string) (*types.BatchTask, error) {
	if _, err := m.store.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}

	var assigned *types.BatchTask
	b := retry.NewFibonacci(retryBase)
	err := retry.Do(ctx, retry.WithMaxRetries(uint64(m.retryLimit), b), func(ctx context.Context) error {
		task, err := m.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return fmt.Errorf("task %d is %s and cannot be assigned: %w", taskID, task.Status, errdefs.ErrConflict)
		}

		task.AssignedNodeID = nodeID
		if err := m.store.UpdateTask(ctx, task, task.RowVersion); err != nil {
			if errdefs.IsConcurrency(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		assigned = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().Int64("task_id", taskID).Str("node_id", nodeID).Msg("task assigned")
	return assigned, nil
}

// UpdateStatus applies a partial update through the state machine.
// With a pinned RowVersion the compare-and-set is strict: a mismatch
// surfaces as ErrConcurrency for the caller to re-read. Without one
// the manager re-reads and retries the conflict itself. A status
// change publishes a job event after commit.
func (m *Manager) UpdateStatus(ctx context.Context, taskID int64, req *UpdateRequest) (*types.BatchTask, error) {
	if req.RowVersion != nil {
		return m.updatePinned(ctx, taskID, req)
	}

	var updated *types.BatchTask
	var from, to types.TaskStatus
	b := retry.NewFibonacci(retryBase)
	err := retry.Do(ctx, retry.WithMaxRetries(uint64(m.retryLimit), b), func(ctx context.Context) error {
		task, err := m.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if from, to, err = m.apply(task, req); err != nil {
			return err
		}
		if err := m.store.UpdateTask(ctx, task, task.RowVersion); err != nil {
			if errdefs.IsConcurrency(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	if from != to {
		m.broker.PublishJobChanged(updated.ID, from, to)
	}
	return updated, nil
}

func (m *Manager) updatePinned(ctx context.Context, taskID int64, req *UpdateRequest) (*types.BatchTask, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.RowVersion != *req.RowVersion {
		return nil, fmt.Errorf("task %d at version %d, caller expected %d: %w",
			taskID, task.RowVersion, *req.RowVersion, errdefs.ErrConcurrency)
	}

	from, to, err := m.apply(task, req)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateTask(ctx, task, *req.RowVersion); err != nil {
		return nil, err
	}

	if from != to {
		m.broker.PublishJobChanged(task.ID, from, to)
	}
	return task, nil
}

// apply mutates the task per the request, enforcing the state machine
// and stamping lifecycle timestamps. It reports the status pair for
// event publication.
func (m *Manager) apply(task *types.BatchTask, req *UpdateRequest) (from, to types.TaskStatus, err error) {
	from = task.Status
	to = from

	if req.Status != nil && *req.Status != task.Status {
		to = *req.Status
		if !canTransition(from, to) {
			return from, to, fmt.Errorf("task %d cannot go from %s to %s: %w",
				task.ID, from, to, errdefs.ErrInvalidTransition)
		}

		now := m.clock.Now()
		task.Status = to
		if to == types.TaskStatusRunning && task.StartedAt == nil {
			task.StartedAt = &now
		}
		if to.IsTerminal() {
			task.CompletedAt = &now
		}
	}
	if req.ResultMessage != nil {
		task.ResultMessage = *req.ResultMessage
	}
	return from, to, nil
}

// canTransition encodes the task state machine. Same-status writes are
// allowed so a caller can set the result message without a transition;
// terminal states are sinks.
func canTransition(from, to types.TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case types.TaskStatusPending:
		return to == types.TaskStatusRunning || to == types.TaskStatusCancelled
	case types.TaskStatusRunning:
		return to == types.TaskStatusCompleted || to == types.TaskStatusFailed || to == types.TaskStatusCancelled
	default:
		return false
	}
}

// Delete removes a task and all its folder rows, returning how many
// folder rows went with it.
func (m *Manager) Delete(ctx context.Context, taskID int64) (int, error) {
	folders, err := m.store.DeleteTask(ctx, taskID)
	if err != nil {
		return 0, err
	}

	m.logger.Info().Int64("task_id", taskID).Int("folders", folders).Msg("task deleted")
	return folders, nil
}

// CheckAndComplete rolls folder progress up into task status: when
// every folder row is terminal and at least one exists, the task
// becomes Failed if any folder failed, else Completed. Anything less
// is a no-op, and a task already terminal stays untouched, so the call
// is idempotent and safe to fire after every folder update. A task
// still Pending passes through Running so the state machine holds.
func (m *Manager) CheckAndComplete(ctx context.Context, taskID int64) (*types.BatchTask, error) {
	var result *types.BatchTask
	b := retry.NewFibonacci(retryBase)
	err := retry.Do(ctx, retry.WithMaxRetries(uint64(m.retryLimit), b), func(ctx context.Context) error {
		task, err := m.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			result = task
			return nil
		}

		rows, err := m.store.ListFolderProgressByTask(ctx, taskID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			result = task
			return nil
		}

		target := types.TaskStatusCompleted
		for _, row := range rows {
			if !row.Status.IsTerminal() {
				result = task
				return nil
			}
			if row.Status == types.FolderStatusFailed {
				target = types.TaskStatusFailed
			}
		}

		now := m.clock.Now()
		if task.Status == types.TaskStatusPending {
			task.Status = types.TaskStatusRunning
			if task.StartedAt == nil {
				task.StartedAt = &now
			}
			if err := m.store.UpdateTask(ctx, task, task.RowVersion); err != nil {
				if errdefs.IsConcurrency(err) {
					return retry.RetryableError(err)
				}
				return err
			}
			// this step committed even if the next one has to retry
			m.broker.PublishJobChanged(taskID, types.TaskStatusPending, types.TaskStatusRunning)
		}

		from := task.Status
		task.Status = target
		task.CompletedAt = &now
		if err := m.store.UpdateTask(ctx, task, task.RowVersion); err != nil {
			if errdefs.IsConcurrency(err) {
				return retry.RetryableError(err)
			}
			return err
		}

		m.broker.PublishJobChanged(taskID, from, target)
		m.logger.Info().Int64("task_id", taskID).Str("status", string(target)).Msg("fan-out task rolled up")
		result = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
