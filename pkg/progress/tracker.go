// Package progress tracks the per-folder subunits of fan-out tasks.
// Each row records one folder's state under a task: who works it, how
// far along it is, and what came out. Rows are unique per task and
// normalized folder path; the job manager aggregates them into task
// completion.
package progress

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/drovergrid/drover/pkg/clock"
	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/events"
	"github.com/drovergrid/drover/pkg/log"
	"github.com/drovergrid/drover/pkg/pathkey"
	"github.com/drovergrid/drover/pkg/storage"
	"github.com/drovergrid/drover/pkg/types"
)

// Tracker manages folder-progress rows for fan-out tasks.
type Tracker struct {
	store  storage.Store
	clock  clock.Clock
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a folder-progress tracker.
func New(store storage.Store, clk clock.Clock, broker *events.Broker) *Tracker {
	return &Tracker{
		store:  store,
		clock:  clk,
		broker: broker,
		logger: log.WithComponent("progress"),
	}
}

// UpdateRequest carries a partial folder update. Nil fields are left
// unchanged; Progress is clamped to [0, 1].
type UpdateRequest struct {
	Status           *types.FolderStatus
	AssignedNodeID   *string
	AssignedNodeName *string
	Progress         *float64
	ErrorMessage     *string
	OutputPath       *string
}

// Create adds a Pending folder row under a task. The row keeps the
// caller's path spelling, but uniqueness is decided on the normalized
// form: a second folder differing only in case or separators is a
// conflict. An empty folderName defaults to the last path segment.
func (t *Tracker) Create(ctx context.Context, taskID int64, folderPath, folderName string) (*types.FolderProgress, error) {
	key, err := pathkey.Normalize(folderPath)
	if err != nil {
		return nil, err
	}
	if len(key) > pathkey.MaxKeyLength {
		return nil, errdefs.NewValidationError().
			Add("folderPath", fmt.Sprintf("must not exceed %d characters after normalization", pathkey.MaxKeyLength)).
			Err()
	}

	if _, err := t.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	folderName = strings.TrimSpace(folderName)
	if folderName == "" {
		folderName = lastSegment(folderPath)
	}

	fp := &types.FolderProgress{
		TaskID:     taskID,
		FolderPath: strings.TrimSpace(folderPath),
		FolderName: folderName,
		Status:     types.FolderStatusPending,
		CreatedAt:  t.clock.Now(),
	}
	if err := t.store.CreateFolderProgress(ctx, fp, key); err != nil {
		return nil, err
	}

	t.broker.PublishFolderProgressChanged(fp.TaskID, fp.FolderPath, fp.Status, fp.Progress)
	t.logger.Debug().Int64("task_id", taskID).Str("folder", fp.FolderPath).Msg("folder row created")
	return fp, nil
}

// Update applies a partial change to a folder row. StartedAt is
// stamped on the first transition into InProgress and CompletedAt on
// entering a terminal status; re-opening a terminal row clears
// CompletedAt again.
func (t *Tracker) Update(ctx context.Context, id int64, req *UpdateRequest) (*types.FolderProgress, error) {
	fp, err := t.store.GetFolderProgress(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Status != nil && *req.Status != fp.Status {
		now := t.clock.Now()
		wasTerminal := fp.Status.IsTerminal()
		fp.Status = *req.Status

		if fp.Status == types.FolderStatusInProgress && fp.StartedAt == nil {
			fp.StartedAt = &now
		}
		if fp.Status.IsTerminal() {
			fp.CompletedAt = &now
		} else if wasTerminal {
			fp.CompletedAt = nil
		}
	}
	if req.AssignedNodeID != nil {
		fp.AssignedNodeID = *req.AssignedNodeID
	}
	if req.AssignedNodeName != nil {
		fp.AssignedNodeName = *req.AssignedNodeName
	}
	if req.Progress != nil {
		fp.Progress = clamp01(*req.Progress)
	}
	if req.ErrorMessage != nil {
		fp.ErrorMessage = *req.ErrorMessage
	}
	if req.OutputPath != nil {
		fp.OutputPath = *req.OutputPath
	}

	if err := t.store.UpdateFolderProgress(ctx, fp); err != nil {
		return nil, err
	}

	t.broker.PublishFolderProgressChanged(fp.TaskID, fp.FolderPath, fp.Status, fp.Progress)
	return fp, nil
}

// Get returns one folder row by id.
func (t *Tracker) Get(ctx context.Context, id int64) (*types.FolderProgress, error) {
	return t.store.GetFolderProgress(ctx, id)
}

// ListByTask returns every folder row under a task, which must exist.
func (t *Tracker) ListByTask(ctx context.Context, taskID int64) ([]*types.FolderProgress, error) {
	if _, err := t.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return t.store.ListFolderProgressByTask(ctx, taskID)
}

// DeleteByTask removes every folder row under a task and returns the
// count removed.
func (t *Tracker) DeleteByTask(ctx context.Context, taskID int64) (int, error) {
	return t.store.DeleteFolderProgressByTask(ctx, taskID)
}

// lastSegment extracts the final path component from either separator
// style, preserving the caller's casing.
func lastSegment(p string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(p), "/\\")
	if i := strings.LastIndexAny(trimmed, "/\\"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
