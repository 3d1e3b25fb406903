package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/progress"
	"github.com/drovergrid/drover/pkg/types"
)

func (s *Server) handleListFolders(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	rows, err := s.progress.ListByTask(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

type createFolderRequest struct {
	FolderPath string `json:"folderPath"`
	FolderName string `json:"folderName"`
}

func (s *Server) handleCreateFolder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req createFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("invalid request body: %w", errdefs.ErrInvalidArgument))
		return
	}

	row, err := s.progress.Create(c.Request.Context(), id, req.FolderPath, req.FolderName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

type updateFolderRequest struct {
	Status           *string  `json:"status"`
	AssignedNodeID   *string  `json:"assignedNodeId"`
	AssignedNodeName *string  `json:"assignedNodeName"`
	Progress         *float64 `json:"progress"`
	ErrorMessage     *string  `json:"errorMessage"`
	OutputPath       *string  `json:"outputPath"`
}

func (s *Server) handleUpdateFolder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req updateFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("invalid request body: %w", errdefs.ErrInvalidArgument))
		return
	}

	update := &progress.UpdateRequest{
		AssignedNodeID:   req.AssignedNodeID,
		AssignedNodeName: req.AssignedNodeName,
		Progress:         req.Progress,
		ErrorMessage:     req.ErrorMessage,
		OutputPath:       req.OutputPath,
	}
	if req.Status != nil {
		status, known := types.ParseFolderStatus(*req.Status)
		if !known {
			writeError(c, errdefs.NewValidationError().Add("status", fmt.Sprintf("unknown folder status %q", *req.Status)).Err())
			return
		}
		update.Status = &status
	}

	row, err := s.progress.Update(c.Request.Context(), id, update)
	if err != nil {
		writeError(c, err)
		return
	}

	// a folder landing in a terminal state may finish its task
	if row.Status.IsTerminal() {
		if _, err := s.tasks.CheckAndComplete(c.Request.Context(), row.TaskID); err != nil {
			s.logger.Warn().Err(err).Int64("task_id", row.TaskID).Msg("roll-up after folder update failed")
		}
	}

	c.JSON(http.StatusOK, row)
}
