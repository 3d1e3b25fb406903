package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/tasks"
	"github.com/drovergrid/drover/pkg/types"
)

// pathID parses the numeric :id path parameter. A non-integer id is a
// validation failure, not a 404: the route matched, the value didn't.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		writeError(c, errdefs.NewValidationError().Add("id", "must be a positive integer").Err())
		return 0, false
	}
	return id, true
}

type createTaskRequest struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Parameters string `json:"parameters"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("invalid request body: %w", errdefs.ErrInvalidArgument))
		return
	}

	task, err := s.tasks.Create(c.Request.Context(), req.Name, req.Type, req.Parameters)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	task, err := s.tasks.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleListTasks translates the 1-based page/pageSize query surface
// into the store's limit/offset filter.
func (s *Server) handleListTasks(c *gin.Context) {
	verr := errdefs.NewValidationError()
	filter := &types.TaskFilter{}

	if raw := c.Query("status"); raw != "" {
		status, ok := types.ParseTaskStatus(raw)
		if !ok {
			verr.Add("status", fmt.Sprintf("unknown status %q", raw))
		}
		filter.Status = status
	}
	if raw := c.Query("type"); raw != "" {
		typ, ok := types.ParseTaskType(raw)
		if !ok {
			verr.Add("type", fmt.Sprintf("unknown task type %q", raw))
		}
		filter.Type = typ
	}
	filter.AssignedNode = c.Query("assignedNode")

	if raw := c.Query("createdAfter"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			verr.Add("createdAfter", "must be an RFC 3339 timestamp")
		} else {
			filter.CreatedAfter = &ts
		}
	}
	if raw := c.Query("createdBefore"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			verr.Add("createdBefore", "must be an RFC 3339 timestamp")
		} else {
			filter.CreatedBefore = &ts
		}
	}

	page := 1
	if raw := c.Query("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			verr.Add("page", "must be a positive integer")
		} else {
			page = parsed
		}
	}
	pageSize := tasks.DefaultListLimit
	if raw := c.Query("pageSize"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			verr.Add("pageSize", "must be a positive integer")
		} else {
			pageSize = parsed
		}
	}
	if err := verr.Err(); err != nil {
		writeError(c, err)
		return
	}
	if pageSize > tasks.MaxListLimit {
		pageSize = tasks.MaxListLimit
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	list, err := s.tasks.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type updateTaskRequest struct {
	Status        *string `json:"status"`
	ResultMessage *string `json:"resultMessage"`
	RowVersion    *int64  `json:"rowVersion"`
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("invalid request body: %w", errdefs.ErrInvalidArgument))
		return
	}

	update := &tasks.UpdateRequest{
		ResultMessage: req.ResultMessage,
		RowVersion:    req.RowVersion,
	}
	if req.Status != nil {
		status, known := types.ParseTaskStatus(*req.Status)
		if !known {
			writeError(c, errdefs.NewValidationError().Add("status", fmt.Sprintf("unknown status %q", *req.Status)).Err())
			return
		}
		update.Status = &status
	}

	task, err := s.tasks.UpdateStatus(c.Request.Context(), id, update)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if _, err := s.tasks.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type assignTaskRequest struct {
	NodeID string `json:"nodeId"`
}

func (s *Server) handleAssignTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req assignTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.NodeID == "" {
		writeError(c, errdefs.NewValidationError().Add("nodeId", "must not be empty").Err())
		return
	}

	task, err := s.tasks.AssignToNode(c.Request.Context(), id, req.NodeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleCheckComplete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	task, err := s.tasks.CheckAndComplete(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
