package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/drovergrid/drover/pkg/errdefs"
)

// lockScopeFolder selects the folder-lock namespace in acquire and
// release bodies. The default (empty) scope is a plain file lock.
const lockScopeFolder = "folder"

type lockRequest struct {
	FilePath string `json:"filePath"`
	NodeID   string `json:"nodeId"`
	Scope    string `json:"scope"`
}

// validate normalizes the common lock-request checks; scope and the
// deeper path rules are checked downstream.
func (r *lockRequest) validate() error {
	verr := errdefs.NewValidationError()
	if strings.TrimSpace(r.FilePath) == "" {
		verr.Add("filePath", "must not be empty")
	}
	if r.NodeID == "" {
		verr.Add("nodeId", "must not be empty")
	}
	if r.Scope != "" && r.Scope != lockScopeFolder {
		verr.Add("scope", `must be omitted or "folder"`)
	}
	return verr.Err()
}

func (s *Server) handleAcquireLock(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.NewValidationError().Add("filePath", "must not be empty").Add("nodeId", "must not be empty").Err())
		return
	}
	if err := req.validate(); err != nil {
		writeError(c, err)
		return
	}
	if !requireActor(c, req.NodeID) {
		return
	}

	var err error
	if req.Scope == lockScopeFolder {
		err = s.locks.AcquireFolder(c.Request.Context(), req.FilePath, req.NodeID)
	} else {
		err = s.locks.Acquire(c.Request.Context(), req.FilePath, req.NodeID)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReleaseLock(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.NewValidationError().Add("filePath", "must not be empty").Add("nodeId", "must not be empty").Err())
		return
	}
	if err := req.validate(); err != nil {
		writeError(c, err)
		return
	}
	if !requireActor(c, req.NodeID) {
		return
	}

	var err error
	if req.Scope == lockScopeFolder {
		err = s.locks.ReleaseFolder(c.Request.Context(), req.FilePath, req.NodeID)
	} else {
		err = s.locks.Release(c.Request.Context(), req.FilePath, req.NodeID)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleResetLocks(c *gin.Context) {
	cleared, err := s.locks.ResetAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (s *Server) handleListLocks(c *gin.Context) {
	list, err := s.locks.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}
